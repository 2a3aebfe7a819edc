package health

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryProbe reports host memory usage in bytes.
type MemoryProbe interface {
	Usage() (used, total uint64, err error)
}

// SystemMemory reads host memory through gopsutil.
type SystemMemory struct{}

func (SystemMemory) Usage() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.Used, vm.Total, nil
}

// StaticMemory is a fixed MemoryProbe.
type StaticMemory struct {
	Used, Total uint64
	Err         error
}

func (s StaticMemory) Usage() (uint64, uint64, error) { return s.Used, s.Total, s.Err }
