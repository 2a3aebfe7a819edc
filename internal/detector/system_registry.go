package detector

import (
	"errors"
	"fmt"
	"os"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultTerminateGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultTerminateGrace = 5 * time.Second

// SystemRegistry is the host ProcessRegistry backed by gopsutil.
// The calling process is never reported as a match.
type SystemRegistry struct {
	Grace time.Duration
	self  int32
}

func NewSystemRegistry() *SystemRegistry {
	return &SystemRegistry{Grace: DefaultTerminateGrace, self: int32(os.Getpid())}
}

func (r *SystemRegistry) FindMatching(patterns []string) ([]ProcessHandle, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []ProcessHandle
	for _, p := range procs {
		if p.Pid == r.self {
			continue
		}
		// processes can exit between listing and inspection; skip them
		cmdline, err := p.Cmdline()
		if err != nil || !Matches(cmdline, patterns) {
			continue
		}
		cpu, err := p.CPUPercent()
		if err != nil {
			cpu = 0
		}
		out = append(out, ProcessHandle{PID: p.Pid, Cmdline: cmdline, CPUPercent: cpu})
	}
	return out, nil
}

func (r *SystemRegistry) Terminate(h ProcessHandle) error {
	p, err := gopsproc.NewProcess(h.PID)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("lookup pid %d: %w", h.PID, err)
	}
	if err := p.Terminate(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", h.PID, err)
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(); err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	return nil
}
