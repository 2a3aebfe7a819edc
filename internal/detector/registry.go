package detector

import (
	"strings"
	"sync"
)

// ProcessHandle identifies one process found by a ProcessRegistry.
type ProcessHandle struct {
	PID        int32   `json:"pid"`
	Cmdline    string  `json:"cmdline"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ProcessRegistry is the capability to enumerate and terminate processes by
// command line. Implementations must be safe for concurrent use.
type ProcessRegistry interface {
	// FindMatching returns every process whose command line contains any of patterns.
	FindMatching(patterns []string) ([]ProcessHandle, error)
	// Terminate stops the process. A process that is already gone is not an error.
	Terminate(h ProcessHandle) error
}

// Matches reports whether cmdline contains any non-empty pattern.
func Matches(cmdline string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(cmdline, p) {
			return true
		}
	}
	return false
}

// MemoryRegistry is an in-memory ProcessRegistry. Terminated processes are
// removed from the table and remembered in Terminated.
type MemoryRegistry struct {
	mu         sync.Mutex
	procs      []ProcessHandle
	terminated []ProcessHandle
	err        error
}

func NewMemoryRegistry(procs ...ProcessHandle) *MemoryRegistry {
	return &MemoryRegistry{procs: append([]ProcessHandle(nil), procs...)}
}

// Set replaces the process table.
func (m *MemoryRegistry) Set(procs ...ProcessHandle) {
	m.mu.Lock()
	m.procs = append([]ProcessHandle(nil), procs...)
	m.mu.Unlock()
}

// FailWith makes FindMatching return err until cleared with nil.
func (m *MemoryRegistry) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemoryRegistry) FindMatching(patterns []string) ([]ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []ProcessHandle
	for _, p := range m.procs {
		if Matches(p.Cmdline, patterns) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) Terminate(h ProcessHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.procs[:0]
	for _, p := range m.procs {
		if p.PID == h.PID {
			m.terminated = append(m.terminated, p)
			continue
		}
		kept = append(kept, p)
	}
	m.procs = kept
	return nil
}

// Terminated returns the processes terminated so far.
func (m *MemoryRegistry) Terminated() []ProcessHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessHandle(nil), m.terminated...)
}
