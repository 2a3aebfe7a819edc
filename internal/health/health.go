// Package health probes the supervised job and its host.
//
// Every probe degrades to the conservative answer (not running, not active,
// not over threshold) when the underlying query fails; failures are logged at
// warn and never returned to the caller.
package health

import (
	"log/slog"
	"time"

	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/session"
)

// Status is the derived health of the job at one poll.
type Status string

const (
	Running Status = "running"
	Stalled Status = "stalled"
	Stopped Status = "stopped"
)

// Monitor answers health questions about the job matched by Patterns.
type Monitor struct {
	Registry        detector.ProcessRegistry
	Detector        detector.Detector // liveness; defaults to a PatternDetector over Registry
	Sessions        session.Adapter
	Memory          MemoryProbe
	Patterns        []string
	StaleAfter      time.Duration
	MemoryThreshold int     // percent
	CPUEpsilon      float64 // percent
	Now             func() time.Time
	Log             *slog.Logger
}

// New wires a Monitor from cfg.
func New(cfg config.Config, reg detector.ProcessRegistry, sessions session.Adapter, mem MemoryProbe, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		Registry:        reg,
		Detector:        detector.PatternDetector{Registry: reg, Patterns: cfg.Job.Patterns},
		Sessions:        sessions,
		Memory:          mem,
		Patterns:        cfg.Job.Patterns,
		StaleAfter:      cfg.Health.StaleAfter,
		MemoryThreshold: cfg.Health.MemoryThreshold,
		CPUEpsilon:      cfg.Health.CPUEpsilon,
		Now:             time.Now,
		Log:             log,
	}
}

func (m *Monitor) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Processes returns the job processes currently visible, or nil on probe failure.
func (m *Monitor) Processes() []detector.ProcessHandle {
	ps, err := m.Registry.FindMatching(m.Patterns)
	if err != nil {
		m.Log.Warn("process probe failed", "error", err)
		return nil
	}
	return ps
}

// IsProcessRunning reports whether the liveness detector finds the job.
func (m *Monitor) IsProcessRunning() bool {
	d := m.Detector
	if d == nil {
		d = detector.PatternDetector{Registry: m.Registry, Patterns: m.Patterns}
	}
	alive, err := d.Alive()
	if err != nil {
		m.Log.Warn("liveness probe failed", "detector", d.Describe(), "error", err)
		return false
	}
	return alive
}

// IsProcessActive reports whether a matching process is using CPU above the
// epsilon, or the session output changed within StaleAfter. A live process
// with idle CPU and stale output is presumed hung.
func (m *Monitor) IsProcessActive() bool {
	ps := m.Processes()
	if len(ps) == 0 {
		return false
	}
	for _, p := range ps {
		if p.CPUPercent > m.CPUEpsilon {
			return true
		}
	}
	return m.outputFresh()
}

func (m *Monitor) outputFresh() bool {
	if m.Sessions == nil {
		return false
	}
	h := m.Sessions.Handle()
	if m.Sessions.SessionExists() {
		// refresh the capture so its change time is current
		m.Sessions.CaptureOutput(h)
	}
	at, ok := m.Sessions.LastOutput(h)
	if !ok {
		return false
	}
	return m.now().Sub(at) <= m.StaleAfter
}

// Check derives the job status from the running and activity probes.
func (m *Monitor) Check() Status {
	if !m.IsProcessRunning() {
		return Stopped
	}
	if !m.IsProcessActive() {
		return Stalled
	}
	return Running
}

// CheckMemoryPressure returns host memory usage in percent and whether it
// exceeds MemoryThreshold.
func (m *Monitor) CheckMemoryPressure() (usedPercent int, overThreshold bool) {
	if m.Memory == nil {
		return 0, false
	}
	used, total, err := m.Memory.Usage()
	if err != nil || total == 0 {
		m.Log.Warn("memory probe failed", "error", err)
		return 0, false
	}
	usedPercent = int(used * 100 / total)
	return usedPercent, usedPercent > m.MemoryThreshold
}
