package monitor

import (
	"time"

	"github.com/loykin/jobwatch/internal/health"
	"github.com/loykin/jobwatch/internal/restart"
)

// Snapshot is a point-in-time view of the supervised job.
type Snapshot struct {
	Session        string          `json:"session"`
	SessionPresent bool            `json:"session_present"`
	Status         health.Status   `json:"status"`
	PIDs           []int32         `json:"pids"`
	MemoryPercent  int             `json:"memory_percent"`
	MemoryOver     bool            `json:"memory_over_threshold"`
	LastOutput     time.Time       `json:"last_output,omitempty"`
	LastPoll       time.Time       `json:"last_poll,omitempty"`
	LastCycle      *restart.Report `json:"last_cycle,omitempty"`
	LastCycleError string          `json:"last_cycle_error,omitempty"`
	Held           bool            `json:"held"`
}

// Running reports whether any job process was found.
func (s Snapshot) Running() bool { return s.Status != health.Stopped }

// Status probes the job now and returns a Snapshot. It does not run the loop
// and never triggers a restart.
func (s *Supervisor) Status() Snapshot {
	h := s.Sessions.Handle()
	snap := Snapshot{
		Session:        string(h),
		SessionPresent: s.Sessions.SessionExists(),
		Status:         s.Health.Check(),
	}
	for _, p := range s.Health.Processes() {
		snap.PIDs = append(snap.PIDs, p.PID)
	}
	snap.MemoryPercent, snap.MemoryOver = s.Health.CheckMemoryPressure()
	if at, ok := s.Sessions.LastOutput(h); ok {
		snap.LastOutput = at
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.LastPoll = s.lastPoll
	snap.Held = s.held
	if s.last != nil {
		rep := *s.last
		snap.LastCycle = &rep
		snap.LastCycleError = s.lastErr
	}
	return snap
}
