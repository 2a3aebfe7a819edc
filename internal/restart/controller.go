// Package restart implements the bounded restart cycle: cleanup, session
// reset, then up to MaxAttempts launch attempts confirmed by polling.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/jobwatch/internal/classify"
	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/metrics"
	"github.com/loykin/jobwatch/internal/session"
)

var (
	// ErrExhaustedRetries means every attempt of a cycle failed. It ends the monitor loop.
	ErrExhaustedRetries = errors.New("restart attempts exhausted")
	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("restart cycle already in progress")
)

// LaunchError describes why one attempt failed.
type LaunchError struct {
	Attempt int
	Reason  string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attempt %d: %s: %v", e.Attempt, e.Reason, e.Err)
	}
	return fmt.Sprintf("attempt %d: %s", e.Attempt, e.Reason)
}

func (e *LaunchError) Unwrap() error { return e.Err }

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Attempt records one launch attempt. Attempts are logged, never persisted.
type Attempt struct {
	Index   int           `json:"index"`
	Outcome Outcome       `json:"outcome"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Report summarizes one restart cycle.
type Report struct {
	CycleID   string         `json:"cycle_id"`
	Class     classify.Class `json:"class"`
	Attempts  []Attempt      `json:"attempts"`
	Succeeded bool           `json:"succeeded"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
}

// Prober is the subset of the health monitor the controller depends on.
type Prober interface {
	IsProcessRunning() bool
	CheckMemoryPressure() (usedPercent int, overThreshold bool)
}

// Controller runs restart cycles. Only one cycle runs at a time.
type Controller struct {
	cfg      config.Config
	sessions session.Adapter
	registry detector.ProcessRegistry
	health   Prober
	launcher LaunchStrategy

	// Sleep blocks for d; replaced in tests to run in virtual time.
	Sleep func(d time.Duration)
	// Now is the clock used for attempt timestamps.
	Now func() time.Time
	// DropCaches is the best-effort cache drop; nil disables it.
	DropCaches func() error
	Log        *slog.Logger

	running sync.Mutex
}

// NewController wires a Controller from cfg.
func NewController(cfg config.Config, sessions session.Adapter, registry detector.ProcessRegistry, health Prober, log *slog.Logger) (*Controller, error) {
	launcher, err := StrategyFor(cfg.Session.LaunchMode)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		health:   health,
		launcher: launcher,
		Sleep:    time.Sleep,
		Now:      time.Now,
		Log:      log,
	}
	if cfg.Restart.DropCaches {
		c.DropCaches = DropCaches
	}
	return c, nil
}

// Launcher returns the configured launch strategy.
func (c *Controller) Launcher() LaunchStrategy { return c.launcher }

// Run executes one restart cycle for a failure of the given class.
// It returns nil once an attempt is confirmed, ErrExhaustedRetries when all
// attempts fail, ErrCycleInProgress when another cycle is running, or the
// context error when ctx is cancelled between attempts.
func (c *Controller) Run(ctx context.Context, class classify.Class) (Report, error) {
	if !c.running.TryLock() {
		return Report{}, ErrCycleInProgress
	}
	defer c.running.Unlock()

	rep := Report{CycleID: uuid.NewString(), Class: class, Started: c.Now()}
	log := c.Log.With("cycle", rep.CycleID)
	log.Info("restart cycle started", "class", string(class), "max_attempts", c.cfg.Restart.MaxAttempts)

	c.cleanup(log)
	c.resetSession(log)

	maxAttempts := c.cfg.Restart.MaxAttempts
	var err error
	for i := 1; i <= maxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("restart cycle cancelled", "attempt", i)
			err = ctxErr
			break
		}
		start := c.Now()
		aerr := c.attempt(log.With("attempt", i), i, class)
		a := Attempt{Index: i, At: start, Elapsed: c.Now().Sub(start), Outcome: Success}
		if aerr != nil {
			a.Outcome, a.Error = Failure, aerr.Error()
		}
		rep.Attempts = append(rep.Attempts, a)
		metrics.IncAttempt(string(a.Outcome))
		if aerr == nil {
			rep.Succeeded = true
			log.Info("job restarted", "attempt", i, "elapsed", a.Elapsed)
			break
		}
		log.Warn("restart attempt failed", "attempt", i, "of", maxAttempts, "error", aerr)
		if i < maxAttempts {
			c.Sleep(c.cfg.Restart.Delay)
		}
	}
	rep.Finished = c.Now()

	switch {
	case rep.Succeeded:
		metrics.ObserveCycle("success", rep.Finished.Sub(rep.Started).Seconds())
		return rep, nil
	case err != nil:
		metrics.ObserveCycle("cancelled", rep.Finished.Sub(rep.Started).Seconds())
		return rep, err
	default:
		metrics.ObserveCycle("exhausted", rep.Finished.Sub(rep.Started).Seconds())
		log.Error("all restart attempts failed", "attempts", len(rep.Attempts))
		return rep, ErrExhaustedRetries
	}
}

// cleanup runs once per cycle: stop stray job and helper processes, destroy
// the session, drop caches, then let the host settle.
func (c *Controller) cleanup(log *slog.Logger) {
	n := c.terminateAll(log)
	if err := c.sessions.DestroySession(c.sessions.Handle()); err != nil {
		log.Warn("destroy session during cleanup", "error", err)
	}
	if c.DropCaches != nil {
		if err := c.DropCaches(); err != nil {
			log.Debug("drop caches skipped", "error", err)
		}
	}
	log.Info("cleanup finished", "terminated", n, "settle", c.cfg.Restart.CleanupSettle)
	c.Sleep(c.cfg.Restart.CleanupSettle)
}

func (c *Controller) resetSession(log *slog.Logger) {
	if !c.sessions.SessionExists() {
		return
	}
	log.Warn("stale session survived cleanup; destroying")
	if err := c.sessions.DestroySession(c.sessions.Handle()); err != nil {
		log.Warn("destroy stale session", "error", err)
	}
}

// terminateAll stops every process matching the job or helper patterns and
// returns how many were terminated.
func (c *Controller) terminateAll(log *slog.Logger) int {
	n := 0
	for _, set := range []struct {
		kind     string
		patterns []string
	}{
		{"job", c.cfg.Job.Patterns},
		{"helper", c.cfg.Job.HelperPatterns},
	} {
		if len(set.patterns) == 0 {
			continue
		}
		ps, err := c.registry.FindMatching(set.patterns)
		if err != nil {
			log.Warn("list processes", "kind", set.kind, "error", err)
			continue
		}
		for _, p := range ps {
			if err := c.registry.Terminate(p); err != nil {
				log.Warn("terminate process", "kind", set.kind, "pid", p.PID, "error", err)
				continue
			}
			log.Info("process terminated", "kind", set.kind, "pid", p.PID)
			n++
		}
	}
	return n
}

// Stop terminates job and helper processes and destroys the session without
// relaunching. It backs the manual kill action.
func (c *Controller) Stop() error {
	if !c.running.TryLock() {
		return ErrCycleInProgress
	}
	defer c.running.Unlock()
	n := c.terminateAll(c.Log)
	if err := c.sessions.DestroySession(c.sessions.Handle()); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	c.Log.Info("all processes stopped", "terminated", n)
	return nil
}

func (c *Controller) attempt(log *slog.Logger, i int, class classify.Class) error {
	if i > 1 || (class == classify.P2PConnection && c.cfg.Identity.ResetOnP2P) {
		if err := c.resetIdentity(); err != nil {
			log.Warn("identity reset incomplete", "error", err)
		} else {
			log.Info("identity artifacts removed")
		}
	}

	if pct, over := c.health.CheckMemoryPressure(); over {
		log.Warn("memory pressure before launch", "used_percent", pct)
		if c.DropCaches != nil {
			if err := c.DropCaches(); err != nil {
				log.Debug("drop caches skipped", "error", err)
			}
		}
		if pct, over = c.health.CheckMemoryPressure(); over {
			return &LaunchError{Attempt: i, Reason: fmt.Sprintf("memory pressure %d%%", pct)}
		}
	}

	cmd, err := LaunchCommand(c.cfg)
	if err != nil {
		return &LaunchError{Attempt: i, Reason: "launch command", Err: err}
	}
	log.Info("launching job", "strategy", c.launcher.Name(), "command", cmd)
	h, err := c.launcher.Launch(c.sessions, cmd)
	if err != nil {
		return &LaunchError{Attempt: i, Reason: "launch", Err: err}
	}

	c.Sleep(c.cfg.Restart.SubmitSettle)
	polls := c.cfg.Restart.ConfirmPolls
	for p := 1; p <= polls; p++ {
		if c.health.IsProcessRunning() {
			log.Debug("job confirmed", "poll", p)
			return nil
		}
		if !c.sessions.SessionExists() {
			c.logTail(log, h)
			return &LaunchError{Attempt: i, Reason: "session disappeared"}
		}
		if p < polls {
			c.Sleep(c.cfg.Restart.ConfirmInterval)
		}
	}
	c.logTail(log, h)
	return &LaunchError{Attempt: i, Reason: fmt.Sprintf("job not running after %d polls", polls)}
}

func (c *Controller) logTail(log *slog.Logger, h session.Handle) {
	out := c.sessions.CaptureOutput(h)
	if out == "" {
		log.Warn("no session output captured")
		return
	}
	log.Warn("session output tail", "output", session.Tail(out, c.cfg.Session.CaptureLines))
}
