// Package monitor runs the top-level supervision loop and exposes the manual
// actions (status, restart, kill) over the same components.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/jobwatch/internal/classify"
	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/health"
	"github.com/loykin/jobwatch/internal/metrics"
	"github.com/loykin/jobwatch/internal/restart"
	"github.com/loykin/jobwatch/internal/session"
)

// Supervisor owns the session adapter, process registry, health monitor and
// restart controller for one supervised job.
type Supervisor struct {
	cfg        config.Config
	Sessions   session.Adapter
	Registry   detector.ProcessRegistry
	Health     *health.Monitor
	Classifier classify.Classifier
	Restarts   *restart.Controller
	Log        *slog.Logger

	// Wait blocks for d or until ctx is done. Tests replace it to run in virtual time.
	Wait func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	last     *restart.Report
	lastErr  string
	lastPoll time.Time
	// held is set by Kill; the loop does not relaunch until a manual restart.
	held bool
}

// New wires a Supervisor backed by tmux, the host process table and host memory.
func New(cfg config.Config, log *slog.Logger) (*Supervisor, error) {
	tm := session.NewTmux(cfg.Session.Name, cfg.Job.WorkDir, cfg.CaptureFile())
	tm.Binary = cfg.Session.Manager
	tm.Log = log
	return NewWith(cfg, tm, detector.NewSystemRegistry(), health.SystemMemory{}, log)
}

// NewWith wires a Supervisor over caller-supplied capabilities.
func NewWith(cfg config.Config, sessions session.Adapter, reg detector.ProcessRegistry, mem health.MemoryProbe, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	hm := health.New(cfg, reg, sessions, mem, log.With("component", "health"))
	rc, err := restart.NewController(cfg, sessions, reg, hm, log.With("component", "restart"))
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:        cfg,
		Sessions:   sessions,
		Registry:   reg,
		Health:     hm,
		Classifier: classify.New(),
		Restarts:   rc,
		Log:        log,
		Wait:       wait,
	}, nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config returns the configuration the supervisor was built with.
func (s *Supervisor) Config() config.Config { return s.cfg }

// Run polls job health every CheckInterval until ctx is cancelled or a
// restart cycle exhausts its attempts. Cancellation returns nil; exhaustion
// returns restart.ErrExhaustedRetries.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Log.Info("monitor started",
		"session", s.cfg.Session.Name,
		"interval", s.cfg.Health.CheckInterval,
		"launch_mode", s.cfg.Session.LaunchMode)
	for {
		if err := s.Poll(ctx); err != nil {
			s.Log.Error("job could not be restarted; monitor exiting", "error", err)
			return err
		}
		if err := s.Wait(ctx, s.cfg.Health.CheckInterval); err != nil {
			s.Log.Info("shutdown requested; monitor exiting")
			return nil
		}
	}
}

// Poll runs one iteration of the loop. Only restart exhaustion is returned.
func (s *Supervisor) Poll(ctx context.Context) error {
	st := s.Health.Check()
	s.mu.Lock()
	s.lastPoll = s.Health.Now()
	s.mu.Unlock()
	metrics.ObserveHealth(string(st), st != health.Stopped)

	if st == health.Stopped {
		s.Log.Warn("job stopped")
		return s.recover(ctx)
	}

	pct, over := s.Health.CheckMemoryPressure()
	metrics.SetMemoryUsed(pct)
	if over {
		s.Log.Warn("memory usage above threshold", "used_percent", pct, "threshold", s.cfg.Health.MemoryThreshold)
	}
	if st == health.Stalled {
		s.Log.Warn("job stalled", "stale_after", s.cfg.Health.StaleAfter)
		if s.cfg.Health.RestartOnStall {
			return s.recover(ctx)
		}
		return nil
	}
	s.Log.Info("job running", "memory_percent", pct)
	return nil
}

func (s *Supervisor) recover(ctx context.Context) error {
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()
	if held {
		s.Log.Info("job held after kill; waiting for a manual restart")
		return nil
	}
	class := s.classify()
	_, err := s.RestartCycle(ctx, class)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, restart.ErrCycleInProgress):
		s.Log.Info("restart already in progress")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}
}

func (s *Supervisor) classify() classify.Class {
	h := s.Sessions.Handle()
	out := s.Sessions.CaptureOutput(h)
	if out == "" {
		// a direct-launched session exits with the job, taking the pane with it
		if lc, ok := s.Sessions.(session.LastCapturer); ok {
			out = lc.LastCapture(h)
		}
	}
	class := s.Classifier.Classify(out)
	metrics.IncFailure(string(class))
	s.Log.Warn("failure classified", "class", string(class))
	return class
}

// RestartCycle runs one restart cycle and remembers its report. An empty
// class classifies the current session output first.
func (s *Supervisor) RestartCycle(ctx context.Context, class classify.Class) (restart.Report, error) {
	if class == "" {
		class = s.classify()
	}
	rep, err := s.Restarts.Run(ctx, class)
	if errors.Is(err, restart.ErrCycleInProgress) {
		return rep, err
	}
	s.mu.Lock()
	s.held = false
	s.last = &rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	return rep, err
}

// Kill stops the job and its helpers and destroys the session. The loop then
// holds the job stopped until the next RestartCycle.
func (s *Supervisor) Kill() error {
	if err := s.Restarts.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
	return nil
}
