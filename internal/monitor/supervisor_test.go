package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/jobwatch/internal/classify"
	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/health"
	"github.com/loykin/jobwatch/internal/restart"
	"github.com/loykin/jobwatch/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func()
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// launchingSession starts a job process whenever a session is created with a command.
type launchingSession struct {
	*session.Memory
	reg    *detector.MemoryRegistry
	starts bool
}

func (l *launchingSession) CreateSession(cmd string) (session.Handle, error) {
	h, err := l.Memory.CreateSession(cmd)
	if err == nil && l.starts && cmd != "" {
		l.reg.Set(detector.ProcessHandle{PID: 4242, Cmdline: "python run_trainer.py", CPUPercent: 80})
	}
	return h, err
}

type fixture struct {
	sup   *Supervisor
	sess  *launchingSession
	reg   *detector.MemoryRegistry
	clock *clock
	logs  *bytes.Buffer
	polls int
}

func newFixture(t *testing.T, mutate func(*config.Config), mem health.MemoryProbe) *fixture {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Job.WorkDir = dir
	cfg.Job.VenvPath = filepath.Join(dir, "venv")
	cfg.Identity.File = filepath.Join(dir, "identity.key")
	cfg.Identity.TempDir = filepath.Join(dir, "tmp_identity")
	if mutate != nil {
		mutate(&cfg)
	}
	if mem == nil {
		mem = health.StaticMemory{Used: 40, Total: 100}
	}

	f := &fixture{
		reg:   detector.NewMemoryRegistry(),
		clock: &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
		logs:  &bytes.Buffer{},
	}
	mem0 := session.NewMemory(cfg.Session.Name)
	mem0.Now = f.clock.Now
	f.sess = &launchingSession{Memory: mem0, reg: f.reg}

	log := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sup, err := NewWith(cfg, f.sess, f.reg, mem, log)
	require.NoError(t, err)
	sup.Health.Now = f.clock.Now
	sup.Restarts.Now = f.clock.Now
	sup.Restarts.Sleep = f.clock.Sleep
	sup.Restarts.DropCaches = nil
	f.sup = sup
	return f
}

// stopAfter makes the loop sleep in virtual time and cancel after n ticks.
func (f *fixture) stopAfter(n int, cancel context.CancelFunc) {
	f.sup.Wait = func(ctx context.Context, d time.Duration) error {
		f.clock.Sleep(d)
		f.polls++
		if f.polls >= n {
			cancel()
		}
		return ctx.Err()
	}
}

func TestRun_ExhaustedRestartEndsLoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sess.SetOutput("P2PDaemonError: Daemon failed to start")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.stopAfter(100, cancel)

	err := f.sup.Run(ctx)
	require.ErrorIs(t, err, restart.ErrExhaustedRetries)
	assert.Equal(t, 0, f.polls, "loop does not sleep again after exhaustion")
	assert.Len(t, f.sess.Created(), 3)

	out := f.logs.String()
	assert.Contains(t, out, "class=p2p_connection")
	assert.Equal(t, 3, strings.Count(out, "msg=\"restart attempt failed\""))
	assert.Contains(t, out, "level=ERROR msg=\"job could not be restarted; monitor exiting\"")

	snap := f.sup.Status()
	require.NotNil(t, snap.LastCycle)
	assert.Len(t, snap.LastCycle.Attempts, 3)
	assert.Equal(t, classify.P2PConnection, snap.LastCycle.Class)
	assert.Contains(t, snap.LastCycleError, "exhausted")
}

func TestRun_HealthyJobUntilShutdown(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.reg.Set(detector.ProcessHandle{PID: 7, Cmdline: "python train_worker.py", CPUPercent: 95})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.stopAfter(3, cancel)

	require.NoError(t, f.sup.Run(ctx))
	assert.Equal(t, 3, f.polls)
	assert.Empty(t, f.sess.Created())
	out := f.logs.String()
	assert.Equal(t, 3, strings.Count(out, "msg=\"job running\""))
	assert.Contains(t, out, "shutdown requested")
}

func TestPoll_MemoryPressureIsAlertOnly(t *testing.T) {
	f := newFixture(t, nil, health.StaticMemory{Used: 97, Total: 100})
	f.reg.Set(detector.ProcessHandle{PID: 7, Cmdline: "python run_trainer.py", CPUPercent: 50})

	require.NoError(t, f.sup.Poll(context.Background()))
	assert.Contains(t, f.logs.String(), "memory usage above threshold")
	assert.Empty(t, f.reg.Terminated())
	assert.Empty(t, f.sess.Created())
}

func TestPoll_StoppedJobIsClassifiedAndRestarted(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sess.starts = true
	f.sess.SetOutput("RuntimeError: expected sequence of length 4 at dim 1")

	require.NoError(t, f.sup.Poll(context.Background()))
	snap := f.sup.Status()
	require.NotNil(t, snap.LastCycle)
	assert.True(t, snap.LastCycle.Succeeded)
	assert.Equal(t, classify.DimensionMismatch, snap.LastCycle.Class)
	assert.Len(t, snap.LastCycle.Attempts, 1)
	assert.Equal(t, health.Running, snap.Status)
	assert.Equal(t, []int32{4242}, snap.PIDs)
	assert.True(t, snap.SessionPresent)
}

func TestPoll_Stalled(t *testing.T) {
	stale := func(f *fixture) {
		f.reg.Set(detector.ProcessHandle{PID: 7, Cmdline: "python run_trainer.py", CPUPercent: 0})
		f.sess.SetOutputAt("epoch 3", f.clock.Now().Add(-time.Hour))
	}

	t.Run("alert only by default", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		stale(f)
		require.NoError(t, f.sup.Poll(context.Background()))
		assert.Contains(t, f.logs.String(), "job stalled")
		assert.Empty(t, f.reg.Terminated())
	})

	t.Run("restart when enabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Health.RestartOnStall = true }, nil)
		f.sess.starts = true
		stale(f)
		require.NoError(t, f.sup.Poll(context.Background()))
		require.Len(t, f.reg.Terminated(), 1)
		assert.Equal(t, int32(7), f.reg.Terminated()[0].PID)
		assert.Len(t, f.sess.Created(), 1)
	})
}

func TestRestartCycle_RejectsOverlap(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sess.starts = true
	var nested error
	var once sync.Once
	f.clock.onSleep = func() {
		once.Do(func() { _, nested = f.sup.RestartCycle(context.Background(), classify.Generic) })
	}

	rep, err := f.sup.RestartCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, classify.Unknown, rep.Class, "empty output classifies as unknown")
	assert.ErrorIs(t, nested, restart.ErrCycleInProgress)
	assert.Equal(t, rep.CycleID, f.sup.Status().LastCycle.CycleID, "rejected request does not replace the report")
}

func TestKill_NoSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sup.Kill())
	assert.Equal(t, 0, f.sess.Destroyed())
	assert.Contains(t, f.logs.String(), "all processes stopped")
}

func TestKill_StopsJobAndSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.reg.Set(detector.ProcessHandle{PID: 11, Cmdline: "python run_training_worker.py"})
	_, err := f.sess.Memory.CreateSession("bash run_training.sh")
	require.NoError(t, err)

	require.NoError(t, f.sup.Kill())
	assert.Equal(t, 1, f.sess.Destroyed())
	assert.Len(t, f.reg.Terminated(), 1)
	assert.Equal(t, health.Stopped, f.sup.Status().Status)
}

func TestKill_HoldsJobUntilManualRestart(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sess.starts = true
	require.NoError(t, f.sup.Kill())
	assert.True(t, f.sup.Status().Held)

	require.NoError(t, f.sup.Poll(context.Background()))
	require.NoError(t, f.sup.Poll(context.Background()))
	assert.Empty(t, f.sess.Created(), "killed job is not relaunched by the loop")
	assert.Contains(t, f.logs.String(), "job held after kill")
	assert.NotContains(t, f.logs.String(), "failure classified")

	_, err := f.sup.RestartCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, f.sess.Created(), 1)
	assert.False(t, f.sup.Status().Held)

	// supervision resumes once the job is back
	f.reg.Set()
	require.NoError(t, f.sup.Poll(context.Background()))
	assert.Len(t, f.sess.Created(), 2)
}

// paneGone drops the live pane, as a direct-launched session does when the job exits.
type paneGone struct {
	*launchingSession
	last string
}

func (p paneGone) CaptureOutput(session.Handle) string { return "" }

func (p paneGone) LastCapture(session.Handle) string { return p.last }

func TestPoll_ClassifiesFromLastCaptureWhenPaneIsGone(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sess.starts = true
	f.sup.Sessions = paneGone{launchingSession: f.sess, last: "KeyError: 'model_name'"}

	require.NoError(t, f.sup.Poll(context.Background()))
	snap := f.sup.Status()
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, classify.Generic, snap.LastCycle.Class)
	assert.Contains(t, f.logs.String(), "class=generic")
}
