package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/health"
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/server"
	"github.com/loykin/jobwatch/internal/session"
)

// withFakes points the CLI at in-memory capabilities rooted in a temp workdir
// and returns the buffer receiving log output.
func withFakes(t *testing.T) *bytes.Buffer {
	t.Helper()
	t.Setenv("JOBWATCH_JOB_WORKDIR", t.TempDir())
	t.Setenv("JOBWATCH_LOG_COLOR", "false")

	origCheck, origNew, origOut := checkEnvironment, newSupervisor, consoleOut
	t.Cleanup(func() { checkEnvironment, newSupervisor, consoleOut = origCheck, origNew, origOut })

	logs := &bytes.Buffer{}
	consoleOut = logs
	checkEnvironment = func(config.Config) error { return nil }
	newSupervisor = func(cfg config.Config, log *slog.Logger) (*monitor.Supervisor, error) {
		reg := detector.NewMemoryRegistry()
		sup, err := monitor.NewWith(cfg, session.NewMemory(cfg.Session.Name), reg, health.StaticMemory{Used: 1, Total: 2}, log)
		if err != nil {
			return nil, err
		}
		sup.Restarts.Sleep = func(time.Duration) {}
		sup.Restarts.DropCaches = nil
		return sup, nil
	}
	return logs
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestHelpExitsZero(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	if !strings.Contains(out, "jobwatch") || !strings.Contains(out, "--restart") {
		t.Fatalf("unexpected help output: %s", out)
	}
}

func TestUnknownArgumentFails(t *testing.T) {
	withFakes(t)
	if _, err := execute(t, "start"); err == nil {
		t.Fatalf("positional arguments should be rejected")
	}
	if _, err := execute(t, "--bogus"); err == nil {
		t.Fatalf("unknown flags should be rejected")
	}
}

func TestActionsAreExclusive(t *testing.T) {
	withFakes(t)
	if _, err := execute(t, "--status", "--kill"); err == nil {
		t.Fatalf("expected mutually exclusive flag error")
	}
}

func TestStartupErrorIsReturned(t *testing.T) {
	withFakes(t)
	checkEnvironment = func(config.Config) error {
		return &config.StartupError{Reason: "launch script missing"}
	}
	_, err := execute(t, "--status")
	var se *config.StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
}

func TestStatusPrintsTable(t *testing.T) {
	withFakes(t)
	out, err := execute(t, "--status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"training (absent)", "stopped", "50%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestKillWithoutSession(t *testing.T) {
	logs := withFakes(t)
	out, err := execute(t, "--kill")
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !strings.Contains(out, "all processes stopped") || !strings.Contains(logs.String(), "all processes stopped") {
		t.Fatalf("missing stop confirmation: out=%s logs=%s", out, logs.String())
	}
}

func TestManualRestartReportsExhaustion(t *testing.T) {
	withFakes(t)
	t.Setenv("JOBWATCH_RESTART_CONFIRM_POLLS", "1")
	out, err := execute(t, "--restart")
	if err != nil {
		t.Fatalf("manual restart should exit zero: %v", err)
	}
	if !strings.Contains(out, "restart failed after 3 attempt(s)") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestMonitorLoopExitsOnCancel(t *testing.T) {
	logs := withFakes(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, &Flags{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("cancelled loop should exit cleanly: %v", err)
	}
	if !strings.Contains(logs.String(), "shutdown requested") {
		t.Fatalf("missing shutdown log: %s", logs.String())
	}
}

func TestRemoteActions(t *testing.T) {
	logs := withFakes(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	sup, err := newSupervisor(cfg, slog.New(slog.NewTextHandler(logs, nil)))
	if err != nil {
		t.Fatal(err)
	}
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(sup, "").Handler())
	defer ts.Close()

	out, err := execute(t, "--status", "--api-url", ts.URL)
	if err != nil || !strings.Contains(out, "training (absent)") {
		t.Fatalf("remote status: err=%v out=%s", err, out)
	}
	out, err = execute(t, "--kill", "--api-url", ts.URL)
	if err != nil || !strings.Contains(out, "all processes stopped") {
		t.Fatalf("remote kill: err=%v out=%s", err, out)
	}
	out, err = execute(t, "--restart", "--api-url", ts.URL)
	if err != nil || !strings.Contains(out, "restart failed after 3 attempt(s)") {
		t.Fatalf("remote restart: err=%v out=%s", err, out)
	}
	if _, err := execute(t, "--api-url", ts.URL); err == nil {
		t.Fatalf("--api-url without an action should fail")
	}
}
