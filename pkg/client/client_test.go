package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/detector"
	"github.com/loykin/jobwatch/internal/health"
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/server"
	"github.com/loykin/jobwatch/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func startMonitor(t *testing.T) (*Client, *monitor.Supervisor, *session.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := config.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Job.WorkDir = dir
	cfg.Identity.File = filepath.Join(dir, "identity.key")
	cfg.Identity.TempDir = filepath.Join(dir, "tmp_identity")
	cfg.Restart.MaxAttempts = 2
	cfg.Restart.ConfirmPolls = 1

	sess := session.NewMemory(cfg.Session.Name)
	sup, err := monitor.NewWith(cfg, sess, detector.NewMemoryRegistry(), health.StaticMemory{Used: 3, Total: 4}, quiet)
	require.NoError(t, err)
	sup.Restarts.Sleep = func(time.Duration) {}
	sup.Restarts.DropCaches = nil

	ts := httptest.NewServer(server.NewRouter(sup, "/api").Handler())
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/api", Logger: quiet}), sup, sess
}

func TestStatus(t *testing.T) {
	c, _, _ := startMonitor(t)
	assert.True(t, c.IsReachable(context.Background()))
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "training", st.Session)
	assert.Equal(t, health.Stopped, st.Status)
	assert.Equal(t, 75, st.MemoryPercent)
}

func TestRestartExhausted(t *testing.T) {
	c, _, sess := startMonitor(t)
	rep, err := c.Restart(context.Background(), "generic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	assert.Len(t, rep.Attempts, 2)
	assert.Equal(t, "generic", string(rep.Class))
	assert.Len(t, sess.Created(), 2)
}

func TestRestartBusy(t *testing.T) {
	c, sup, _ := startMonitor(t)
	var nested error
	var once sync.Once
	sup.Restarts.Sleep = func(time.Duration) {
		once.Do(func() { _, nested = c.Restart(context.Background(), "") })
	}
	_, _ = c.Restart(context.Background(), "")
	assert.True(t, errors.Is(nested, ErrBusy), "got %v", nested)
}

func TestRestartBadClass(t *testing.T) {
	c, _, _ := startMonitor(t)
	_, err := c.Restart(context.Background(), "segfault")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown class")
}

func TestKill(t *testing.T) {
	c, _, sess := startMonitor(t)
	_, err := sess.CreateSession("bash run_training.sh")
	require.NoError(t, err)
	require.NoError(t, c.Kill(context.Background()))
	assert.False(t, sess.SessionExists())
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, Logger: quiet})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
