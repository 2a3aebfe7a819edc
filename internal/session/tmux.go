package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tmux is the Adapter backed by the tmux executable.
//
// Captures are mirrored to CaptureFile, which is rewritten only when the pane
// text changes; its modification time is the last-output timestamp.
type Tmux struct {
	Name         string
	Dir          string
	Binary       string
	CaptureFile  string
	HistoryLines int
	Timeout      time.Duration
	Runner       Runner
	Log          *slog.Logger

	mu     sync.Mutex
	last   string
	lastAt time.Time
}

// NewTmux returns a Tmux adapter for session name rooted at dir.
func NewTmux(name, dir, captureFile string) *Tmux {
	return &Tmux{
		Name:         name,
		Dir:          dir,
		Binary:       "tmux",
		CaptureFile:  captureFile,
		HistoryLines: 200,
		Timeout:      DefaultCommandTimeout,
		Runner:       ExecRunner{},
		Log:          slog.Default(),
	}
}

func (t *Tmux) run(args ...string) (string, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	bin := t.Binary
	if bin == "" {
		bin = "tmux"
	}
	return t.Runner.Run(ctx, bin, args...)
}

func (t *Tmux) logger() *slog.Logger {
	if t.Log == nil {
		return slog.Default()
	}
	return t.Log
}

func (t *Tmux) Handle() Handle { return Handle(t.Name) }

// tmux resolves a bare -t target by prefix, so "training" would also match
// "training2". The = prefix forces an exact session name match.
func sessionTarget(h Handle) string { return "=" + string(h) }

func paneTarget(h Handle) string { return "=" + string(h) + ":" }

func (t *Tmux) SessionExists() bool {
	_, err := t.run("has-session", "-t", sessionTarget(t.Handle()))
	return err == nil
}

func (t *Tmux) CreateSession(launchCommand string) (Handle, error) {
	args := []string{"new-session", "-d", "-s", t.Name}
	if t.Dir != "" {
		args = append(args, "-c", t.Dir)
	}
	if launchCommand != "" {
		args = append(args, launchCommand)
	}
	if _, err := t.run(args...); err != nil {
		return "", &CreateError{Session: t.Name, Err: err}
	}
	return t.Handle(), nil
}

func (t *Tmux) SendCommand(h Handle, text string) error {
	if _, err := t.run("send-keys", "-t", paneTarget(h), "-l", "--", text); err != nil {
		return err
	}
	_, err := t.run("send-keys", "-t", paneTarget(h), "C-m")
	return err
}

func (t *Tmux) CaptureOutput(h Handle) string {
	lines := t.HistoryLines
	if lines <= 0 {
		lines = 200
	}
	out, err := t.run("capture-pane", "-p", "-t", paneTarget(h), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		t.logger().Warn("pane capture failed", "session", string(h), "error", err)
		return ""
	}
	t.record(out)
	return out
}

// record mirrors out to the capture file when it differs from the previous capture.
func (t *Tmux) record(out string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == "" && t.CaptureFile != "" {
		if b, err := os.ReadFile(t.CaptureFile); err == nil {
			t.last = string(b)
			if fi, err := os.Stat(t.CaptureFile); err == nil {
				t.lastAt = fi.ModTime()
			}
		}
	}
	if out == t.last && !t.lastAt.IsZero() {
		return
	}
	t.last = out
	t.lastAt = time.Now()
	if t.CaptureFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.CaptureFile), 0o750); err != nil {
		t.logger().Warn("capture dir unavailable", "path", t.CaptureFile, "error", err)
		return
	}
	if err := os.WriteFile(t.CaptureFile, []byte(out), 0o600); err != nil {
		t.logger().Warn("capture write failed", "path", t.CaptureFile, "error", err)
	}
}

// LastCapture returns the most recent non-empty capture, falling back to the
// capture file written by an earlier process.
func (t *Tmux) LastCapture(Handle) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != "" {
		return t.last
	}
	if t.CaptureFile == "" {
		return ""
	}
	b, err := os.ReadFile(t.CaptureFile)
	if err != nil {
		return ""
	}
	return string(b)
}

func (t *Tmux) LastOutput(Handle) (time.Time, bool) {
	if t.CaptureFile != "" {
		if fi, err := os.Stat(t.CaptureFile); err == nil {
			return fi.ModTime(), true
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAt, !t.lastAt.IsZero()
}

func (t *Tmux) DestroySession(h Handle) error {
	if !t.SessionExists() {
		return nil
	}
	if _, err := t.run("kill-session", "-t", sessionTarget(h)); err != nil {
		// lost a race with the session exiting on its own
		if !t.SessionExists() {
			return nil
		}
		return err
	}
	return nil
}

// Tail returns the last n lines of text.
func Tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
