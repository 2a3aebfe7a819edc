package restart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/env"
	"github.com/loykin/jobwatch/internal/session"
)

// LaunchStrategy submits the launch command to the session manager.
type LaunchStrategy interface {
	Launch(s session.Adapter, command string) (session.Handle, error)
	Name() string
}

// DirectLaunch creates a fresh detached session that runs the command itself.
// Any existing session is destroyed first so at most one is alive.
type DirectLaunch struct{}

func (DirectLaunch) Name() string { return config.LaunchDirect }

func (DirectLaunch) Launch(s session.Adapter, command string) (session.Handle, error) {
	if s.SessionExists() {
		if err := s.DestroySession(s.Handle()); err != nil {
			return "", fmt.Errorf("destroy stale session: %w", err)
		}
	}
	return s.CreateSession(command)
}

// SendKeysLaunch reuses (or creates) an idle shell session and types the command into it.
type SendKeysLaunch struct{}

func (SendKeysLaunch) Name() string { return config.LaunchSendKeys }

func (SendKeysLaunch) Launch(s session.Adapter, command string) (session.Handle, error) {
	h := s.Handle()
	if !s.SessionExists() {
		var err error
		if h, err = s.CreateSession(""); err != nil {
			return "", err
		}
	}
	if err := s.SendCommand(h, command); err != nil {
		return "", fmt.Errorf("submit launch command: %w", err)
	}
	return h, nil
}

// StrategyFor returns the strategy for a session.launch_mode value.
func StrategyFor(mode string) (LaunchStrategy, error) {
	switch mode {
	case config.LaunchDirect, "":
		return DirectLaunch{}, nil
	case config.LaunchSendKeys:
		return SendKeysLaunch{}, nil
	default:
		return nil, fmt.Errorf("unknown launch mode %q", mode)
	}
}

// LaunchCommand is the shell command that starts the job: change to the
// working directory, export job.env, activate the virtual environment when
// one exists, then run the launch script.
func LaunchCommand(cfg config.Config) (string, error) {
	parts := []string{"cd " + shellQuote(cfg.Job.WorkDir)}
	vars, err := env.New().Resolve(cfg.Job.Env)
	if err != nil {
		return "", err
	}
	for _, v := range vars {
		parts = append(parts, "export "+v.Key+"="+shellQuote(v.Value))
	}
	if cfg.Job.VenvPath != "" {
		activate := filepath.Join(cfg.Job.VenvPath, "bin", "activate")
		if fi, err := os.Stat(activate); err == nil && !fi.IsDir() {
			parts = append(parts, ". "+shellQuote(activate))
		}
	}
	parts = append(parts, "bash "+shellQuote(cfg.LaunchScriptPath()))
	return strings.Join(parts, " && "), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
