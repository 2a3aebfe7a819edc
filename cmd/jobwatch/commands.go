package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/logger"
	"github.com/loykin/jobwatch/internal/metrics"
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/restart"
	"github.com/loykin/jobwatch/internal/server"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Flags holds the root command flags.
type Flags struct {
	ConfigPath string
	Status     bool
	Restart    bool
	Kill       bool
	// Remote monitor connection
	APIUrl     string
	APITimeout time.Duration
}

// Replaced in tests.
var (
	checkEnvironment = func(c config.Config) error { return c.CheckEnvironment() }
	newSupervisor    = monitor.New
)

// consoleOut receives console log records.
var consoleOut io.Writer = os.Stdout

func buildRoot(out io.Writer) *cobra.Command {
	flags := &Flags{}
	root := &cobra.Command{
		Use:   "jobwatch",
		Short: "Supervise a long-running training job inside a tmux session",
		Long: `jobwatch keeps a training job alive inside a named tmux session. It polls
the job every check interval, classifies failures from the session output and
runs a bounded restart cycle when the job is gone.

Examples:
  jobwatch                          # run the monitor loop until SIGINT/SIGTERM
  jobwatch --status                 # print job, session and memory state
  jobwatch --restart                # run one restart cycle now
  jobwatch --kill                   # stop the job and destroy its session
  jobwatch --restart --api-url=http://127.0.0.1:8080   # ask a running monitor to restart
  jobwatch --config jobwatch.toml   # load settings from a TOML file

A --kill sent with --api-url holds the job stopped until the next --restart.
A local --kill does not reach a running monitor, which will relaunch the job
on its next check.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, out)
		},
	}
	root.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.Flags().BoolVar(&flags.Status, "status", false, "show job status and exit")
	root.Flags().BoolVar(&flags.Restart, "restart", false, "run one restart cycle and exit")
	root.Flags().BoolVar(&flags.Kill, "kill", false, "stop the job and its session and exit (a monitor reached via --api-url holds it until --restart)")
	root.Flags().StringVar(&flags.APIUrl, "api-url", "", "control API of a running monitor (e.g. http://127.0.0.1:8080)")
	root.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "status/kill request timeout")
	root.MarkFlagsMutuallyExclusive("status", "restart", "kill")
	return root
}

func run(ctx context.Context, flags *Flags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.APIUrl != "" {
		return remote(ctx, flags, out)
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := checkEnvironment(cfg); err != nil {
		return err
	}

	log, closer := logger.New(loggerConfig(cfg), consoleOut)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	sup, err := newSupervisor(cfg, log)
	if err != nil {
		return err
	}

	switch {
	case flags.Status:
		return printStatus(out, sup.Status())
	case flags.Restart:
		return manualRestart(ctx, sup, out)
	case flags.Kill:
		if err := sup.Kill(); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "all processes stopped")
		return nil
	}
	return serve(ctx, cfg, sup, log)
}

func loggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		Color:      cfg.Log.Color && isTerminal(consoleOut),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// manualRestart reports the cycle outcome and exits zero even when the
// attempts are exhausted.
func manualRestart(ctx context.Context, sup *monitor.Supervisor, out io.Writer) error {
	rep, err := sup.RestartCycle(ctx, "")
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(out, "job restarted after %d attempt(s)\n", len(rep.Attempts))
	case errors.Is(err, restart.ErrCycleInProgress):
		return err
	default:
		_, _ = fmt.Fprintf(out, "restart failed after %d attempt(s): %v\n", len(rep.Attempts), err)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config, sup *monitor.Supervisor, log *slog.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}
	if cfg.Control.Addr != "" {
		srv, err := server.NewServer(cfg.Control.Addr, cfg.Control.BasePath, sup)
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		defer func() { _ = srv.Close() }()
		log.Info("control api listening", "addr", srv.Addr, "base_path", cfg.Control.BasePath)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}
