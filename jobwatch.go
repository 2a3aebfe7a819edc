// Package jobwatch supervises a long-running training job hosted in a tmux
// session: it polls job health, classifies failures from the session output
// and runs bounded restart cycles.
package jobwatch

import (
	"log/slog"
	"net/http"

	"github.com/loykin/jobwatch/internal/classify"
	cfg "github.com/loykin/jobwatch/internal/config"
	"github.com/loykin/jobwatch/internal/metrics"
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/restart"
	iapi "github.com/loykin/jobwatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Snapshot = monitor.Snapshot

type Report = restart.Report

type FailureClass = classify.Class

var (
	ErrExhaustedRetries = restart.ErrExhaustedRetries
	ErrCycleInProgress  = restart.ErrCycleInProgress
)

// Supervisor is a thin facade over internal/monitor.Supervisor.
type Supervisor = monitor.Supervisor

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// New builds a Supervisor for cfg backed by tmux and the host process table.
func New(c Config, log *slog.Logger) (*Supervisor, error) { return monitor.New(c, log) }

// Classify returns the failure class of captured job output.
func Classify(output string) FailureClass { return classify.Classify(output) }

// NewHTTPServer starts the control API for s on addr.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
