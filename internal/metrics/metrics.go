package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobwatch",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health polls by observed status.",
		}, []string{"status"},
	)
	jobRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobwatch",
			Subsystem: "health",
			Name:      "job_running",
			Help:      "1 when the supervised job was running at the last poll.",
		},
	)
	memoryUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobwatch",
			Subsystem: "health",
			Name:      "memory_used_percent",
			Help:      "Host memory usage observed at the last poll.",
		},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobwatch",
			Subsystem: "job",
			Name:      "failures_total",
			Help:      "Detected job failures by classification.",
		}, []string{"class"},
	)
	restartCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobwatch",
			Subsystem: "restart",
			Name:      "cycles_total",
			Help:      "Restart cycles by outcome.",
		}, []string{"outcome"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobwatch",
			Subsystem: "restart",
			Name:      "attempts_total",
			Help:      "Launch attempts by outcome.",
		}, []string{"outcome"},
	)
	restartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobwatch",
			Subsystem: "restart",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a restart cycle including cleanup.",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200},
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{healthChecks, jobRunning, memoryUsed, failures, restartCycles, restartAttempts, restartDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveHealth(status string, running bool) {
	if regOK.Load() {
		healthChecks.WithLabelValues(status).Inc()
		v := 0.0
		if running {
			v = 1
		}
		jobRunning.Set(v)
	}
}

func SetMemoryUsed(percent int) {
	if regOK.Load() {
		memoryUsed.Set(float64(percent))
	}
}

func IncFailure(class string) {
	if regOK.Load() {
		failures.WithLabelValues(class).Inc()
	}
}

func IncAttempt(outcome string) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(outcome).Inc()
	}
}

func ObserveCycle(outcome string, seconds float64) {
	if regOK.Load() {
		restartCycles.WithLabelValues(outcome).Inc()
		restartDuration.Observe(seconds)
	}
}
