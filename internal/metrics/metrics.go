// Package metrics exposes the Prometheus collectors for the pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds every collector the pipeline updates.
type Metrics struct {
	GenerationCalls   *prometheus.CounterVec
	GenerationLatency *prometheus.HistogramVec
	SchemaRepairs     *prometheus.CounterVec

	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	Runs          *prometheus.CounterVec

	RegenAttempts   *prometheus.CounterVec
	RegenExhausted  *prometheus.CounterVec
	ValidatorScores prometheus.Histogram

	SuspendedRuns prometheus.Gauge
	ExpiredRuns   prometheus.Counter
}

// Default returns the process-wide collectors, registering them on first use.
//
// Metrics:
//   - copyflow_generation_calls_total{provider,phase,outcome}
//   - copyflow_generation_latency_seconds{provider,phase}
//   - copyflow_schema_repairs_total{phase}
//   - copyflow_phase_duration_seconds{phase}
//   - copyflow_phase_failures_total{phase}
//   - copyflow_runs_total{status}
//   - copyflow_regen_attempts_total{loop}
//   - copyflow_regen_exhausted_total{loop}
//   - copyflow_validator_score
//   - copyflow_suspended_runs
//   - copyflow_expired_runs_total
func Default() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_generation_calls_total",
			Help: "Generation gateway calls by provider, phase and outcome",
		}, []string{"provider", "phase", "outcome"}),
		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copyflow_generation_latency_seconds",
			Help:    "Generation gateway call latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"provider", "phase"}),
		SchemaRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_schema_repairs_total",
			Help: "Repair re-prompts issued after schema-invalid output",
		}, []string{"phase"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copyflow_phase_duration_seconds",
			Help:    "Phase executor wall time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"phase"}),
		PhaseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_phase_failures_total",
			Help: "Phases that ended a run in Failed",
		}, []string{"phase"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_runs_total",
			Help: "Run state transitions by resulting status",
		}, []string{"status"}),
		RegenAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_regen_attempts_total",
			Help: "Regeneration attempts by quality gate",
		}, []string{"loop"}),
		RegenExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyflow_regen_exhausted_total",
			Help: "Quality gate loops that hit their attempt bound",
		}, []string{"loop"}),
		ValidatorScores: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copyflow_validator_score",
			Help:    "Deterministic validator score of final drafts",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		SuspendedRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "copyflow_suspended_runs",
			Help: "Runs currently awaiting answers",
		}),
		ExpiredRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "copyflow_expired_runs_total",
			Help: "Suspended runs failed by the expiry reaper",
		}),
	}
}

// Nop returns collectors registered on a private registry, for tests.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
