package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes recorded in docworker_jobs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeLeaseLost = "lease_lost"
)

// Metrics holds the worker pool's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	jobs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	claimErrors prometheus.Counter
	running     prometheus.Gauge
}

// NewMetrics registers the worker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docworker_jobs_total",
			Help: "Jobs finished by a worker, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docworker_job_duration_seconds",
			Help:    "Wall time from claim to report, by strategy.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"strategy"}),
		claimErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "docworker_claim_errors_total",
			Help: "Failed attempts to claim a job from the store.",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "docworker_workers_running",
			Help: "Worker loops currently started by the manager.",
		}),
	}
}

func (m *Metrics) jobFinished(strategyName, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if strategyName == "" {
		strategyName = "none"
	}
	m.jobs.WithLabelValues(strategyName, outcome).Inc()
	m.duration.WithLabelValues(strategyName).Observe(elapsed.Seconds())
}

func (m *Metrics) claimFailed() {
	if m == nil {
		return
	}
	m.claimErrors.Inc()
}

func (m *Metrics) setRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}
