// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EngineMetrics struct {
	admissions      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	submissions     *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	settledGwei     *prometheus.CounterVec
	integrity       *prometheus.CounterVec
	confirmDuration prometheus.Histogram
	availableGwei   prometheus.Gauge
	notifications   *prometheus.CounterVec
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the process-wide collectors, registering them on first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_admissions_total",
				Help: "Admission decisions by tier and denial code.",
			}, []string{"tier", "code"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "deployer_queue_depth",
				Help: "Requests waiting in the submission queue.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_submissions_total",
				Help: "Submission attempts by result.",
			}, []string{"result"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_outcomes_total",
				Help: "Terminal request outcomes by status and tier.",
			}, []string{"status", "tier"}),
			settledGwei: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_settled_gwei_total",
				Help: "Gas cost settled per ledger bucket, in gwei.",
			}, []string{"bucket"}),
			integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_integrity_violations_total",
				Help: "Aborted operations caused by ledger integrity violations.",
			}, []string{"kind"}),
			confirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "deployer_confirmation_seconds",
				Help:    "Time from broadcast to confirmation.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),
			availableGwei: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "deployer_available_for_subsidy_gwei",
				Help: "Funds available for subsidized deployments at the last snapshot.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deployer_notifications_total",
				Help: "Outcome notifications by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			engineRegistry.admissions,
			engineRegistry.queueDepth,
			engineRegistry.submissions,
			engineRegistry.outcomes,
			engineRegistry.settledGwei,
			engineRegistry.integrity,
			engineRegistry.confirmDuration,
			engineRegistry.availableGwei,
			engineRegistry.notifications,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) ObserveAdmission(tier, code string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(tier, code).Inc()
}

func (m *EngineMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *EngineMetrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveOutcome(status, tier string) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "unknown"
	}
	m.outcomes.WithLabelValues(status, tier).Inc()
}

func (m *EngineMetrics) AddSettled(bucket string, gwei int64) {
	if m == nil || gwei <= 0 {
		return
	}
	m.settledGwei.WithLabelValues(bucket).Add(float64(gwei))
}

func (m *EngineMetrics) ObserveIntegrityViolation(kind string) {
	if m == nil {
		return
	}
	m.integrity.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) SetAvailable(gwei int64) {
	if m == nil {
		return
	}
	m.availableGwei.Set(float64(gwei))
}

func (m *EngineMetrics) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}
