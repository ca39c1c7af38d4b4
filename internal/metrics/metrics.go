// Package metrics defines the Prometheus collectors for every series the
// operational surface exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors. One value is constructed at boot and shared
// by injection; there are no package-level globals.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesProcessed prometheus.Counter
	MessagesAnalyzed  *prometheus.CounterVec // severity
	AlertsSent        *prometheus.CounterVec // severity, channel
	AlertsSuppressed  *prometheus.CounterVec // reason
	AutoInitiates     *prometheus.CounterVec // outcome
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	CheckInsTotal     *prometheus.CounterVec // outcome

	NLPRequestDuration prometheus.Histogram
	NLPErrors          prometheus.Counter
	LLMErrors          prometheus.Counter

	SensitivityAdjustments *prometheus.CounterVec // channel
	CircuitState           *prometheus.GaugeVec   // breaker
	AlertResponseTime      prometheus.Histogram
	QueueDropped           prometheus.Counter
	CommandRefusals        prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Messages observed in monitored channels.",
		}),
		MessagesAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_analyzed_total",
			Help: "Messages classified, by resulting severity.",
		}, []string{"severity"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Alerts posted, by severity and channel.",
		}, []string{"severity", "channel"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Alerts suppressed before posting, by reason.",
		}, []string{"reason"}),
		AutoInitiates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auto_initiates_total",
			Help: "Auto-initiate attempts, by outcome.",
		}, []string{"outcome"}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "DM support sessions started.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Currently active DM support sessions.",
		}),
		CheckInsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkins_total",
			Help: "Follow-up check-ins, by outcome.",
		}, []string{"outcome"}),
		NLPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nlp_request_duration_seconds",
			Help:    "Classifier request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		NLPErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlp_errors_total",
			Help: "Classifier requests that exhausted retries.",
		}),
		LLMErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_errors_total",
			Help: "Conversational backend requests that exhausted retries.",
		}),
		SensitivityAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensitivity_adjustments_total",
			Help: "Messages whose score was modified by channel sensitivity.",
		}, []string{"channel"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		AlertResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alert_response_time_seconds",
			Help:    "Time from alert dispatch to human acknowledgement.",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "user_queue_dropped_total",
			Help: "Messages dropped from overflowing per-user queues.",
		}),
		CommandRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "command_refusals_total",
			Help: "Interactions refused for missing CRT authorization.",
		}),
	}

	reg.MustRegister(
		m.MessagesProcessed, m.MessagesAnalyzed, m.AlertsSent, m.AlertsSuppressed,
		m.AutoInitiates, m.SessionsTotal, m.SessionsActive, m.CheckInsTotal,
		m.NLPRequestDuration, m.NLPErrors, m.LLMErrors,
		m.SensitivityAdjustments, m.CircuitState, m.AlertResponseTime,
		m.QueueDropped, m.CommandRefusals,
	)
	return m
}

// ObserveBreaker records a breaker state transition on the gauge.
func (m *Metrics) ObserveBreaker(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}
