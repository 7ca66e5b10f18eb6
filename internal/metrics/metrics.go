// Package metrics holds the Prometheus instruments for the bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the bot.
// Uses a custom registry, no global state.
type Collector struct {
	Registry *prometheus.Registry

	// Session lifecycle.
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge

	// Command execution.
	CommandsExecutedTotal *prometheus.CounterVec
	CommandDuration       prometheus.Histogram
	QueueDepth            prometheus.Gauge

	// Token ledger.
	TokensConsumedTotal prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered on a
// custom prometheus.Registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		SessionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbot",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total sandbox sessions created.",
		}, []string{"tier"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termbot",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently active sessions.",
		}),

		CommandsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbot",
			Subsystem: "commands",
			Name:      "executed_total",
			Help:      "Total commands executed.",
		}, []string{"status"}),

		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termbot",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termbot",
			Subsystem: "commands",
			Name:      "queue_depth",
			Help:      "Commands waiting across all user queues.",
		}),

		TokensConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termbot",
			Subsystem: "tokens",
			Name:      "consumed_total",
			Help:      "Total tokens consumed by billing.",
		}),
	}

	reg.MustRegister(
		m.SessionsCreatedTotal,
		m.SessionsActive,
		m.CommandsExecutedTotal,
		m.CommandDuration,
		m.QueueDepth,
		m.TokensConsumedTotal,
	)

	return m
}
