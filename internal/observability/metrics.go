// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Scheduler metrics
	SessionsRun       *prometheus.CounterVec
	StepsSkipped      *prometheus.CounterVec
	DegradedInstances prometheus.Counter
	PredictionsMade   *prometheus.CounterVec
	PipelineLatency   prometheus.Histogram
	PipelineOverruns  prometheus.Counter

	// Trade metrics
	TradesOpened  prometheus.Counter
	TradesClosed  *prometheus.CounterVec
	TradesSkipped *prometheus.CounterVec
	OpenTrades    prometheus.Gauge

	// Account metrics
	AccountBalance prometheus.Gauge
	AccountEquity  prometheus.Gauge
	MaxDrawdownPct prometheus.Gauge

	// Window metrics
	ObservationsRecorded prometheus.Counter
	ObservationsAged     prometheus.Counter
	PercentileRecomputes prometheus.Counter

	// Stream metrics
	QuotesReceived   prometheus.Counter
	StreamReconnects prometheus.Counter
	TicksArchived    prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "forex_session_lab"
	}

	return &Metrics{
		// Scheduler metrics
		SessionsRun: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sessions_run_total",
			Help:      "Total number of session instances executed by session name",
		}, []string{"session"}),
		StepsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "steps_skipped_total",
			Help:      "Total number of timeline steps skipped past their deadline",
		}, []string{"step"}),
		DegradedInstances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "degraded_instances_total",
			Help:      "Total number of instances executed without a live quote stream",
		}),
		PredictionsMade: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "predictions_total",
			Help:      "Total number of prediction calls by outcome",
		}, []string{"status"}),
		PipelineLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pipeline_latency_seconds",
			Help:      "Per-instrument prediction-to-open pipeline latency in seconds",
			Buckets:   []float64{1, 2, 5, 8, 12, 20, 30, 60},
		}),
		PipelineOverruns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pipeline_overruns_total",
			Help:      "Total number of instruments skipped for exceeding the pipeline ceiling",
		}),

		// Trade metrics
		TradesOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "opened_total",
			Help:      "Total number of trades opened",
		}),
		TradesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "closed_total",
			Help:      "Total number of trades closed by reason",
		}, []string{"reason"}),
		TradesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "skipped_total",
			Help:      "Total number of instruments skipped by cause",
		}, []string{"cause"}),
		OpenTrades: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "open",
			Help:      "Current number of open trades",
		}),

		// Account metrics
		AccountBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "balance",
			Help:      "Current account balance",
		}),
		AccountEquity: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "equity",
			Help:      "Current account equity",
		}),
		MaxDrawdownPct: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "max_drawdown_pct",
			Help:      "Maximum drawdown from peak balance in percent",
		}),

		// Window metrics
		ObservationsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "observations_recorded_total",
			Help:      "Total number of observations appended to the rolling window",
		}),
		ObservationsAged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "observations_aged_total",
			Help:      "Total number of observations soft-excluded by daily maintenance",
		}),
		PercentileRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "percentile_recomputes_total",
			Help:      "Total number of percentile target recomputations",
		}),

		// Stream metrics
		QuotesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "quotes_received_total",
			Help:      "Total number of quote ticks received",
		}),
		StreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of quote stream reconnect attempts",
		}),
		TicksArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "ticks_archived_total",
			Help:      "Total number of ticks written to the archive",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTradeClosed increments the closed-trades counter for a reason.
// Nil receivers are no-ops so metrics stay optional in tests.
func (m *Metrics) RecordTradeClosed(reason string) {
	if m == nil {
		return
	}
	m.TradesClosed.WithLabelValues(reason).Inc()
}

// RecordSkip increments the skipped-instruments counter for a cause.
func (m *Metrics) RecordSkip(cause string) {
	if m == nil {
		return
	}
	m.TradesSkipped.WithLabelValues(cause).Inc()
}

// RecordPrediction increments the prediction counter for an outcome.
func (m *Metrics) RecordPrediction(status string) {
	if m == nil {
		return
	}
	m.PredictionsMade.WithLabelValues(status).Inc()
}

// UpdateAccount refreshes the account gauges.
func (m *Metrics) UpdateAccount(balance, equity, maxDrawdownPct float64) {
	if m == nil {
		return
	}
	m.AccountBalance.Set(balance)
	m.AccountEquity.Set(equity)
	m.MaxDrawdownPct.Set(maxDrawdownPct)
}
