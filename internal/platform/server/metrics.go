package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	pointsMutations     *prometheus.CounterVec
	insufficientFunds   prometheus.Counter
	idempotencyReplays  prometheus.Counter
	idempotencyConflict *prometheus.CounterVec
	idempotencyCleanup  *prometheus.CounterVec
	payoutTransitions   *prometheus.CounterVec
	payoutAttempts      prometheus.Histogram
	wsSubscribers       prometheus.Gauge
	oddsMessages        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.NewRegistry())
}

// NewMetricsDefault registers on the default registerer used by the
// /metrics handler.
func NewMetricsDefault() *Metrics {
	return newMetricsWith(nil)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &Metrics{
		pointsMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "ledger",
				Name:      "mutations_total",
				Help:      "Applied balance deltas partitioned by action.",
			},
			[]string{"action"},
		),
		insufficientFunds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "ledger",
				Name:      "insufficient_points_total",
				Help:      "Debits rejected because the balance would go negative.",
			},
		),
		idempotencyReplays: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "idempotency",
				Name:      "replays_total",
				Help:      "Responses replayed verbatim from a completed key.",
			},
		),
		idempotencyConflict: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "idempotency",
				Name:      "conflicts_total",
				Help:      "Idempotency conflicts by kind (reuse, in_flight).",
			},
			[]string{"kind"},
		),
		idempotencyCleanup: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "idempotency",
				Name:      "cleanup_runs_total",
				Help:      "Completed-key cleanup runs partitioned by result.",
			},
			[]string{"result"},
		),
		payoutTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "payout",
				Name:      "job_transitions_total",
				Help:      "Payout job state transitions by target status.",
			},
			[]string{"status"},
		),
		payoutAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pointsd",
				Subsystem: "payout",
				Name:      "attempts_per_job",
				Help:      "Attempts needed before a job completed.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		wsSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pointsd",
				Subsystem: "odds",
				Name:      "ws_subscribers",
				Help:      "Currently connected odds websocket clients.",
			},
		),
		oddsMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointsd",
				Subsystem: "odds",
				Name:      "messages_total",
				Help:      "Odds pub/sub messages by outcome (relayed, dropped).",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveMutation(action string) {
	if m == nil {
		return
	}
	m.pointsMutations.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveInsufficientPoints() {
	if m == nil {
		return
	}
	m.insufficientFunds.Inc()
}

func (m *Metrics) ObserveIdempotencyReplay() {
	if m == nil {
		return
	}
	m.idempotencyReplays.Inc()
}

func (m *Metrics) ObserveIdempotencyConflict(kind string) {
	if m == nil {
		return
	}
	m.idempotencyConflict.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveIdempotencyCleanup(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.idempotencyCleanup.WithLabelValues("error").Inc()
		return
	}
	m.idempotencyCleanup.WithLabelValues("success").Inc()
}

func (m *Metrics) ObservePayoutTransition(status string) {
	if m == nil {
		return
	}
	m.payoutTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePayoutCompleted(attempts int) {
	if m == nil {
		return
	}
	m.payoutAttempts.Observe(float64(attempts))
}

func (m *Metrics) WSSubscriberConnected() {
	if m == nil {
		return
	}
	m.wsSubscribers.Inc()
}

func (m *Metrics) WSSubscriberGone() {
	if m == nil {
		return
	}
	m.wsSubscribers.Dec()
}

func (m *Metrics) ObserveOddsMessage(outcome string) {
	if m == nil {
		return
	}
	m.oddsMessages.WithLabelValues(outcome).Inc()
}
