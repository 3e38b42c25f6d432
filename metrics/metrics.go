package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the settlement core records into. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	railCalls       *prometheus.CounterVec
	railLatency     *prometheus.HistogramVec
	stakeAnomalies  prometheus.Counter
	slashed         prometheus.Counter
	settlements     *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	inbox           *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	pendingIntents  prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// Default returns the lazily-initialised metrics registered on the global
// prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Bounty state transitions segmented by event and resulting state.",
		}, []string{"event", "to"}),
		railCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "rail",
			Name:      "calls_total",
			Help:      "Outbound payment rail calls segmented by rail, operation and outcome.",
		}, []string{"rail", "op", "outcome"}),
		railLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bountyflow",
			Subsystem: "rail",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution of outbound payment rail calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rail", "op"}),
		stakeAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "stake",
			Name:      "anomalies_total",
			Help:      "Slashes that exceeded the lab's staking balance.",
		}),
		slashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "stake",
			Name:      "slashed_minor_units_total",
			Help:      "Total stake slashed, in minor currency units.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Settlement intents segmented by kind and outcome.",
		}, []string{"kind", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox deliveries segmented by topic and outcome.",
		}, []string{"topic", "outcome"}),
		inbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "inbox",
			Name:      "events_total",
			Help:      "Inbound rail events segmented by rail and outcome.",
		}, []string{"rail", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyflow",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter segmented by route group.",
		}, []string{"group"}),
		pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bountyflow",
			Subsystem: "escrow",
			Name:      "stale_intents",
			Help:      "Settlement intents found by the last reconcile sweep.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.railCalls,
		m.railLatency,
		m.stakeAnomalies,
		m.slashed,
		m.settlements,
		m.outbox,
		m.inbox,
		m.rateLimited,
		m.pendingIntents,
	)
	return m
}

func (m *Metrics) Transition(event, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, to).Inc()
}

// RailCall records one outbound rail call.
func (m *Metrics) RailCall(rail, op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.railCalls.WithLabelValues(rail, op, outcome).Inc()
	m.railLatency.WithLabelValues(rail, op).Observe(took.Seconds())
}

func (m *Metrics) StakeSlashed(applied int64, anomaly bool) {
	if m == nil {
		return
	}
	m.slashed.Add(float64(applied))
	if anomaly {
		m.stakeAnomalies.Inc()
	}
}

func (m *Metrics) Settlement(kind, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Outbox(topic, outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) Inbox(rail, outcome string) {
	if m == nil {
		return
	}
	m.inbox.WithLabelValues(rail, outcome).Inc()
}

func (m *Metrics) RateLimited(group string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(group).Inc()
}

func (m *Metrics) StaleIntents(n int) {
	if m == nil {
		return
	}
	m.pendingIntents.Set(float64(n))
}
