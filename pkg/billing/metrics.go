package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments webhook processing and seat changes. Construct with a
// nil registerer for unregistered metrics in tests.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	processSeconds   *prometheus.HistogramVec
	seatChangesTotal *prometheus.CounterVec
	conflictRetries  prometheus.Counter
}

// Webhook processing outcomes recorded on the events counter.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// NewMetrics creates the metric set registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by provider event type and processing outcome.",
		}, []string{"event_type", "outcome"}),
		processSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "webhook_process_seconds",
			Help:      "Webhook processing latency by provider event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		seatChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "seat_changes_total",
			Help:      "Applied seat changes by direction and outcome.",
		}, []string{"direction", "outcome"}),
		conflictRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "write_conflict_retries_total",
			Help:      "Optimistic-concurrency write retries.",
		}),
	}
}

func (m *Metrics) recordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) observeProcessing(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.processSeconds.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) recordSeatChange(direction SeatDirection, outcome string) {
	if m == nil {
		return
	}
	m.seatChangesTotal.WithLabelValues(string(direction), outcome).Inc()
}

func (m *Metrics) recordConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}
