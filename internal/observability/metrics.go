package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	TransitionErrors *prometheus.CounterVec
	OrdersCreated    prometheus.Counter
	CardsCreated     prometheus.Counter
	IntakeFailures   *prometheus.CounterVec
	CodeCollisions   prometheus.Counter
	CodeExhaustions  prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	MessagesConsumed *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_transitions_total",
			Help: "Committed status transitions by target status",
		}, []string{"status"}),
		TransitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_transition_errors_total",
			Help: "Rejected or failed transitions by reason",
		}, []string{"reason"}),
		OrdersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "grading_orders_created_total",
			Help: "Orders created by intake",
		}),
		CardsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "grading_cards_created_total",
			Help: "Grading records created by intake",
		}),
		IntakeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_intake_failures_total",
			Help: "Intake failures by kind",
		}, []string{"kind"}),
		CodeCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "grading_certificate_code_collisions_total",
			Help: "Certificate codes rejected by the store as duplicates",
		}),
		CodeExhaustions: f.NewCounter(prometheus.CounterOpts{
			Name: "grading_certificate_code_exhaustions_total",
			Help: "Accepts that failed because no unused certificate code was found",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		MessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_messages_consumed_total",
			Help: "Broker messages consumed by outcome",
		}, []string{"queue", "outcome"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_events_published_total",
			Help: "Status events published by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) TransitionError(reason string) {
	if m == nil {
		return
	}
	m.TransitionErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCreated(cards int) {
	if m == nil {
		return
	}
	m.OrdersCreated.Inc()
	m.CardsCreated.Add(float64(cards))
}

func (m *Metrics) IntakeFailure(kind string) {
	if m == nil {
		return
	}
	m.IntakeFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) CodeCollision() {
	if m == nil {
		return
	}
	m.CodeCollisions.Inc()
}

func (m *Metrics) CodeExhausted() {
	if m == nil {
		return
	}
	m.CodeExhaustions.Inc()
}

func (m *Metrics) MessageConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) EventPublished(outcome string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(outcome).Inc()
}
