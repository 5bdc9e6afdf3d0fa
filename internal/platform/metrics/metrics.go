package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the booking core's collectors. A nil *Metrics is valid and
// records nothing, so packages can be used without a registry in tests.
type Metrics struct {
	SearchDuration   prometheus.Histogram
	SearchCandidates prometheus.Histogram
	BookingOutcomes  *prometheus.CounterVec
	CommitAttempts   prometheus.Histogram
	ProjectionReads  *prometheus.CounterVec
	ProjectionEvents *prometheus.CounterVec
	OutboxPublished  prometheus.Counter
	OutboxFailures   prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_search_duration_seconds",
			Help:    "Slot search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		SearchCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_search_candidates",
			Help:    "Candidates returned per search.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		BookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_commit_outcomes_total",
			Help: "Booking attempts by outcome kind.",
		}, []string{"outcome"}),
		CommitAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_commit_attempts",
			Help:    "Transaction attempts per committed booking.",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),
		ProjectionReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_projection_reads_total",
			Help: "Projection lookups by result.",
		}, []string{"result"}),
		ProjectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_projection_events_total",
			Help: "Lifecycle events handled by the projection consumer.",
		}, []string{"result"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_outbox_published_total",
			Help: "Outbox events delivered to the bus.",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_outbox_failures_total",
			Help: "Outbox relay publish failures.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SearchDuration, m.SearchCandidates, m.BookingOutcomes, m.CommitAttempts,
			m.ProjectionReads, m.ProjectionEvents, m.OutboxPublished, m.OutboxFailures,
			m.HTTPRequests,
		)
	}
	return m
}

func (m *Metrics) ObserveSearch(seconds float64, candidates int) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(seconds)
	m.SearchCandidates.Observe(float64(candidates))
}

func (m *Metrics) BookingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.BookingOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommitTries(n int) {
	if m == nil {
		return
	}
	m.CommitAttempts.Observe(float64(n))
}

func (m *Metrics) ProjectionRead(result string) {
	if m == nil {
		return
	}
	m.ProjectionReads.WithLabelValues(result).Inc()
}

func (m *Metrics) ProjectionEvent(result string) {
	if m == nil {
		return
	}
	m.ProjectionEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxPublished.Add(float64(n))
}

func (m *Metrics) OutboxFailed() {
	if m == nil {
		return
	}
	m.OutboxFailures.Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}

// Handler exposes the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
