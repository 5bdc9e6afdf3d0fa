package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSearch(0.1, 3)
	m.BookingOutcome("created")
	m.CommitTries(2)
	m.ProjectionRead("hit")
	m.ProjectionEvent("applied")
	m.OutboxDelivered(1)
	m.OutboxFailed()
	m.HTTPRequest("GET", "/health", "200")
}

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BookingOutcome("conflict")
	m.OutboxDelivered(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `booking_commit_outcomes_total{outcome="conflict"} 1`) {
		t.Errorf("expected outcome counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "booking_outbox_published_total 3") {
		t.Errorf("expected outbox counter in output")
	}
}
