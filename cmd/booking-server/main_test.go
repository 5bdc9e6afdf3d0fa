package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/config"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:               "development",
		CORSOrigins:       []string{"http://localhost:3000"},
		RateLimitRPS:      100,
		RateLimitBurst:    200,
		RequestTimeout:    5 * time.Second,
		MaxStaleness:      30 * time.Second,
		CommitTimeout:     time.Second,
		CommitAttempts:    2,
		HoldTTL:           time.Second,
		HoldBucket:        15 * time.Minute,
		HoldWait:          50 * time.Millisecond,
		SearchParallelism: 2,
		SearchMaxRange:    14 * 24 * time.Hour,
		ProjectionTTL:     time.Minute,
	}
}

func serve(e http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicEndpoints(t *testing.T) {
	a := newApp(testConfig(), memoryBackends(), zerolog.Nop())
	e := a.router(db.HeaderTenant("default"), nil)

	if rec := serve(e, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected /health 200, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/health/db", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected /health/db to be absent without a pool, got %d", rec.Code)
	}

	rec := serve(e, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "booking_http_requests_total") {
		t.Error("expected request counter in /metrics output")
	}
}

func TestRouter_APIRoutesAreTenantScoped(t *testing.T) {
	a := newApp(testConfig(), memoryBackends(), zerolog.Nop())
	e := a.router(db.HeaderTenant("default"), nil)

	rec := serve(e, http.MethodGet, "/api/v1/reservations/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown reservation, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = serve(e, http.MethodGet, "/api/v1/reservations/"+uuid.NewString(), map[string]string{"X-Tenant-ID": "bad tenant"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid tenant, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/api/v1/admin/projection/parked", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected parked listing for dev admin, got %d", rec.Code)
	}
}

func TestRouter_ExternalAuthRejectsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = "external"
	cfg.AuthSigningKey = "test-secret-key-for-unit-tests-only"
	a := newApp(cfg, memoryBackends(), zerolog.Nop())
	e := a.router(db.HeaderTenant("default"), nil)

	if rec := serve(e, http.MethodGet, "/api/v1/reservations/"+uuid.NewString(), nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected /health to stay public, got %d", rec.Code)
	}
}

func TestDayRange(t *testing.T) {
	rng, err := dayRange("2024-03-10", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.Duration() != 24*time.Hour {
		t.Errorf("expected a single day, got %v", rng.Duration())
	}

	rng, err = dayRange("2024-03-10", "2024-03-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC); !rng.End.Equal(want) {
		t.Errorf("expected end %v, got %v", want, rng.End)
	}

	for _, tc := range [][2]string{{"03/10/2024", ""}, {"2024-03-10", "tomorrow"}, {"2024-03-12", "2024-03-10"}} {
		if _, err := dayRange(tc[0], tc[1]); err == nil {
			t.Errorf("expected error for %v", tc)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.LogLevel = "warn"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn, got %v", got)
	}
	cfg.LogLevel = "chatty"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected fallback to info, got %v", got)
	}
}

func TestEvents_FeedProjectionAndLiveClients(t *testing.T) {
	b := memoryBackends()
	a := newApp(testConfig(), b, zerolog.Nop())
	client := websocket.NewClient("default", []string{websocket.TopicAll})
	a.hub.Register(client)

	start := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	resourceID := uuid.New()
	r := &reservation.Reservation{
		ID:       uuid.New(),
		Tenant:   "default",
		Status:   reservation.StatusConfirmed,
		Version:  1,
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Bindings: []reservation.Binding{{ResourceID: resourceID, Units: 1, Primary: true}},
	}
	ev := reservation.NewEvent(reservation.EventConfirmed, r, start)
	body, _ := json.Marshal(ev)

	if err := a.events()(context.Background(), bus.Message{ID: ev.ID.String(), Tenant: "default", Body: body}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, total, _ := b.parker.List(context.Background(), 0, 10); total != 0 {
		t.Errorf("expected event to apply cleanly, %d parked", total)
	}
	select {
	case <-client.Send:
	case <-time.After(time.Second):
		t.Fatal("live client did not receive the event")
	}

	if err := a.events()(context.Background(), bus.Message{ID: "poison", Body: []byte("{")}); err != nil {
		t.Fatalf("poison event should be parked, got %v", err)
	}
	if _, total, _ := b.parker.List(context.Background(), 0, 10); total != 1 {
		t.Errorf("expected poison event parked, got %d", total)
	}
}
