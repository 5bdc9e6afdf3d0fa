package projection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/pkg/pagination"
)

// failingStore rejects every write.
type failingStore struct{ *MemoryStore }

func (s failingStore) Update(context.Context, Key, UpdateFunc) error {
	return errors.New("store unavailable")
}

func message(t *testing.T, ev reservation.Event) bus.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bus.Message{ID: ev.ID.String(), RoutingKey: ev.RoutingKey(), Tenant: ev.Tenant, Body: body}
}

func TestConsumer_AppliesEvent(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	f.reserve(t, at(9, 0), at(9, 30))
	parker := NewMemoryParker()
	c := NewConsumer(f.cache, parker, nil, nil, zerolog.Nop())

	if err := c.Handle(context.Background(), message(t, f.store.Events()[0])); err != nil {
		t.Fatalf("handle: %v", err)
	}
	busy, ok, err := f.cache.Busy(f.ctx, f.resource, interval.Must(at(0, 0), at(24, 0)))
	if err != nil || !ok || len(busy) != 1 {
		t.Errorf("expected one cached occupancy, got ok=%v err=%v %v", ok, err, busy)
	}
	if _, total, _ := parker.List(context.Background(), 0, 10); total != 0 {
		t.Errorf("expected nothing parked, got %d", total)
	}
}

func TestConsumer_ParksPoison(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	parker := NewMemoryParker()
	c := NewConsumer(f.cache, parker, nil, nil, zerolog.Nop())

	msgs := []bus.Message{
		{ID: "1", RoutingKey: "reservation.confirmed", Body: []byte(`{not json`)},
		{ID: "2", RoutingKey: "reservation.confirmed", Body: []byte(`{"tenant":"a;drop","reservation_id":"6f1c3a52-8a60-4a4e-9e0e-9a9f4d0f2b11","version":1}`)},
		{ID: "3", RoutingKey: "reservation.confirmed", Body: []byte(`{"tenant":"acme","version":1}`)},
	}
	for _, m := range msgs {
		if err := c.Handle(context.Background(), m); err != nil {
			t.Fatalf("handle %s: expected poison to be absorbed, got %v", m.ID, err)
		}
	}
	items, total, err := parker.List(context.Background(), 0, 10)
	if err != nil || total != 3 {
		t.Fatalf("expected 3 parked, got %d err=%v", total, err)
	}
	if items[0].MessageID != "1" || !strings.Contains(items[0].Reason, "decode") {
		t.Errorf("unexpected first parked event %+v", items[0])
	}
}

func TestConsumer_FailedApplyInvalidatesAndParks(t *testing.T) {
	mem := NewMemoryStore()
	f := newFixture(t, failingStore{mem})
	r := f.reserve(t, at(9, 0), at(9, 30))

	k := f.key("2026-03-02")
	mem.entries[k] = &Entry{Items: map[string]reservation.Occupancy{}, ValidUntil: day.Add(time.Hour)}

	parker := NewMemoryParker()
	c := NewConsumer(f.cache, parker, nil, nil, zerolog.Nop())
	if err := c.Handle(context.Background(), message(t, f.store.Events()[0])); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, found, _ := mem.Get(f.ctx, k); found {
		t.Error("expected the stale entry invalidated")
	}
	items, _, _ := parker.List(context.Background(), 0, 10)
	if len(items) != 1 || items[0].Tenant != "acme" || !strings.Contains(items[0].Body, r.ID.String()) {
		t.Errorf("unexpected parked events %+v", items)
	}
}

func TestRedisParker_Paging(t *testing.T) {
	ctx := context.Background()
	p := NewRedisParker(newRedis(t), "projection:parked")
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Park(ctx, Parked{MessageID: id, Reason: "bad"}); err != nil {
			t.Fatalf("park: %v", err)
		}
	}

	items, total, err := p.List(ctx, 1, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 || items[0].MessageID != "b" || items[1].MessageID != "c" {
		t.Errorf("unexpected page total=%d %+v", total, items)
	}
	if items, _, _ := p.List(ctx, 3, 5); len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}
}

func TestHandler_Rebuild(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	f.reserve(t, at(9, 0), at(9, 30))
	h := NewHandler(f.cache, NewMemoryParker())

	body := `{"resource_id":"` + f.resource.String() + `","day":"2026-03-02"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/projection/rebuild", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req.WithContext(f.ctx), rec)

	if err := h.Rebuild(c); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	var got entryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Generation != 1 || got.Items != 1 || got.Day != "2026-03-02" {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestHandler_RebuildRejectsBadDay(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	h := NewHandler(f.cache, NewMemoryParker())
	body := `{"resource_id":"` + f.resource.String() + `","day":"02/03/2026"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := echo.New().NewContext(req.WithContext(f.ctx), httptest.NewRecorder())

	err := h.Rebuild(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListParked(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	parker := NewMemoryParker()
	for i := 0; i < 3; i++ {
		_ = parker.Park(context.Background(), Parked{MessageID: string(rune('a' + i))})
	}
	h := NewHandler(f.cache, parker)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/projection/parked?_count=2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListParked(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("list: %v", err)
	}
	var page struct {
		Data []Parked `json:"data"`
		pagination.Response
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 2 || page.Total != 3 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
}
