package booking

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/reservation"
)

func (f *fixture) createBody(provider string, h, m int, key string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"service_id":      f.service.ID,
		"location_id":     f.loc.ID,
		"resource_id":     provider,
		"start":           f.at(h, m).Format(time.RFC3339),
		"end":             f.at(h, m).Add(f.service.Duration).Format(time.RFC3339),
		"idempotency_key": key,
	})
	return string(body)
}

func (f *fixture) post(e *echo.Echo, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(f.ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_CreateAndReplay(t *testing.T) {
	f := newFixture(t)
	p := f.resource(catalog.KindProvider, "", 0, 0)
	h := NewHandler(f.coord)
	e := echo.New()
	body := f.createBody(p.ID.String(), 9, 0, "key-1")

	c, rec := f.post(e, "/api/v1/reservations", body)
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created reservation.Reservation
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	c, rec = f.post(e, "/api/v1/reservations", body)
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("expected replayed 200, got %d %v", rec.Code, rec.Header())
	}
	var replayed reservation.Reservation
	if err := json.Unmarshal(rec.Body.Bytes(), &replayed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if replayed.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, replayed.ID)
	}
}

func TestHandler_CreateKeyFromHeader(t *testing.T) {
	f := newFixture(t)
	f.resource(catalog.KindProvider, "", 0, 0)
	h := NewHandler(f.coord)
	c, rec := f.post(echo.New(), "/api/v1/reservations", f.createBody("auto", 9, 0, ""))
	c.Request().Header.Set("Idempotency-Key", "from-header")

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if _, err := f.store.GetByIdempotencyKey(f.ctx, "from-header"); err != nil {
		t.Errorf("expected reservation stored under the header key: %v", err)
	}
}

func TestHandler_CreateErrors(t *testing.T) {
	f := newFixture(t)
	p := f.resource(catalog.KindProvider, "", 0, 0)
	h := NewHandler(f.coord)
	e := echo.New()

	c, _ := f.post(e, "/api/v1/reservations", f.createBody("not-a-uuid", 9, 0, "k"))
	if code := statusOf(t, h.Create(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad resource id, got %d", code)
	}

	c, _ = f.post(e, "/api/v1/reservations", f.createBody(p.ID.String(), 9, 0, "a"))
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ = f.post(e, "/api/v1/reservations", f.createBody(p.ID.String(), 9, 0, "b"))
	if code := statusOf(t, h.Create(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for overlap, got %d", code)
	}
}

func TestHandler_GetNotFound(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.coord)
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(f.ctx)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	if code := statusOf(t, h.Get(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_CancelAndReschedule(t *testing.T) {
	f := newFixture(t)
	p := f.resource(catalog.KindProvider, "", 0, 0)
	h := NewHandler(f.coord)
	e := echo.New()

	a, err := f.coord.Book(f.ctx, f.request(p, 9, 0))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	b, err := f.coord.Book(f.ctx, f.request(p, 10, 0))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	c, rec := f.post(e, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(a.Reservation.ID.String())
	if err := h.Cancel(c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{
		"start":           f.at(11, 0).Format(time.RFC3339),
		"end":             f.at(11, 30).Format(time.RFC3339),
		"idempotency_key": "move-b",
	})
	c, rec = f.post(e, "/", string(body))
	c.SetParamNames("id")
	c.SetParamValues(b.Reservation.ID.String())
	if err := h.Reschedule(c); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var moved reservation.Reservation
	if err := json.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if moved.RescheduledFrom == nil || *moved.RescheduledFrom != b.Reservation.ID {
		t.Errorf("expected link back to %s", b.Reservation.ID)
	}
}

func TestHandler_StartInvalidTransition(t *testing.T) {
	f := newFixture(t)
	p := f.resource(catalog.KindProvider, "", 0, 0)
	h := NewHandler(f.coord)
	out, err := f.coord.Book(f.ctx, f.request(p, 9, 0))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := f.coord.Cancel(f.ctx, out.Reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	c, _ := f.post(echo.New(), "/", "")
	c.SetParamNames("id")
	c.SetParamValues(out.Reservation.ID.String())
	if code := statusOf(t, h.Start(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}
