package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/domain/availability"
	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/domain/rules"
	"github.com/booking/booking/internal/platform/apperr"
)

type fixture struct {
	cat     *catalog.Memory
	store   *reservation.Memory
	reg     *rules.Registry
	loc     *catalog.Location
	zone    *time.Location
	service *catalog.ServiceDefinition
	engine  *Engine
}

func newFixture(t *testing.T, tz string) *fixture {
	t.Helper()
	zone, err := time.LoadLocation(tz)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	f := &fixture{cat: catalog.NewMemory(), store: reservation.NewMemory(), reg: rules.NewRegistry(), zone: zone}
	f.loc = &catalog.Location{ID: uuid.New(), Name: "Main", TimeZone: tz}
	f.cat.PutLocation(f.loc)
	f.service = &catalog.ServiceDefinition{ID: uuid.New(), Name: "Consult", Duration: 30 * time.Minute, Active: true}
	f.cat.PutService(f.service)

	avail := availability.NewService(f.cat, f.store, nil)
	f.engine = NewEngine(f.cat, avail, f.reg, Config{Parallelism: 2}, nil)
	f.engine.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) local(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, f.zone).UTC()
}

func (f *fixture) resource(kind catalog.ResourceKind, typeCode string, units int, weight float64, from, to string) *catalog.Resource {
	r := &catalog.Resource{ID: uuid.New(), Kind: kind, LocationID: f.loc.ID, TypeCode: typeCode, Units: units, RankWeight: weight, Active: true}
	f.cat.PutResource(r)
	f.cat.AddWindow(&catalog.AvailabilityWindow{
		ResourceID: r.ID,
		Kind:       catalog.WindowAvailable,
		Recurrence: &catalog.Recurrence{Weekdays: []time.Weekday{time.Monday}, StartTime: from, EndTime: to},
	})
	return r
}

func (f *fixture) book(t *testing.T, start, end time.Time, bindings ...reservation.Binding) {
	t.Helper()
	r := &reservation.Reservation{
		ID: uuid.New(), ServiceID: uuid.New(), LocationID: f.loc.ID, Bindings: bindings,
		Start: start, End: end, Status: reservation.StatusConfirmed, Version: 1, IdempotencyKey: uuid.NewString(),
	}
	if err := f.store.InTx(context.Background(), func(ctx context.Context, tx reservation.Tx) error {
		return tx.Insert(ctx, r)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (f *fixture) query() Query {
	return Query{ServiceID: f.service.ID, LocationID: f.loc.ID, From: "2026-03-02T09:00", To: "2026-03-02T12:00"}
}

func starts(f *fixture, slots []Candidate) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start.In(f.zone).Format("15:04")
	}
	return out
}

func TestSearch_SkipsExistingReservation(t *testing.T) {
	f := newFixture(t, "Europe/Berlin")
	p := f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
	f.book(t, f.local(10, 0), f.local(10, 30), reservation.Binding{ResourceID: p.ID, Kind: catalog.KindProvider, Units: 1, Primary: true})

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"09:00", "09:30", "10:30", "11:00", "11:30"}
	if got := starts(f, res.Slots); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, s := range res.Slots {
		if s.End.Sub(s.Start) != 30*time.Minute || s.PrimaryResourceID != p.ID {
			t.Errorf("unexpected slot %+v", s)
		}
	}
}

func TestSearch_Deterministic(t *testing.T) {
	f := newFixture(t, "Europe/Berlin")
	for i := 0; i < 4; i++ {
		f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
	}
	first, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := f.engine.Search(context.Background(), f.query())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first.Slots, again.Slots) {
			t.Fatal("expected identical ordered slots on repeated queries")
		}
	}
	for i := 1; i < len(first.Slots); i++ {
		a, b := first.Slots[i-1], first.Slots[i]
		if a.Start.Equal(b.Start) && a.PrimaryResourceID.String() > b.PrimaryResourceID.String() {
			t.Errorf("expected ascending resource id tiebreak at %s", a.Start)
		}
	}
}

func TestSearch_BuffersAndGranularity(t *testing.T) {
	f := newFixture(t, "UTC")
	f.service.BufferBefore = 10 * time.Minute
	f.service.BufferAfter = 5 * time.Minute
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:30")

	q := f.query()
	q.Granularity = 15 * time.Minute
	res, err := f.engine.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// buffered span is 45m, so buffered starts run 09:00..09:45
	want := []string{"09:10", "09:25", "09:40", "09:55"}
	if got := starts(f, res.Slots); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSearch_RankingAndPreferences(t *testing.T) {
	f := newFixture(t, "UTC")
	low := f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:00")
	high := f.resource(catalog.KindProvider, "", 0, 2, "09:00", "10:00")

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Slots[0].PrimaryResourceID != high.ID || res.Slots[1].PrimaryResourceID != high.ID {
		t.Errorf("expected the heavier provider first, got %+v", res.Slots)
	}

	q := f.query()
	q.Preferences = Preferences{ResourceIDs: []uuid.UUID{low.ID}, TimeOfDay: Morning}
	q.Limit = 3
	res, err = f.engine.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Slots) != 3 {
		t.Fatalf("expected limit to apply, got %d", len(res.Slots))
	}
	if res.Slots[0].PrimaryResourceID != high.ID || res.Slots[0].Score != 2.5 {
		t.Errorf("expected weight 2 plus morning bonus first, got %+v", res.Slots[0])
	}
	if res.Slots[2].PrimaryResourceID != low.ID || res.Slots[2].Score != 1.5 {
		t.Errorf("expected preferred provider with bonus next, got %+v", res.Slots[2])
	}
}

func TestSearch_RoomOptions(t *testing.T) {
	f := newFixture(t, "UTC")
	f.service.RequiresRoom = true
	f.service.RoomType = "exam"
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:00")
	r1 := f.resource(catalog.KindRoom, "exam", 0, 0, "09:00", "10:00")
	r2 := f.resource(catalog.KindRoom, "exam", 0, 0, "09:00", "10:00")
	f.resource(catalog.KindRoom, "xray", 0, 0, "09:00", "10:00")
	f.book(t, f.local(9, 0), f.local(9, 30), reservation.Binding{ResourceID: r1.ID, Kind: catalog.KindRoom, Units: 1, Primary: true})
	f.book(t, f.local(9, 30), f.local(10, 0), reservation.Binding{ResourceID: r1.ID, Kind: catalog.KindRoom, Units: 1, Primary: true})
	f.book(t, f.local(9, 30), f.local(10, 0), reservation.Binding{ResourceID: r2.ID, Kind: catalog.KindRoom, Units: 1, Primary: true})

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Slots) != 1 {
		t.Fatalf("expected only the 09:00 slot to have a room, got %v", starts(f, res.Slots))
	}
	if !reflect.DeepEqual(res.Slots[0].RoomOptions, []uuid.UUID{r2.ID}) {
		t.Errorf("expected room %s only, got %v", r2.ID, res.Slots[0].RoomOptions)
	}
}

func TestSearch_PooledEquipment(t *testing.T) {
	f := newFixture(t, "UTC")
	f.service.EquipmentType = "pump"
	f.service.EquipmentUnits = 2
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:00")
	pump := f.resource(catalog.KindEquipment, "pump", 3, 0, "09:00", "10:00")
	f.book(t, f.local(9, 0), f.local(9, 30), reservation.Binding{ResourceID: pump.ID, Kind: catalog.KindEquipment, Units: 2, Primary: true})

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := starts(f, res.Slots); !reflect.DeepEqual(got, []string{"09:30"}) {
		t.Errorf("expected only 09:30 with two free units, got %v", got)
	}
}

func TestSearch_RuleShortCircuit(t *testing.T) {
	f := newFixture(t, "UTC")
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:00")
	var high, low int
	f.reg.Register("reject", func(json.RawMessage) (rules.Check, error) {
		return func(rules.Input) (bool, string) { high++; return false, "no" }, nil
	})
	f.reg.Register("count", func(json.RawMessage) (rules.Check, error) {
		return func(rules.Input) (bool, string) { low++; return true, "" }, nil
	})
	f.cat.AddRule(&catalog.PolicyRule{ID: uuid.New(), ServiceID: f.service.ID, Kind: "count", Priority: 1, Active: true})
	f.cat.AddRule(&catalog.PolicyRule{ID: uuid.New(), ServiceID: f.service.ID, Kind: "reject", Priority: 9, Active: true})

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Slots) != 0 {
		t.Errorf("expected every slot rejected, got %d", len(res.Slots))
	}
	if high != 2 || low != 0 {
		t.Errorf("expected 2 high-priority calls and none lower, got %d and %d", high, low)
	}
}

func TestSearch_LeadTimeDropsEarlySlots(t *testing.T) {
	f := newFixture(t, "UTC")
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
	f.service.LeadTime = time.Hour
	f.engine.now = func() time.Time { return f.local(9, 45) }

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := starts(f, res.Slots); !reflect.DeepEqual(got, []string{"11:00", "11:30"}) {
		t.Errorf("expected slots from 10:45 on, got %v", got)
	}
}

func TestSearch_NonexistentLocalTime(t *testing.T) {
	f := newFixture(t, "America/New_York")
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
	q := f.query()
	q.From, q.To = "2026-03-08T02:30", "2026-03-08T12:00"

	_, err := f.engine.Search(context.Background(), q)
	if apperr.KindOf(err) != apperr.KindNonexistent {
		t.Errorf("expected nonexistent_local_time, got %v", err)
	}
}

func TestSearch_AmbiguousLocalTime(t *testing.T) {
	f := newFixture(t, "America/New_York")
	q := f.query()
	q.From, q.To = "2026-11-01T01:30", "2026-11-01T12:00"

	_, err := f.engine.Search(context.Background(), q)
	if apperr.KindOf(err) != apperr.KindAmbiguous {
		t.Errorf("expected ambiguous_local_time, got %v", err)
	}
}

func TestSearch_NotFoundAndEmpty(t *testing.T) {
	f := newFixture(t, "UTC")
	q := f.query()
	q.ServiceID = uuid.New()
	if _, err := f.engine.Search(context.Background(), q); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not_found for unknown service, got %v", err)
	}

	q = f.query()
	q.ResourceIDs = []uuid.UUID{uuid.New()}
	if _, err := f.engine.Search(context.Background(), q); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not_found for unknown resource, got %v", err)
	}

	res, err := f.engine.Search(context.Background(), f.query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Slots == nil || len(res.Slots) != 0 {
		t.Errorf("expected empty non-nil slots, got %v", res.Slots)
	}
}

func TestSearch_RejectsWideRange(t *testing.T) {
	f := newFixture(t, "UTC")
	q := f.query()
	q.To = "2026-04-30T00:00"
	if _, err := f.engine.Search(context.Background(), q); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPick(t *testing.T) {
	f := newFixture(t, "UTC")
	busy := f.resource(catalog.KindProvider, "", 0, 5, "09:00", "12:00")
	free := f.resource(catalog.KindProvider, "", 0, 1, "09:00", "12:00")
	f.book(t, f.local(10, 0), f.local(10, 30), reservation.Binding{ResourceID: busy.ID, Kind: catalog.KindProvider, Units: 1, Primary: true})

	c, err := f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(10, 0)})
	if err != nil {
		t.Fatalf("expected a pick, got %v", err)
	}
	if c.PrimaryResourceID != free.ID {
		t.Errorf("expected the free provider, got %s", c.PrimaryResourceID)
	}

	c, err = f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(9, 0)})
	if err != nil || c.PrimaryResourceID != busy.ID {
		t.Errorf("expected the heavier provider when both are free, got %+v err=%v", c, err)
	}

	_, err = f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(11, 45)})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected a conflict past working hours, got %v", err)
	}
}

func pickErr(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
	return e
}

func TestPick_NamesWhatBlocked(t *testing.T) {
	t.Run("taken provider", func(t *testing.T) {
		f := newFixture(t, "UTC")
		p := f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
		f.book(t, f.local(9, 0), f.local(9, 30), reservation.Binding{ResourceID: p.ID, Kind: catalog.KindProvider, Units: 1, Primary: true})

		_, err := f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(9, 0), ResourceIDs: []uuid.UUID{p.ID}})
		e := pickErr(t, err, apperr.KindConflict)
		if e.ResourceKind != string(catalog.KindProvider) || e.ResourceID != p.ID.String() {
			t.Errorf("expected provider %s named, got %+v", p.ID, e)
		}
	})

	t.Run("taken room", func(t *testing.T) {
		f := newFixture(t, "UTC")
		f.service.RequiresRoom = true
		f.service.RoomType = "exam"
		p := f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
		room := f.resource(catalog.KindRoom, "exam", 0, 0, "09:00", "12:00")
		f.book(t, f.local(9, 0), f.local(9, 30), reservation.Binding{ResourceID: room.ID, Kind: catalog.KindRoom, Units: 1, Primary: true})

		_, err := f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(9, 0), ResourceIDs: []uuid.UUID{p.ID}})
		e := pickErr(t, err, apperr.KindConflict)
		if e.ResourceKind != string(catalog.KindRoom) || e.ResourceID != room.ID.String() {
			t.Errorf("expected room %s named, got %+v", room.ID, e)
		}
	})

	t.Run("exhausted equipment", func(t *testing.T) {
		f := newFixture(t, "UTC")
		f.service.EquipmentType = "pump"
		f.service.EquipmentUnits = 2
		f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
		pump := f.resource(catalog.KindEquipment, "pump", 3, 0, "09:00", "12:00")
		f.book(t, f.local(9, 0), f.local(9, 30), reservation.Binding{ResourceID: pump.ID, Kind: catalog.KindEquipment, Units: 2, Primary: true})

		_, err := f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(9, 0)})
		e := pickErr(t, err, apperr.KindConflict)
		if e.ResourceKind != string(catalog.KindEquipment) || e.ResourceID != pump.ID.String() {
			t.Errorf("expected equipment %s named, got %+v", pump.ID, e)
		}
	})

	t.Run("rule", func(t *testing.T) {
		f := newFixture(t, "UTC")
		f.resource(catalog.KindProvider, "", 0, 0, "09:00", "12:00")
		rule := &catalog.PolicyRule{
			ID: uuid.New(), ServiceID: f.service.ID, Kind: rules.KindBlackout, Priority: 1, Active: true,
			Payload: json.RawMessage(`{"from":"2026-03-02T08:00:00Z","until":"2026-03-02T10:00:00Z"}`),
		}
		f.cat.AddRule(rule)

		_, err := f.engine.Pick(context.Background(), PickRequest{ServiceID: f.service.ID, LocationID: f.loc.ID, Start: f.local(9, 0)})
		e := pickErr(t, err, apperr.KindRule)
		if e.RuleID != rule.ID.String() {
			t.Errorf("expected rule %s named, got %+v", rule.ID, e)
		}
	})
}

func TestRank_Tiebreak(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, b := uuid.MustParse("00000000-0000-0000-0000-000000000001"), uuid.MustParse("00000000-0000-0000-0000-000000000002")
	cs := []Candidate{
		{Start: at, PrimaryResourceID: b},
		{Start: at.Add(time.Hour), PrimaryResourceID: a, Score: 1},
		{Start: at, PrimaryResourceID: a},
	}
	Rank(cs)
	if cs[0].Score != 1 || cs[1].PrimaryResourceID != a || cs[2].PrimaryResourceID != b {
		t.Errorf("unexpected order %+v", cs)
	}
}

func TestHandler_Search(t *testing.T) {
	f := newFixture(t, "UTC")
	f.resource(catalog.KindProvider, "", 0, 0, "09:00", "10:00")
	h := NewHandler(f.engine)
	e := echo.New()

	target := "/?service_id=" + f.service.ID.String() + "&location_id=" + f.loc.ID.String() +
		"&from=2026-03-02T09:00&to=2026-03-02T12:00&granularity=30m"
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec)
	if err := h.Search(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body Result
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Slots) != 2 || body.FetchedAt.IsZero() {
		t.Errorf("expected two slots and fetched_at, got %s", rec.Body.String())
	}
}

func TestHandler_Search_Validation(t *testing.T) {
	f := newFixture(t, "UTC")
	h := NewHandler(f.engine)
	e := echo.New()

	for _, target := range []string{
		"/?location_id=" + f.loc.ID.String() + "&from=2026-03-02T09:00&to=2026-03-02T12:00",
		"/?service_id=" + f.service.ID.String() + "&location_id=" + f.loc.ID.String() + "&from=2026-03-02T09:00&to=2026-03-02T12:00&time_of_day=night",
		"/?service_id=" + f.service.ID.String() + "&location_id=" + f.loc.ID.String() + "&from=2026-03-02T09:00&to=2026-03-02T12:00&granularity=-5m",
	} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
		err := h.Search(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", strings.SplitN(target, "&", 2)[0], err)
		}
	}
}
