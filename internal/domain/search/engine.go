package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/booking/booking/internal/domain/availability"
	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/rules"
	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/metrics"
	"github.com/booking/booking/internal/platform/timezone"
)

const (
	Morning   = "morning"
	Afternoon = "afternoon"
	Evening   = "evening"
)

type Preferences struct {
	ResourceIDs []uuid.UUID `json:"resource_ids,omitempty"`
	TimeOfDay   string      `json:"time_of_day,omitempty"`
}

// Query asks for bookable slots. From and To are wall-clock times in the
// location's zone; To is exclusive.
type Query struct {
	ServiceID   uuid.UUID
	LocationID  uuid.UUID
	From        string
	To          string
	ResourceIDs []uuid.UUID
	Preferences Preferences
	Granularity time.Duration
	Limit       int
}

type Candidate struct {
	Start             time.Time   `json:"start"`
	End               time.Time   `json:"end"`
	PrimaryResourceID uuid.UUID   `json:"primary_resource_id"`
	RoomOptions       []uuid.UUID `json:"room_options"`
	EquipmentOptions  []uuid.UUID `json:"equipment_options"`
	Score             float64     `json:"score"`
}

type Result struct {
	FetchedAt time.Time   `json:"fetched_at"`
	Slots     []Candidate `json:"slots"`
}

type Config struct {
	// Granularity is the default step between candidate starts. Zero means
	// the service duration.
	Granularity time.Duration
	Parallelism int
	MaxRange    time.Duration
}

type Engine struct {
	catalog catalog.Reader
	avail   *availability.Service
	rules   *rules.Registry
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(cat catalog.Reader, avail *availability.Service, reg *rules.Registry, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.MaxRange <= 0 {
		cfg.MaxRange = 14 * 24 * time.Hour
	}
	return &Engine{catalog: cat, avail: avail, rules: reg, cfg: cfg, metrics: m, now: time.Now}
}

// plan is everything resolved from the catalog for one service at one
// location.
type plan struct {
	service   *catalog.ServiceDefinition
	location  *catalog.Location
	zone      *time.Location
	primaries []*catalog.Resource
	rooms     []*catalog.Resource
	equipment []*catalog.Resource
	chain     *rules.Chain
}

// Search returns ranked candidate slots. An empty eligible resource set
// yields an empty result, not an error.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	started := e.now()
	res := &Result{FetchedAt: started.UTC(), Slots: []Candidate{}}

	p, err := e.prepare(ctx, q.ServiceID, q.LocationID, q.ResourceIDs)
	if err != nil {
		return nil, err
	}
	rng, err := e.resolveRange(q.From, q.To, p.zone)
	if err != nil {
		return nil, err
	}
	if len(p.primaries) == 0 || (p.service.RequiresRoom && len(p.rooms) == 0) || (p.service.NeedsEquipment() && len(p.equipment) == 0) {
		return res, nil
	}

	step := q.Granularity
	if step <= 0 {
		step = e.cfg.Granularity
	}
	if step <= 0 {
		step = p.service.Duration
	}

	timelines, err := e.timelines(ctx, p, rng)
	if err != nil {
		return nil, err
	}

	now := e.now()
	earliest := now.Add(p.service.LeadTime)
	total := p.service.TotalSpan()
	for _, primary := range p.primaries {
		tl := timelines[primary.ID]
		for _, free := range tl.Free().Clip(rng) {
			for start := free.Start; !start.Add(total).After(free.End); start = start.Add(step) {
				buffered := interval.Interval{Start: start, End: start.Add(total)}
				if buffered.Start.Add(p.service.BufferBefore).Before(earliest) {
					continue
				}
				if c, st, _ := e.evaluate(p, timelines, primary, buffered, q.Preferences, now); st == stageFit {
					res.Slots = append(res.Slots, c)
				}
			}
		}
	}

	Rank(res.Slots)
	if q.Limit > 0 && len(res.Slots) > q.Limit {
		res.Slots = res.Slots[:q.Limit]
	}
	e.metrics.ObserveSearch(e.now().Sub(started).Seconds(), len(res.Slots))
	return res, nil
}

// PickRequest asks for the best binding of one exact slot.
type PickRequest struct {
	ServiceID   uuid.UUID
	LocationID  uuid.UUID
	Start       time.Time
	ResourceIDs []uuid.UUID
	Preferences Preferences
}

// stage is how far a primary got through evaluation. Later stages name the
// more specific reason a slot could not be bound.
type stage int

const (
	stageProvider stage = iota
	stageRoom
	stageEquipment
	stageRules
	stageFit
)

// Pick evaluates every eligible primary for the exact slot starting at Start
// and returns the best ranked candidate. When none qualifies the error names
// what blocked the furthest primary: a taken provider, room or equipment as
// a conflict, or the failing rule.
func (e *Engine) Pick(ctx context.Context, req PickRequest) (Candidate, error) {
	p, err := e.prepare(ctx, req.ServiceID, req.LocationID, req.ResourceIDs)
	if err != nil {
		return Candidate{}, err
	}
	start := req.Start.UTC().Add(-p.service.BufferBefore)
	buffered := interval.Interval{Start: start, End: start.Add(p.service.TotalSpan())}
	if len(p.primaries) == 0 {
		return Candidate{}, shortfall(p, stageProvider, rules.Allow, req.ResourceIDs)
	}

	timelines, err := e.timelines(ctx, p, buffered)
	if err != nil {
		return Candidate{}, err
	}
	now := e.now()
	var found []Candidate
	furthest, decision := stageProvider, rules.Allow
	for _, primary := range p.primaries {
		if !timelines[primary.ID].Fits(buffered, 1) {
			continue
		}
		c, st, d := e.evaluate(p, timelines, primary, buffered, req.Preferences, now)
		if st == stageFit {
			found = append(found, c)
			continue
		}
		if st > furthest {
			furthest, decision = st, d
		}
	}
	if len(found) == 0 {
		return Candidate{}, shortfall(p, furthest, decision, req.ResourceIDs)
	}
	Rank(found)
	return found[0], nil
}

func shortfall(p *plan, st stage, d rules.Decision, filter []uuid.UUID) error {
	switch st {
	case stageRules:
		return apperr.RuleViolation(d.RuleID, d.Kind, d.Reason)
	case stageRoom:
		return poolConflict(catalog.KindRoom, p.service.RoomType, p.rooms)
	case stageEquipment:
		return poolConflict(catalog.KindEquipment, p.service.EquipmentType, p.equipment)
	}
	if len(filter) == 1 {
		return apperr.Conflict(string(catalog.KindProvider), filter[0])
	}
	return apperr.Conflict(string(catalog.KindProvider), "any")
}

// poolConflict names the only resource of the pool, or its type when
// several were all taken.
func poolConflict(kind catalog.ResourceKind, typeCode string, pool []*catalog.Resource) error {
	switch len(pool) {
	case 0:
		return apperr.Validation("no %s of type %q at this location", kind, typeCode)
	case 1:
		return apperr.Conflict(string(kind), pool[0].ID)
	}
	return apperr.Conflict(string(kind), "of type "+typeCode)
}

// evaluate checks secondary feasibility and rules for one primary and one
// buffered window. The stage is stageFit when the candidate qualifies; the
// decision is set when a rule rejected it.
func (e *Engine) evaluate(p *plan, tls map[uuid.UUID]*availability.Timeline, primary *catalog.Resource, buffered interval.Interval, prefs Preferences, now time.Time) (Candidate, stage, rules.Decision) {
	display := interval.Interval{
		Start: buffered.Start.Add(p.service.BufferBefore),
		End:   buffered.Start.Add(p.service.BufferBefore + p.service.Duration),
	}
	c := Candidate{Start: display.Start, End: display.End, PrimaryResourceID: primary.ID}

	if p.service.RequiresRoom {
		c.RoomOptions = feasible(p.rooms, tls, buffered, 1)
		if len(c.RoomOptions) == 0 {
			return Candidate{}, stageRoom, rules.Allow
		}
	}
	if p.service.NeedsEquipment() {
		c.EquipmentOptions = feasible(p.equipment, tls, buffered, p.service.EquipmentUnits)
		if len(c.EquipmentOptions) == 0 {
			return Candidate{}, stageEquipment, rules.Allow
		}
	}

	d := p.chain.Evaluate(rules.Input{
		Service:  p.service,
		Resource: primary,
		Slot:     display,
		Zone:     p.zone,
		Now:      now,
		Existing: tls[primary.ID].Busy,
	})
	if !d.Pass {
		return Candidate{}, stageRules, d
	}
	c.Score = score(primary, display.Start.In(p.zone), prefs)
	return c, stageFit, rules.Allow
}

func feasible(pool []*catalog.Resource, tls map[uuid.UUID]*availability.Timeline, buffered interval.Interval, units int) []uuid.UUID {
	var out []uuid.UUID
	for _, r := range pool {
		if tls[r.ID].Fits(buffered, units) {
			out = append(out, r.ID)
		}
	}
	return out
}

func score(primary *catalog.Resource, local time.Time, prefs Preferences) float64 {
	s := primary.RankWeight
	for _, id := range prefs.ResourceIDs {
		if id == primary.ID {
			s++
			break
		}
	}
	if prefs.TimeOfDay != "" && prefs.TimeOfDay == TimeOfDay(local) {
		s += 0.5
	}
	return s
}

// TimeOfDay buckets a local time.
func TimeOfDay(local time.Time) string {
	switch h := local.Hour(); {
	case h < 12:
		return Morning
	case h < 17:
		return Afternoon
	}
	return Evening
}

// Rank orders by score descending, then start, then primary resource id.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if !cs[i].Start.Equal(cs[j].Start) {
			return cs[i].Start.Before(cs[j].Start)
		}
		return cs[i].PrimaryResourceID.String() < cs[j].PrimaryResourceID.String()
	})
}

func (e *Engine) prepare(ctx context.Context, serviceID, locationID uuid.UUID, filter []uuid.UUID) (*plan, error) {
	svc, err := e.catalog.Service(ctx, serviceID)
	if err != nil {
		return nil, notFound(err, "service", serviceID)
	}
	if !svc.Active {
		return nil, apperr.NotFound("service", serviceID)
	}
	if err := svc.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	loc, err := e.catalog.Location(ctx, locationID)
	if err != nil {
		return nil, notFound(err, "location", locationID)
	}
	zone, err := loc.Zone()
	if err != nil {
		return nil, fmt.Errorf("location %s zone: %w", loc.ID, err)
	}
	p := &plan{service: svc, location: loc, zone: zone}

	if p.primaries, err = e.primaries(ctx, svc, loc.ID, filter); err != nil {
		return nil, err
	}
	if svc.RequiresRoom {
		if p.rooms, err = e.catalog.Resources(ctx, loc.ID, catalog.KindRoom, svc.RoomType); err != nil {
			return nil, err
		}
	}
	if svc.NeedsEquipment() {
		if p.equipment, err = e.catalog.Resources(ctx, loc.ID, catalog.KindEquipment, svc.EquipmentType); err != nil {
			return nil, err
		}
	}

	defs, err := e.catalog.Rules(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	if p.chain, err = e.rules.Compile(defs); err != nil {
		return nil, apperr.Validation("service %s rules: %v", svc.ID, err)
	}
	return p, nil
}

// primaries lists the service's eligible providers at the location,
// narrowed by filter. Filtered ids must exist.
func (e *Engine) primaries(ctx context.Context, svc *catalog.ServiceDefinition, locationID uuid.UUID, filter []uuid.UUID) ([]*catalog.Resource, error) {
	var eligible []*catalog.Resource
	if len(svc.ProviderIDs) > 0 {
		for _, id := range svc.ProviderIDs {
			r, err := e.catalog.Resource(ctx, id)
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if r.Active && r.LocationID == locationID {
				eligible = append(eligible, r)
			}
		}
	} else {
		all, err := e.catalog.Resources(ctx, locationID, catalog.KindProvider, "")
		if err != nil {
			return nil, err
		}
		eligible = all
	}

	if len(filter) > 0 {
		want := make(map[uuid.UUID]bool, len(filter))
		for _, id := range filter {
			if _, err := e.catalog.Resource(ctx, id); err != nil {
				return nil, notFound(err, "resource", id)
			}
			want[id] = true
		}
		kept := eligible[:0:0]
		for _, r := range eligible {
			if want[r.ID] {
				kept = append(kept, r)
			}
		}
		eligible = kept
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID.String() < eligible[j].ID.String() })
	return eligible, nil
}

// timelines loads every resource the plan touches with bounded parallelism.
func (e *Engine) timelines(ctx context.Context, p *plan, rng interval.Interval) (map[uuid.UUID]*availability.Timeline, error) {
	all := make([]*catalog.Resource, 0, len(p.primaries)+len(p.rooms)+len(p.equipment))
	all = append(all, p.primaries...)
	all = append(all, p.rooms...)
	all = append(all, p.equipment...)

	var mu sync.Mutex
	out := make(map[uuid.UUID]*availability.Timeline, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, r := range all {
		r := r
		g.Go(func() error {
			tl, err := e.avail.Timeline(gctx, r, p.location, rng)
			if err != nil {
				return err
			}
			mu.Lock()
			out[r.ID] = tl
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) resolveRange(from, to string, zone *time.Location) (interval.Interval, error) {
	cf, err := timezone.ParseCivil(from)
	if err != nil {
		return interval.Interval{}, apperr.Validation("from: %v", err)
	}
	ct, err := timezone.ParseCivil(to)
	if err != nil {
		return interval.Interval{}, apperr.Validation("to: %v", err)
	}
	start, err := cf.Resolve(zone)
	if err != nil {
		return interval.Interval{}, apperr.FromTime(err)
	}
	end, err := ct.Resolve(zone)
	if err != nil {
		return interval.Interval{}, apperr.FromTime(err)
	}
	rng, err := interval.New(start, end)
	if err != nil {
		return interval.Interval{}, apperr.Validation("to must be after from")
	}
	if rng.Duration() > e.cfg.MaxRange {
		return interval.Interval{}, apperr.Validation("range exceeds %s", e.cfg.MaxRange)
	}
	return rng, nil
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return apperr.NotFound(what, id)
	}
	return err
}
