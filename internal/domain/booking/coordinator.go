package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/availability"
	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/domain/rules"
	"github.com/booking/booking/internal/domain/search"
	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/lock"
	"github.com/booking/booking/internal/platform/metrics"
	"github.com/booking/booking/internal/platform/retry"
	"github.com/booking/booking/internal/platform/timezone"
)

type Config struct {
	MaxStaleness  time.Duration
	CommitTimeout time.Duration
	Retry         retry.Policy
	HoldTTL       time.Duration
	HoldBucket    time.Duration
	HoldWait      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxStaleness:  30 * time.Second,
		CommitTimeout: 5 * time.Second,
		Retry:         retry.DefaultPolicy(),
		HoldTTL:       3 * time.Second,
		HoldBucket:    15 * time.Minute,
		HoldWait:      250 * time.Millisecond,
	}
}

// Request books one slot. A nil ResourceID asks the coordinator to pick the
// best available provider; nil RoomID and EquipmentID are filled from the
// feasible options when the service needs them.
type Request struct {
	ServiceID             uuid.UUID
	LocationID            uuid.UUID
	ResourceID            *uuid.UUID
	RoomID                *uuid.UUID
	EquipmentID           *uuid.UUID
	Start                 time.Time
	End                   time.Time
	IdempotencyKey        string
	AvailabilityFetchedAt *time.Time
	PrincipalID           string
}

// Outcome is a committed reservation. Replayed is set when the idempotency
// key was already used and the earlier reservation is returned unchanged.
type Outcome struct {
	Reservation *reservation.Reservation
	Replayed    bool
}

// Coordinator is the only writer of reservations.
type Coordinator struct {
	catalog catalog.Reader
	store   reservation.Store
	avail   *availability.Service
	engine  *search.Engine
	rules   *rules.Registry
	locker  lock.Locker
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCoordinator(cat catalog.Reader, store reservation.Store, avail *availability.Service, engine *search.Engine,
	reg *rules.Registry, locker lock.Locker, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Coordinator{
		catalog: cat,
		store:   store,
		avail:   avail,
		engine:  engine,
		rules:   reg,
		locker:  locker,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "booking").Logger(),
		now:     time.Now,
	}
}

// prepared is a validated booking ready to commit.
type prepared struct {
	service   *catalog.ServiceDefinition
	location  *catalog.Location
	zone      *time.Location
	resources map[uuid.UUID]*catalog.Resource
	bindings  []reservation.Binding
	display   interval.Interval
}

func (p *prepared) buffered() interval.Interval {
	return p.display.Pad(p.service.BufferBefore, p.service.BufferAfter)
}

// Book runs the commit protocol: validate, replay by idempotency key, reject
// stale snapshots, take advisory holds, then check and insert inside one
// serializable transaction.
func (c *Coordinator) Book(ctx context.Context, req Request) (*Outcome, error) {
	out, err := c.book(ctx, req)
	c.metrics.BookingOutcome(outcomeLabel(out, err))
	return out, err
}

func (c *Coordinator) book(ctx context.Context, req Request) (*Outcome, error) {
	if err := validateRequest(req.IdempotencyKey, req.Start, req.End); err != nil {
		return nil, err
	}
	if prior, err := c.replay(ctx, req.IdempotencyKey); prior != nil || err != nil {
		return prior, err
	}
	if req.AvailabilityFetchedAt != nil {
		if age := c.now().Sub(*req.AvailabilityFetchedAt); age > c.cfg.MaxStaleness {
			return nil, apperr.Stale(age, c.cfg.MaxStaleness)
		}
	}

	p, err := c.prepare(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	r := &reservation.Reservation{
		ID:             uuid.New(),
		Tenant:         db.TenantFromContext(ctx),
		ServiceID:      p.service.ID,
		LocationID:     p.location.ID,
		Bindings:       p.bindings,
		Start:          p.display.Start,
		End:            p.display.End,
		BufferBefore:   p.service.BufferBefore,
		BufferAfter:    p.service.BufferAfter,
		Status:         reservation.StatusConfirmed,
		Version:        1,
		IdempotencyKey: req.IdempotencyKey,
		PrincipalID:    req.PrincipalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	release := c.hold(ctx, r)
	defer release()

	err = c.commit(ctx, r.ResourceIDs(), func(ctx context.Context, tx reservation.Tx) error {
		if err := c.checkConflicts(ctx, tx, p, uuid.Nil); err != nil {
			return err
		}
		if err := tx.Insert(ctx, r); err != nil {
			return err
		}
		return tx.Enqueue(ctx, reservation.NewEvent(reservation.EventConfirmed, r, now))
	})
	if errors.Is(err, reservation.ErrDuplicateKey) {
		// lost a race on the same key: the winner's reservation is the answer
		return c.replay(ctx, req.IdempotencyKey)
	}
	if apperr.KindOf(err) == apperr.KindConflict {
		// the slot may be taken by a concurrent retry of this very request
		prior, rerr := c.replay(ctx, req.IdempotencyKey)
		if rerr != nil {
			c.logger.Debug().Err(rerr).Str("idempotency_key", req.IdempotencyKey).Msg("replay lookup after conflict failed")
		}
		if prior != nil {
			return prior, nil
		}
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("tenant", r.Tenant).Str("reservation_id", r.ID.String()).
		Str("primary", r.Primary().ResourceID.String()).Time("start", r.Start).Msg("reservation confirmed")
	return &Outcome{Reservation: r}, nil
}

func (c *Coordinator) replay(ctx context.Context, key string) (*Outcome, error) {
	prior, err := c.store.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("idempotency lookup: %w", err))
	}
	return &Outcome{Reservation: prior, Replayed: true}, nil
}

func validateRequest(key string, start, end time.Time) error {
	if key == "" {
		return apperr.Validation("idempotency_key is required")
	}
	if len(key) > 255 {
		return apperr.Validation("idempotency_key must be at most 255 characters")
	}
	if start.IsZero() || end.IsZero() {
		return apperr.Validation("start and end are required")
	}
	if !end.After(start) {
		return apperr.Validation("end must be after start")
	}
	return nil
}

// prepare validates the request against the catalog, resolves bindings and
// runs the rule chain. exclude names a reservation whose occupancies are
// ignored, used when it is being replaced.
func (c *Coordinator) prepare(ctx context.Context, req Request, exclude *uuid.UUID) (*prepared, error) {
	svc, err := c.catalog.Service(ctx, req.ServiceID)
	if err != nil {
		return nil, lookupErr(err, "service", req.ServiceID)
	}
	if !svc.Active {
		return nil, apperr.NotFound("service", req.ServiceID)
	}
	if err := svc.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	loc, err := c.catalog.Location(ctx, req.LocationID)
	if err != nil {
		return nil, lookupErr(err, "location", req.LocationID)
	}
	zone, err := loc.Zone()
	if err != nil {
		return nil, fmt.Errorf("location %s zone: %w", loc.ID, err)
	}

	display := interval.Interval{Start: req.Start.UTC(), End: req.End.UTC()}
	if display.Duration() != svc.Duration {
		return nil, apperr.Validation("slot must last %s for this service", svc.Duration)
	}
	if display.Start.Before(c.now().Add(svc.LeadTime)) {
		return nil, apperr.Validation("start must be at least %s from now", svc.LeadTime)
	}

	p := &prepared{service: svc, location: loc, zone: zone, display: display, resources: map[uuid.UUID]*catalog.Resource{}}
	if err := c.bind(ctx, p, req); err != nil {
		return nil, err
	}

	buffered := p.buffered()
	for _, b := range p.bindings {
		res := p.resources[b.ResourceID]
		working, err := c.avail.Working(ctx, res, loc, buffered)
		if err != nil {
			return nil, err
		}
		if !working.Covers(buffered) {
			return nil, apperr.Validation("%s %s is not available at the requested time", res.Kind, res.ID)
		}
	}

	if err := c.checkRules(ctx, p, exclude); err != nil {
		return nil, err
	}
	return p, nil
}

// bind resolves the primary and any secondary resources.
func (c *Coordinator) bind(ctx context.Context, p *prepared, req Request) error {
	svc := p.service
	needRoom := svc.RequiresRoom && req.RoomID == nil
	needEquipment := svc.NeedsEquipment() && req.EquipmentID == nil

	// a named provider is checked before picking so an ineligible one is a
	// validation error rather than a conflict
	if req.ResourceID != nil {
		if err := c.checkPrimary(ctx, p, *req.ResourceID); err != nil {
			return err
		}
	}

	var picked search.Candidate
	if req.ResourceID == nil || needRoom || needEquipment {
		pick := search.PickRequest{ServiceID: svc.ID, LocationID: p.location.ID, Start: p.display.Start}
		if req.ResourceID != nil {
			pick.ResourceIDs = []uuid.UUID{*req.ResourceID}
		}
		var err error
		if picked, err = c.engine.Pick(ctx, pick); err != nil {
			return err
		}
	}

	primaryID := picked.PrimaryResourceID
	if req.ResourceID != nil {
		primaryID = *req.ResourceID
	} else if err := c.checkPrimary(ctx, p, primaryID); err != nil {
		return err
	}
	primary := p.resources[primaryID]
	p.bindings = append(p.bindings, reservation.Binding{ResourceID: primary.ID, Kind: primary.Kind, Units: 1, Primary: true})

	if svc.RequiresRoom {
		roomID := firstOr(req.RoomID, picked.RoomOptions)
		room, err := c.resource(ctx, p, roomID, catalog.KindRoom, svc.RoomType)
		if err != nil {
			return err
		}
		p.bindings = append(p.bindings, reservation.Binding{ResourceID: room.ID, Kind: room.Kind, Units: 1})
	}
	if svc.NeedsEquipment() {
		eqID := firstOr(req.EquipmentID, picked.EquipmentOptions)
		eq, err := c.resource(ctx, p, eqID, catalog.KindEquipment, svc.EquipmentType)
		if err != nil {
			return err
		}
		if svc.EquipmentUnits > eq.Capacity() {
			return apperr.Validation("equipment %s has only %d units", eq.ID, eq.Capacity())
		}
		p.bindings = append(p.bindings, reservation.Binding{ResourceID: eq.ID, Kind: eq.Kind, Units: svc.EquipmentUnits})
	}
	return nil
}

func (c *Coordinator) checkPrimary(ctx context.Context, p *prepared, id uuid.UUID) error {
	primary, err := c.resource(ctx, p, id, catalog.KindProvider, "")
	if err != nil {
		return err
	}
	if len(p.service.ProviderIDs) > 0 && !contains(p.service.ProviderIDs, primary.ID) {
		return apperr.Validation("provider %s does not offer this service", primary.ID)
	}
	return nil
}

func (c *Coordinator) resource(ctx context.Context, p *prepared, id uuid.UUID, kind catalog.ResourceKind, typeCode string) (*catalog.Resource, error) {
	r, err := c.catalog.Resource(ctx, id)
	if err != nil {
		return nil, lookupErr(err, string(kind), id)
	}
	switch {
	case !r.Active:
		return nil, apperr.NotFound(string(kind), id)
	case r.Kind != kind:
		return nil, apperr.Validation("resource %s is a %s, not a %s", id, r.Kind, kind)
	case r.LocationID != p.location.ID:
		return nil, apperr.Validation("resource %s is not at location %s", id, p.location.ID)
	case typeCode != "" && r.TypeCode != typeCode:
		return nil, apperr.Validation("resource %s is not of type %s", id, typeCode)
	}
	p.resources[r.ID] = r
	return r, nil
}

// checkRules evaluates the service's rules against authoritative occupancies
// of the primary resource.
func (c *Coordinator) checkRules(ctx context.Context, p *prepared, exclude *uuid.UUID) error {
	defs, err := c.catalog.Rules(ctx, p.service.ID)
	if err != nil {
		return err
	}
	chain, err := c.rules.Compile(defs)
	if err != nil {
		return apperr.Validation("service %s rules: %v", p.service.ID, err)
	}
	if chain.Len() == 0 {
		return nil
	}
	primary := p.resources[p.bindings[0].ResourceID]
	dayStart, _ := timezone.DayBounds(p.display.Start, p.zone)
	_, dayEnd := timezone.DayBounds(p.display.End.Add(-time.Nanosecond), p.zone)
	existing, err := c.store.Occupancies(ctx, primary.ID, interval.Interval{Start: dayStart, End: dayEnd}, false)
	if err != nil {
		return apperr.Transient(fmt.Errorf("load occupancies: %w", err))
	}
	if exclude != nil {
		kept := existing[:0]
		for _, o := range existing {
			if o.ReservationID != *exclude {
				kept = append(kept, o)
			}
		}
		existing = kept
	}
	d := chain.Evaluate(rules.Input{
		Service:  p.service,
		Resource: primary,
		Slot:     p.display,
		Zone:     p.zone,
		Now:      c.now(),
		Existing: existing,
	})
	if !d.Pass {
		return apperr.RuleViolation(d.RuleID, d.Kind, d.Reason)
	}
	return nil
}

// checkConflicts re-checks every binding inside the transaction. This is the
// only overlap check that guarantees safety.
func (c *Coordinator) checkConflicts(ctx context.Context, tx reservation.Tx, p *prepared, exclude uuid.UUID) error {
	buffered := p.buffered()
	for _, b := range p.bindings {
		occ, err := tx.Occupancies(ctx, b.ResourceID, buffered)
		if err != nil {
			return err
		}
		loads := make([]interval.Load, 0, len(occ))
		for _, o := range occ {
			if o.ReservationID != exclude && o.Status.Blocking() {
				loads = append(loads, interval.Load{Span: o.Buffered, Units: o.Units})
			}
		}
		capacity := p.resources[b.ResourceID].Capacity()
		if interval.Peak(buffered, loads)+b.Units > capacity {
			return apperr.Conflict(string(b.Kind), b.ResourceID)
		}
	}
	return nil
}

// commit runs fn in one serializable transaction holding the resource locks,
// bounded by the commit timeout and retried on serialization failures.
func (c *Coordinator) commit(ctx context.Context, ids []uuid.UUID, fn func(ctx context.Context, tx reservation.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	tries := 0
	err := retry.Do(ctx, c.cfg.Retry, retryable, func(ctx context.Context) error {
		tries++
		return c.store.InTx(ctx, func(ctx context.Context, tx reservation.Tx) error {
			if err := tx.LockResources(ctx, ids); err != nil {
				return err
			}
			return fn(ctx, tx)
		})
	})
	c.metrics.CommitTries(tries)

	var typed *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &typed), errors.Is(err, reservation.ErrDuplicateKey), errors.Is(err, reservation.ErrNotFound):
		return err
	case ctx.Err() != nil:
		return apperr.Transient(fmt.Errorf("commit timed out after %d attempts: %w", tries, err))
	}
	return apperr.Transient(fmt.Errorf("commit failed after %d attempts: %w", tries, err))
}

func retryable(err error) bool {
	return db.IsRetryable(err) || errors.Is(err, reservation.ErrVersionConflict)
}

// hold takes advisory tokens for every bound resource and time bucket the
// buffered span touches. Failing to get a token only costs contention.
func (c *Coordinator) hold(ctx context.Context, r *reservation.Reservation) func() {
	if c.cfg.HoldTTL <= 0 || c.cfg.HoldBucket <= 0 {
		return func() {}
	}
	span := r.Buffered()
	var held []lock.Token
	for _, id := range r.ResourceIDs() {
		for b := span.Start.Truncate(c.cfg.HoldBucket); b.Before(span.End); b = b.Add(c.cfg.HoldBucket) {
			key := fmt.Sprintf("%s:%s:%d", r.Tenant, id, b.Unix())
			tok, err := lock.AcquireWait(ctx, c.locker, key, c.cfg.HoldTTL, c.cfg.HoldWait)
			if err != nil {
				c.logger.Debug().Err(err).Str("key", key).Msg("proceeding without hold")
				continue
			}
			held = append(held, tok)
		}
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		for _, tok := range held {
			if err := c.locker.Release(rctx, tok); err != nil {
				c.logger.Warn().Err(err).Str("key", tok.Key).Msg("release hold")
			}
		}
	}
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	r, err := c.store.Get(ctx, id)
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, apperr.NotFound("reservation", id)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return r, nil
}

func lookupErr(err error, what string, id uuid.UUID) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return apperr.NotFound(what, id)
	}
	return apperr.Transient(fmt.Errorf("load %s %s: %w", what, id, err))
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err != nil:
		return string(apperr.KindOf(err))
	case out.Replayed:
		return "replayed"
	}
	return "created"
}

func firstOr(id *uuid.UUID, options []uuid.UUID) uuid.UUID {
	if id != nil {
		return *id
	}
	if len(options) > 0 {
		return options[0]
	}
	return uuid.Nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
