package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/timezone"
)

// BusySource is a fast, possibly stale view of blocking occupancies. ok is
// false on a miss or an expired entry, and the caller must then read the
// authoritative store.
type BusySource interface {
	Busy(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) (occ []reservation.Occupancy, ok bool, err error)
}

const (
	SourceProjection = "projection"
	SourceStore      = "store"
)

// Timeline is one resource's calendar over a range: where it works and what
// already holds it.
type Timeline struct {
	Resource *catalog.Resource
	Range    interval.Interval
	Working  interval.Set
	Busy     []reservation.Occupancy
	Source   string
}

// Free is the working time not held by blocking reservations. For pooled
// resources only instants at full capacity count as held.
func (t *Timeline) Free() interval.Set {
	return t.Working.Subtract(interval.Saturated(reservation.Loads(t.Busy), t.Resource.Capacity()))
}

// Fits reports whether span lies in working time and units more can be held
// for all of it.
func (t *Timeline) Fits(span interval.Interval, units int) bool {
	if !t.Working.Covers(span) {
		return false
	}
	return interval.Peak(span, reservation.Loads(t.Busy))+units <= t.Resource.Capacity()
}

type Service struct {
	catalog      catalog.Reader
	reservations reservation.Reader
	busy         BusySource
}

// NewService builds the interval store. busy may be nil, in which case every
// read goes to the reservation store.
func NewService(cat catalog.Reader, res reservation.Reader, busy BusySource) *Service {
	return &Service{catalog: cat, reservations: res, busy: busy}
}

// Working is the resource's available windows within the location's
// operating hours, less unavailable and override windows.
func (s *Service) Working(ctx context.Context, res *catalog.Resource, loc *catalog.Location, rng interval.Interval) (interval.Set, error) {
	zone, err := loc.Zone()
	if err != nil {
		return nil, err
	}
	windows, err := s.catalog.Windows(ctx, res.ID, rng)
	if err != nil {
		return nil, fmt.Errorf("load windows for %s: %w", res.ID, err)
	}
	var open, closed interval.Set
	for _, w := range windows {
		spans, err := w.Expand(zone, rng)
		if err != nil {
			return nil, err
		}
		if w.Kind == catalog.WindowAvailable {
			open = open.Union(spans)
		} else {
			closed = closed.Union(spans)
		}
	}
	hours, err := loc.OperatingHours(rng)
	if err != nil {
		return nil, err
	}
	return open.Intersect(hours).Subtract(closed), nil
}

// Timeline loads working time and blocking occupancies for res over rng.
// Occupancies cover the whole local days touched by rng so day-scoped rules
// see every reservation they count.
func (s *Service) Timeline(ctx context.Context, res *catalog.Resource, loc *catalog.Location, rng interval.Interval) (*Timeline, error) {
	working, err := s.Working(ctx, res, loc, rng)
	if err != nil {
		return nil, err
	}
	zone, err := loc.Zone()
	if err != nil {
		return nil, err
	}
	busyRange := localDays(rng, zone)

	t := &Timeline{Resource: res, Range: rng, Working: working}
	if s.busy != nil {
		occ, ok, err := s.busy.Busy(ctx, res.ID, busyRange)
		if err == nil && ok {
			t.Busy, t.Source = occ, SourceProjection
			return t, nil
		}
	}
	occ, err := s.reservations.Occupancies(ctx, res.ID, busyRange, false)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("load occupancies for %s: %w", res.ID, err))
	}
	t.Busy, t.Source = occ, SourceStore
	return t, nil
}

// FreeIntervals returns the resource's free time within rng, merged and
// ordered.
func (s *Service) FreeIntervals(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) (interval.Set, error) {
	res, err := s.catalog.Resource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apperr.NotFound("resource", resourceID)
		}
		return nil, err
	}
	loc, err := s.catalog.Location(ctx, res.LocationID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apperr.NotFound("location", res.LocationID)
		}
		return nil, err
	}
	t, err := s.Timeline(ctx, res, loc, rng)
	if err != nil {
		return nil, err
	}
	return t.Free(), nil
}

func localDays(rng interval.Interval, zone *time.Location) interval.Interval {
	start, _ := timezone.DayBounds(rng.Start, zone)
	_, end := timezone.DayBounds(rng.End.Add(-time.Nanosecond), zone)
	return interval.Interval{Start: start, End: end}
}
