package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/metrics"
)

// Cache is the read-optimized view of reservation occupancies, keyed by
// resource and UTC day. Request paths only read it; entries are written by
// the event consumer and by Rebuild.
type Cache struct {
	store   Store
	source  reservation.Reader
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCache builds a cache over store that rebuilds from source. Entries are
// trusted for ttl after their last rebuild.
func NewCache(store Store, source reservation.Reader, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		store:   store,
		source:  source,
		ttl:     ttl,
		metrics: m,
		logger:  logger.With().Str("component", "projection").Logger(),
		now:     time.Now,
	}
}

// Busy returns the blocking occupancies of resourceID overlapping rng. ok is
// false when any day in rng is missing or expired, and the caller should read
// the authoritative store instead.
func (c *Cache) Busy(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) ([]reservation.Occupancy, bool, error) {
	tenant := db.TenantFromContext(ctx)
	now := c.now()
	seen := make(map[uuid.UUID]bool)
	var out []reservation.Occupancy
	for _, day := range Days(rng) {
		e, found, err := c.store.Get(ctx, Key{Tenant: tenant, ResourceID: resourceID, Day: day})
		if err != nil {
			c.metrics.ProjectionRead("error")
			return nil, false, err
		}
		if !found || e.Expired(now) {
			c.metrics.ProjectionRead("miss")
			return nil, false, nil
		}
		for _, o := range e.Blocking(rng) {
			if !seen[o.ReservationID] {
				seen[o.ReservationID] = true
				out = append(out, o)
			}
		}
	}
	c.metrics.ProjectionRead("hit")
	reservation.SortOccupancies(out)
	return out, true, nil
}

// Apply folds one lifecycle event into every entry it touches. Missing or
// expired entries are rebuilt from the store instead of patched.
func (c *Cache) Apply(ctx context.Context, ev reservation.Event) error {
	changed := false
	for _, o := range reservation.Occupancies(ev.Snapshot()) {
		for _, day := range Days(o.Buffered) {
			k := Key{Tenant: ev.Tenant, ResourceID: o.ResourceID, Day: day}
			applied, err := c.applyOne(ctx, k, o)
			if err != nil {
				return fmt.Errorf("apply %s v%d to %s: %w", ev.ReservationID, ev.Version, k, err)
			}
			changed = changed || applied
		}
	}
	if changed {
		c.metrics.ProjectionEvent("applied")
	} else {
		c.metrics.ProjectionEvent("ignored")
	}
	return nil
}

func (c *Cache) applyOne(ctx context.Context, k Key, o reservation.Occupancy) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		miss, applied := false, false
		err := c.store.Update(ctx, k, func(cur *Entry, found bool) (*Entry, error) {
			if !found || cur.Expired(c.now()) {
				miss = true
				return nil, nil
			}
			if !cur.Apply(o) {
				return nil, nil
			}
			applied = true
			return cur, nil
		})
		if err != nil || !miss {
			return applied, err
		}
		if _, err := c.Rebuild(ctx, k); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Rebuild recomputes one entry from the store, including tombstones, and
// bumps its generation. Items in the current entry with a newer version
// than the store read are kept: they were written while the read ran.
func (c *Cache) Rebuild(ctx context.Context, k Key) (*Entry, error) {
	rng, err := k.Range()
	if err != nil {
		return nil, err
	}
	occ, err := c.source.Occupancies(ctx, k.ResourceID, rng, true)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", k, err)
	}

	now := c.now()
	var built *Entry
	err = c.store.Update(ctx, k, func(cur *Entry, found bool) (*Entry, error) {
		fresh := newEntry()
		for _, o := range occ {
			fresh.Apply(o)
		}
		fresh.Generation = 1
		if found {
			fresh.Generation = cur.Generation + 1
			if !cur.Expired(now) {
				for _, o := range cur.Items {
					fresh.Apply(o)
				}
			}
		}
		fresh.RebuiltAt = now.UTC()
		fresh.ValidUntil = now.Add(c.ttl).UTC()
		built = fresh
		return fresh, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", k, err)
	}
	c.logger.Debug().Str("key", k.String()).Int64("generation", built.Generation).Int("items", len(built.Items)).
		Msg("entry rebuilt")
	return built, nil
}

// RebuildRange rebuilds every UTC day of rng for one resource of the tenant
// on ctx.
func (c *Cache) RebuildRange(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) (int, error) {
	tenant := db.TenantFromContext(ctx)
	n := 0
	for _, day := range Days(rng) {
		if _, err := c.Rebuild(ctx, Key{Tenant: tenant, ResourceID: resourceID, Day: day}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Invalidate drops the entries an event touches so readers fall back to the
// store until they are rebuilt.
func (c *Cache) Invalidate(ctx context.Context, ev reservation.Event) error {
	for _, o := range reservation.Occupancies(ev.Snapshot()) {
		for _, day := range Days(o.Buffered) {
			if err := c.store.Delete(ctx, Key{Tenant: ev.Tenant, ResourceID: o.ResourceID, Day: day}); err != nil {
				return err
			}
		}
	}
	return nil
}
