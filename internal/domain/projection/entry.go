package projection

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
)

const dayLayout = "2006-01-02"

// Key addresses one entry: a resource's occupancies on one UTC day.
type Key struct {
	Tenant     string
	ResourceID uuid.UUID
	Day        string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Tenant, k.ResourceID, k.Day)
}

// Range is the UTC day the key covers.
func (k Key) Range() (interval.Interval, error) {
	start, err := time.Parse(dayLayout, k.Day)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("day %q: %w", k.Day, err)
	}
	return interval.Interval{Start: start, End: start.AddDate(0, 0, 1)}, nil
}

// Days lists the UTC days span touches. The end is exclusive, so a span
// ending at midnight does not reach the next day.
func Days(span interval.Interval) []string {
	if span.IsZero() {
		return nil
	}
	var out []string
	last := span.End.UTC().Add(-time.Nanosecond)
	for d := span.Start.UTC().Truncate(24 * time.Hour); !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(dayLayout))
	}
	return out
}

// Entry holds the latest known version of every reservation touching one
// resource-day. Non-blocking items stay as tombstones so that an older event
// delivered late cannot bring them back.
type Entry struct {
	Items      map[string]reservation.Occupancy `json:"items"`
	Generation int64                            `json:"generation"`
	RebuiltAt  time.Time                        `json:"rebuilt_at"`
	ValidUntil time.Time                        `json:"valid_until"`
}

func newEntry() *Entry {
	return &Entry{Items: make(map[string]reservation.Occupancy)}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Items = make(map[string]reservation.Occupancy, len(e.Items))
	for id, o := range e.Items {
		c.Items[id] = o
	}
	return &c
}

// Expired entries are treated as missing by readers.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ValidUntil)
}

// Apply records o unless a same or newer version is already present.
func (e *Entry) Apply(o reservation.Occupancy) bool {
	if e.Items == nil {
		e.Items = make(map[string]reservation.Occupancy)
	}
	id := o.ReservationID.String()
	if cur, ok := e.Items[id]; ok && cur.Version >= o.Version {
		return false
	}
	e.Items[id] = o
	return true
}

// Blocking returns the blocking occupancies overlapping rng.
func (e *Entry) Blocking(rng interval.Interval) []reservation.Occupancy {
	var out []reservation.Occupancy
	for _, o := range e.Items {
		if o.Status.Blocking() && o.Buffered.Overlaps(rng) {
			out = append(out, o)
		}
	}
	return out
}
