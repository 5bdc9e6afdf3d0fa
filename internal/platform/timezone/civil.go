package timezone

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNonexistent = errors.New("local time does not exist in zone")
	ErrAmbiguous   = errors.New("local time is ambiguous in zone")
)

// Civil is a wall-clock date and time with no zone attached.
type Civil struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

var civilLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseCivil accepts a local date or date-time without an offset.
func ParseCivil(s string) (Civil, error) {
	for _, layout := range civilLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return CivilOf(t), nil
		}
	}
	return Civil{}, fmt.Errorf("invalid local time %q: expected YYYY-MM-DD[THH:MM[:SS]]", s)
}

// CivilOf returns the wall clock reading of t in its own location.
func CivilOf(t time.Time) Civil {
	return Civil{
		Year: t.Year(), Month: t.Month(), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
	}
}

func (c Civil) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

func (c Civil) naive() time.Time {
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, 0, time.UTC)
}

// Resolve maps the wall clock reading onto a single instant in loc. A reading
// skipped by a forward transition yields ErrNonexistent; one repeated by a
// backward transition yields ErrAmbiguous. Neither is silently shifted.
func (c Civil) Resolve(loc *time.Location) (time.Time, error) {
	naive := c.naive()
	offsets := map[int]struct{}{}
	for _, probe := range []time.Duration{-36 * time.Hour, 0, 36 * time.Hour} {
		_, off := naive.Add(probe).In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var matches []time.Time
	for off := range offsets {
		candidate := naive.Add(-time.Duration(off) * time.Second)
		if CivilOf(candidate.In(loc)) == c {
			matches = append(matches, candidate.UTC())
		}
	}

	switch {
	case len(matches) == 0:
		return time.Time{}, fmt.Errorf("%s in %s: %w", c, loc, ErrNonexistent)
	case len(matches) > 1 && !matches[0].Equal(matches[1]):
		return time.Time{}, fmt.Errorf("%s in %s: %w", c, loc, ErrAmbiguous)
	}
	return matches[0], nil
}

// Lenient maps the reading onto an instant without rejecting transitions.
// Gaps move forward by the transition length and repeated readings take the
// earlier instant. It is used for catalog data such as recurring hours.
func (c Civil) Lenient(loc *time.Location) time.Time {
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, 0, loc).UTC()
}

var (
	zoneMu    sync.RWMutex
	zoneCache = map[string]*time.Location{}
)

// Load returns the IANA zone, caching lookups.
func Load(name string) (*time.Location, error) {
	zoneMu.RLock()
	loc, ok := zoneCache[name]
	zoneMu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", name, err)
	}
	zoneMu.Lock()
	zoneCache[name] = loc
	zoneMu.Unlock()
	return loc, nil
}

// DayBounds returns the UTC instants of local midnight starting the day that
// contains t and the following local midnight.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return start.UTC(), end.UTC()
}
