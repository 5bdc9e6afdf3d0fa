package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/platform/timezone"
)

// ResourceKind tags a Resource. Capacity follows from the tag: providers and
// rooms hold one reservation at a time, equipment may be pooled.
type ResourceKind string

const (
	KindProvider  ResourceKind = "provider"
	KindRoom      ResourceKind = "room"
	KindEquipment ResourceKind = "equipment"
)

var validResourceKinds = map[ResourceKind]bool{
	KindProvider:  true,
	KindRoom:      true,
	KindEquipment: true,
}

func (k ResourceKind) Valid() bool { return validResourceKinds[k] }

type Resource struct {
	ID         uuid.UUID    `json:"id"`
	Kind       ResourceKind `json:"kind"`
	Name       string       `json:"name"`
	LocationID uuid.UUID    `json:"location_id"`
	TypeCode   string       `json:"type_code,omitempty"`
	Units      int          `json:"units"`
	RankWeight float64      `json:"rank_weight"`
	Active     bool         `json:"active"`
}

// Capacity is the number of units that may be reserved concurrently.
func (r *Resource) Capacity() int {
	if r.Kind == KindEquipment && r.Units > 1 {
		return r.Units
	}
	return 1
}

func (r *Resource) Pooled() bool { return r.Capacity() > 1 }

type WindowKind string

const (
	WindowAvailable   WindowKind = "available"
	WindowUnavailable WindowKind = "unavailable"
	WindowOverride    WindowKind = "override"
)

// Recurrence repeats a window weekly between local wall-clock times.
type Recurrence struct {
	Weekdays  []time.Weekday `json:"weekdays"`
	StartTime string         `json:"start_time"`
	EndTime   string         `json:"end_time"`
	From      string         `json:"from,omitempty"`
	Until     string         `json:"until,omitempty"`
}

// AvailabilityWindow is either a one-off UTC span or a weekly recurrence.
type AvailabilityWindow struct {
	ID         uuid.UUID   `json:"id"`
	ResourceID uuid.UUID   `json:"resource_id"`
	Kind       WindowKind  `json:"kind"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
}

// Expand returns the window's spans that intersect rng. Recurring windows are
// laid out in loc.
func (w *AvailabilityWindow) Expand(loc *time.Location, rng interval.Interval) (interval.Set, error) {
	if w.Recurrence == nil {
		iv, err := interval.New(w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", w.ID, err)
		}
		return interval.Set{iv}.Clip(rng), nil
	}
	return w.Recurrence.expand(loc, rng)
}

func (r *Recurrence) expand(loc *time.Location, rng interval.Interval) (interval.Set, error) {
	startMin, err := parseClock(r.StartTime)
	if err != nil {
		return nil, err
	}
	endMin, err := parseClock(r.EndTime)
	if err != nil {
		return nil, err
	}
	if endMin <= startMin {
		return nil, fmt.Errorf("recurrence end %s must be after start %s", r.EndTime, r.StartTime)
	}
	days := map[time.Weekday]bool{}
	for _, d := range r.Weekdays {
		days[d] = true
	}

	var spans []interval.Interval
	eachLocalDay(loc, rng, func(day timezone.Civil, wd time.Weekday) {
		if !days[wd] || !r.effective(day) {
			return
		}
		s := atMinute(day, startMin).Lenient(loc)
		e := atMinute(day, endMin).Lenient(loc)
		if iv, err := interval.New(s, e); err == nil {
			spans = append(spans, iv)
		}
	})
	return interval.Merge(spans...).Clip(rng), nil
}

func (r *Recurrence) effective(day timezone.Civil) bool {
	d := fmt.Sprintf("%04d-%02d-%02d", day.Year, day.Month, day.Day)
	if r.From != "" && d < r.From {
		return false
	}
	if r.Until != "" && d > r.Until {
		return false
	}
	return true
}

// OpeningHours is one weekday's operating span at a location, local time.
type OpeningHours struct {
	Weekday time.Weekday `json:"weekday"`
	Open    string       `json:"open"`
	Close   string       `json:"close"`
}

type Location struct {
	ID       uuid.UUID      `json:"id"`
	Name     string         `json:"name"`
	TimeZone string         `json:"time_zone"`
	Hours    []OpeningHours `json:"hours"`
}

func (l *Location) Zone() (*time.Location, error) {
	if l.TimeZone == "" {
		return time.UTC, nil
	}
	return timezone.Load(l.TimeZone)
}

// OperatingHours returns the location's open spans within rng. A location
// without configured hours is open around the clock.
func (l *Location) OperatingHours(rng interval.Interval) (interval.Set, error) {
	if len(l.Hours) == 0 {
		return interval.Set{rng}, nil
	}
	loc, err := l.Zone()
	if err != nil {
		return nil, err
	}
	byDay := map[time.Weekday][]OpeningHours{}
	for _, h := range l.Hours {
		byDay[h.Weekday] = append(byDay[h.Weekday], h)
	}

	var spans []interval.Interval
	var parseErr error
	eachLocalDay(loc, rng, func(day timezone.Civil, wd time.Weekday) {
		for _, h := range byDay[wd] {
			open, err := parseClock(h.Open)
			if err != nil {
				parseErr = err
				return
			}
			closing, err := parseClock(h.Close)
			if err != nil {
				parseErr = err
				return
			}
			s := atMinute(day, open).Lenient(loc)
			e := atMinute(day, closing).Lenient(loc)
			if iv, err := interval.New(s, e); err == nil {
				spans = append(spans, iv)
			}
		}
	})
	if parseErr != nil {
		return nil, fmt.Errorf("location %s hours: %w", l.ID, parseErr)
	}
	return interval.Merge(spans...).Clip(rng), nil
}

// ServiceDefinition describes what a reservation of this service occupies.
type ServiceDefinition struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Duration       time.Duration `json:"duration"`
	BufferBefore   time.Duration `json:"buffer_before"`
	BufferAfter    time.Duration `json:"buffer_after"`
	RequiresRoom   bool          `json:"requires_room"`
	RoomType       string        `json:"room_type,omitempty"`
	EquipmentType  string        `json:"equipment_type,omitempty"`
	EquipmentUnits int           `json:"equipment_units,omitempty"`
	LeadTime       time.Duration `json:"lead_time"`
	ProviderIDs    []uuid.UUID   `json:"provider_ids"`
	Active         bool          `json:"active"`
}

func (s *ServiceDefinition) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("service %s: duration must be positive", s.ID)
	}
	if s.BufferBefore < 0 || s.BufferAfter < 0 {
		return fmt.Errorf("service %s: buffers must not be negative", s.ID)
	}
	if s.EquipmentType != "" && s.EquipmentUnits <= 0 {
		return fmt.Errorf("service %s: equipment units must be positive", s.ID)
	}
	return nil
}

// TotalSpan is the time a reservation blocks its resources.
func (s *ServiceDefinition) TotalSpan() time.Duration {
	return s.BufferBefore + s.Duration + s.BufferAfter
}

func (s *ServiceDefinition) NeedsEquipment() bool { return s.EquipmentType != "" }

// PolicyRule is a typed, prioritized predicate attached to a service.
type PolicyRule struct {
	ID        uuid.UUID       `json:"id"`
	ServiceID uuid.UUID       `json:"service_id"`
	Kind      string          `json:"kind"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Active    bool            `json:"active"`
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

func atMinute(day timezone.Civil, minute int) timezone.Civil {
	day.Hour = minute / 60
	day.Minute = minute % 60
	day.Second = 0
	return day
}

// eachLocalDay calls fn for every local calendar day overlapping rng, with a
// day of slack on both ends for spans crossing midnight.
func eachLocalDay(loc *time.Location, rng interval.Interval, fn func(day timezone.Civil, wd time.Weekday)) {
	first := rng.Start.In(loc).AddDate(0, 0, -1)
	last := rng.End.In(loc)
	d := time.Date(first.Year(), first.Month(), first.Day(), 12, 0, 0, 0, loc)
	for !d.After(last.AddDate(0, 0, 1)) {
		fn(timezone.Civil{Year: d.Year(), Month: d.Month(), Day: d.Day()}, d.Weekday())
		d = d.AddDate(0, 0, 1)
	}
}
