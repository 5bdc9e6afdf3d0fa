package interval

import (
	"errors"
	"sort"
	"time"
)

var ErrEmpty = errors.New("interval: end must be after start")

// Interval is a half-open span [Start, End). Two intervals that merely touch
// (a.End == b.Start) do not overlap.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New returns the interval [start, end) normalized to UTC.
func New(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, ErrEmpty
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// Must is New for literals known to be valid.
func Must(start, end time.Time) Interval {
	i, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return i
}

func (i Interval) IsZero() bool { return !i.End.After(i.Start) }

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps reports whether i and o share at least one instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether o lies entirely inside i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

// Pad widens the interval by before and after. It is how a display interval
// becomes a conflict interval.
func (i Interval) Pad(before, after time.Duration) Interval {
	return Interval{Start: i.Start.Add(-before), End: i.End.Add(after)}
}

// Intersection returns the common part of i and o and whether it is non-empty.
func (i Interval) Intersection(o Interval) (Interval, bool) {
	start := maxTime(i.Start, o.Start)
	end := minTime(i.End, o.End)
	if !end.After(start) {
		return Interval{}, false
	}
	return Interval{Start: start, End: end}, true
}

// Set is an ordered sequence of disjoint, non-adjacent intervals. Every
// operation on a Set returns a Set.
type Set []Interval

// Merge builds a Set from arbitrary intervals, coalescing overlapping and
// adjacent ones. Empty intervals are dropped.
func Merge(items ...Interval) Set {
	sorted := make([]Interval, 0, len(items))
	for _, it := range items {
		if !it.IsZero() {
			sorted = append(sorted, it)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start.Equal(sorted[b].Start) {
			return sorted[a].End.Before(sorted[b].End)
		}
		return sorted[a].Start.Before(sorted[b].Start)
	})

	out := Set{sorted[0]}
	for _, it := range sorted[1:] {
		last := &out[len(out)-1]
		if !it.Start.After(last.End) {
			if it.End.After(last.End) {
				last.End = it.End
			}
			continue
		}
		out = append(out, it)
	}
	return out
}

func (s Set) Union(o Set) Set {
	all := make([]Interval, 0, len(s)+len(o))
	all = append(all, s...)
	all = append(all, o...)
	return Merge(all...)
}

// Intersect returns the instants present in both sets.
func (s Set) Intersect(o Set) Set {
	var out Set
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		if part, ok := s[i].Intersection(o[j]); ok {
			out = append(out, part)
		}
		if s[i].End.Before(o[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}

// Subtract removes every instant of o from s.
func (s Set) Subtract(o Set) Set {
	var out Set
	j := 0
	for _, cur := range s {
		for j < len(o) && !o[j].End.After(cur.Start) {
			j++
		}
		start := cur.Start
		k := j
		for k < len(o) && o[k].Start.Before(cur.End) {
			if o[k].Start.After(start) {
				out = append(out, Interval{Start: start, End: o[k].Start})
			}
			if o[k].End.After(start) {
				start = o[k].End
			}
			k++
		}
		if cur.End.After(start) {
			out = append(out, Interval{Start: start, End: cur.End})
		}
	}
	return out
}

// Clip restricts the set to r.
func (s Set) Clip(r Interval) Set {
	return s.Intersect(Set{r})
}

// Covers reports whether a single member of the set contains i.
func (s Set) Covers(i Interval) bool {
	idx := sort.Search(len(s), func(k int) bool { return s[k].End.After(i.Start) })
	return idx < len(s) && s[idx].Contains(i)
}

func (s Set) Total() time.Duration {
	var d time.Duration
	for _, it := range s {
		d += it.Duration()
	}
	return d
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
