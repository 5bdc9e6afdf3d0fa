package interval

import (
	"sort"
	"time"
)

// Load is a span that consumes a number of units of a pooled resource.
type Load struct {
	Span  Interval
	Units int
}

type edge struct {
	at    time.Time
	delta int
}

// edges returns the load boundaries ordered by time, with releases ahead of
// acquisitions at the same instant so back-to-back loads never stack.
func edges(loads []Load) []edge {
	out := make([]edge, 0, len(loads)*2)
	for _, l := range loads {
		if l.Span.IsZero() || l.Units <= 0 {
			continue
		}
		out = append(out, edge{l.Span.Start, l.Units}, edge{l.Span.End, -l.Units})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].at.Equal(out[b].at) {
			return out[a].delta < out[b].delta
		}
		return out[a].at.Before(out[b].at)
	})
	return out
}

// Peak returns the highest number of units held concurrently at any instant
// of window.
func Peak(window Interval, loads []Load) int {
	var clipped []Load
	for _, l := range loads {
		if part, ok := l.Span.Intersection(window); ok {
			clipped = append(clipped, Load{Span: part, Units: l.Units})
		}
	}
	peak, cur := 0, 0
	for _, e := range edges(clipped) {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

// Saturated returns the instants at which the loads hold at least capacity
// units. For capacity 1 this is the merged union of the loads.
func Saturated(loads []Load, capacity int) Set {
	var out []Interval
	cur := 0
	var since time.Time
	for _, e := range edges(loads) {
		before := cur
		cur += e.delta
		switch {
		case before < capacity && cur >= capacity:
			since = e.at
		case before >= capacity && cur < capacity:
			out = append(out, Interval{Start: since, End: e.at})
		}
	}
	return Merge(out...)
}
