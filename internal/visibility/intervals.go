package visibility

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) span of time. Invariant: End is
// never before Start.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns the interval length.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Coalesce sorts intervals and merges any that touch or overlap.
func Coalesce(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Largest returns the longest interval's duration, zero when empty.
func Largest(intervals []Interval) time.Duration {
	var max time.Duration
	for _, iv := range intervals {
		if d := iv.Duration(); d > max {
			max = d
		}
	}
	return max
}

// Total returns the summed duration of the intervals.
func Total(intervals []Interval) time.Duration {
	var sum time.Duration
	for _, iv := range intervals {
		sum += iv.Duration()
	}
	return sum
}

// Intersect returns the pairwise intersection of two coalesced interval
// sets.
func Intersect(a, b []Interval) []Interval {
	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := a[i].Start
		if b[j].Start.After(start) {
			start = b[j].Start
		}
		end := a[i].End
		if b[j].End.Before(end) {
			end = b[j].End
		}
		if end.After(start) {
			out = append(out, Interval{Start: start, End: end})
		}
		if a[i].End.Before(b[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}

// Subtract removes the spans of b from a. Both inputs must be coalesced.
func Subtract(a, b []Interval) []Interval {
	var out []Interval
	for _, iv := range a {
		remaining := []Interval{iv}
		for _, hole := range b {
			var next []Interval
			for _, r := range remaining {
				if !hole.Start.Before(r.End) || !hole.End.After(r.Start) {
					next = append(next, r)
					continue
				}
				if hole.Start.After(r.Start) {
					next = append(next, Interval{Start: r.Start, End: hole.Start})
				}
				if hole.End.Before(r.End) {
					next = append(next, Interval{Start: hole.End, End: r.End})
				}
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return out
}
