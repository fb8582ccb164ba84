package visibility

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 4, 1, h, m, 0, 0, time.UTC)
}

func TestCoalesceMergesTouchingAndOverlapping(t *testing.T) {
	got := Coalesce([]Interval{
		{at(3, 0), at(4, 0)},
		{at(0, 0), at(1, 0)},
		{at(1, 0), at(2, 0)},
		{at(0, 30), at(1, 30)},
	})
	want := []Interval{
		{at(0, 0), at(2, 0)},
		{at(3, 0), at(4, 0)},
	}
	if len(got) != len(want) {
		t.Fatalf("coalesced = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLargestAndTotal(t *testing.T) {
	set := []Interval{
		{at(0, 0), at(1, 0)},
		{at(2, 0), at(4, 30)},
	}
	if got := Largest(set); got != 150*time.Minute {
		t.Errorf("Largest = %v, want 2h30m", got)
	}
	if got := Total(set); got != 210*time.Minute {
		t.Errorf("Total = %v, want 3h30m", got)
	}
	if got := Largest(nil); got != 0 {
		t.Errorf("Largest(nil) = %v, want 0", got)
	}
}

func TestIntersect(t *testing.T) {
	a := []Interval{{at(0, 0), at(2, 0)}, {at(3, 0), at(5, 0)}}
	b := []Interval{{at(1, 0), at(4, 0)}}
	got := Intersect(a, b)
	want := []Interval{{at(1, 0), at(2, 0)}, {at(3, 0), at(4, 0)}}
	if len(got) != len(want) {
		t.Fatalf("Intersect = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
	if got := Intersect(a, nil); got != nil {
		t.Errorf("Intersect with empty = %v, want nil", got)
	}
}

func TestSubtract(t *testing.T) {
	a := []Interval{{at(0, 0), at(4, 0)}}
	holes := []Interval{{at(1, 0), at(2, 0)}, {at(3, 30), at(5, 0)}}
	got := Subtract(a, holes)
	want := []Interval{
		{at(0, 0), at(1, 0)},
		{at(2, 0), at(3, 30)},
	}
	if len(got) != len(want) {
		t.Fatalf("Subtract = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
}
