package cadence

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/visibility"
	"github.com/signalsfoundry/observation-portal/model"
)

// nightOnly reports visibility covering 00:00-08:00 UTC of every day.
type nightOnly struct{}

func (nightOnly) SiteIntervals(_ context.Context, req *model.Request) (map[string][]visibility.Interval, error) {
	var out []visibility.Interval
	for _, w := range req.Windows {
		day := time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), 0, 0, 0, 0, time.UTC)
		for d := day; d.Before(w.End); d = d.Add(24 * time.Hour) {
			night := visibility.Interval{Start: d, End: d.Add(8 * time.Hour)}
			if night.Start.Before(w.Start) {
				night.Start = w.Start
			}
			if night.End.After(w.End) {
				night.End = w.End
			}
			if night.End.After(night.Start) {
				out = append(out, night)
			}
		}
	}
	return map[string][]visibility.Interval{"tst": visibility.Coalesce(out)}, nil
}

type fixedDuration int64

func (d fixedDuration) RequestDuration(context.Context, *model.Request) (int64, error) {
	return int64(d), nil
}

func TestExpandDropsDaytimeRepeats(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	req := &model.Request{
		Plans: []model.ExposurePlan{{InstrumentName: "1M0-SCICAM-SBIG", ExposureCount: 1, ExposureTime: 60, BinX: 2}},
		Cadence: &model.Cadence{
			Start:       start,
			End:         start.Add(48 * time.Hour),
			PeriodHours: 12,
			JitterHours: 2,
		},
	}

	// One hour of observing needed; repeats land at 00, 12, 24, 36, 48 h.
	// Only the midnight-adjacent ones fall inside the 00:00-08:00 nights.
	e := New(nightOnly{}, fixedDuration(3600))
	windows, err := e.Expand(context.Background(), req)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows = %v, want 2 night repeats", windows)
	}
	// The first repeat clips to the cadence start.
	if !windows[0].Start.Equal(start) || !windows[0].End.Equal(start.Add(time.Hour)) {
		t.Errorf("first window = %v", windows[0])
	}
	// Interior night repeat keeps the full jitter width.
	if got := windows[1].End.Sub(windows[1].Start); got != 2*time.Hour {
		t.Errorf("interior window width = %v, want 2h", got)
	}
}

func TestExpandNeedsRoomForDuration(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	req := &model.Request{
		Plans: []model.ExposurePlan{{InstrumentName: "1M0-SCICAM-SBIG", ExposureCount: 1, ExposureTime: 60, BinX: 2}},
		Cadence: &model.Cadence{
			Start:       start,
			End:         start.Add(24 * time.Hour),
			PeriodHours: 24,
			JitterHours: 2,
		},
	}

	// Each window is at most 2 h; a 3 h request can never fit.
	e := New(nightOnly{}, fixedDuration(3*3600))
	windows, err := e.Expand(context.Background(), req)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(windows) != 0 {
		t.Errorf("windows = %v, want none", windows)
	}
}

func TestExpandWithoutCadencePassesWindowsThrough(t *testing.T) {
	w := model.Window{
		Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
	}
	req := &model.Request{Windows: []model.Window{w}}
	e := New(nightOnly{}, fixedDuration(60))
	windows, err := e.Expand(context.Background(), req)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(windows) != 1 || !windows[0].Start.Equal(w.Start) {
		t.Errorf("windows = %v, want passthrough", windows)
	}
}
