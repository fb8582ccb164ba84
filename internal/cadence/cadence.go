// Package cadence expands a periodic-repeat specification into concrete
// time windows. Each nominal repeat gets a window of the jitter width
// centered on it; windows the target cannot actually be observed in are
// dropped, so a submitted cadence comes back as the set of repeats that
// can really happen.
package cadence

import (
	"context"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/visibility"
	"github.com/signalsfoundry/observation-portal/model"
)

// Feasibility is the slice of the visibility engine the expander needs.
type Feasibility interface {
	SiteIntervals(ctx context.Context, req *model.Request) (map[string][]visibility.Interval, error)
}

// DurationSource computes the duration a candidate window must hold.
type DurationSource interface {
	RequestDuration(ctx context.Context, req *model.Request) (int64, error)
}

// Expander turns cadences into windows.
type Expander struct {
	vis Feasibility
	dur DurationSource
}

// New constructs an Expander.
func New(vis Feasibility, dur DurationSource) *Expander {
	return &Expander{vis: vis, dur: dur}
}

// Expand generates the surviving windows for a request carrying a cadence.
// The request itself is not modified; the caller replaces its windows and
// drops the cadence. An empty result means no repeat is observable.
func (e *Expander) Expand(ctx context.Context, req *model.Request) ([]model.Window, error) {
	c := req.Cadence
	if c == nil {
		return req.Windows, nil
	}

	need, err := e.dur.RequestDuration(ctx, req)
	if err != nil {
		return nil, err
	}
	period := time.Duration(c.PeriodHours * float64(time.Hour))
	halfJitter := time.Duration(c.JitterHours / 2 * float64(time.Hour))

	var out []model.Window
	for t := c.Start; !t.After(c.End); t = t.Add(period) {
		w := model.Window{Start: t.Add(-halfJitter), End: t.Add(halfJitter)}
		if w.Start.Before(c.Start) {
			w.Start = c.Start
		}
		if w.End.After(c.End) {
			w.End = c.End
		}
		if !w.End.After(w.Start) {
			continue
		}
		ok, err := e.observable(ctx, req, w, need)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (e *Expander) observable(ctx context.Context, req *model.Request, w model.Window, needSeconds int64) (bool, error) {
	probe := *req
	probe.Windows = []model.Window{w}
	probe.Cadence = nil

	perSite, err := e.vis.SiteIntervals(ctx, &probe)
	if err != nil {
		return false, err
	}
	need := time.Duration(needSeconds) * time.Second
	for _, intervals := range perSite {
		if visibility.Largest(intervals) >= need {
			return true, nil
		}
	}
	return false, nil
}
