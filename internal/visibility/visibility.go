// Package visibility decides whether a request's target can actually be
// observed from the network inside the request's windows. It intersects
// sampled astrometric constraints (darkness, altitude, hour angle, airmass,
// lunar separation) with the request windows per candidate site, and
// reports feasibility against the request duration.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/configdb"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/model"
)

var (
	// ErrTargetNeverVisible signals zero visible time at every candidate
	// site across all windows.
	ErrTargetNeverVisible = errors.New("target is never visible within the time window")
	// ErrTargetNotVisibleLongEnough signals some visible time, none of it
	// long enough to fit the request.
	ErrTargetNotVisibleLongEnough = errors.New("target is not visible long enough within the time window")
)

// DefaultSampleStep is the evaluation granularity. Constraint transitions
// land on a sample boundary, so intervals are conservative by up to one
// step at each edge.
const DefaultSampleStep = 5 * time.Minute

// SiteSource supplies the candidate sites for an instrument type and
// location filter.
type SiteSource interface {
	SiteDetails(ctx context.Context, instrumentType, site, observatory, telescope, telescopeClass string) (map[string]configdb.SiteDetail, error)
}

// DowntimeSource reports scheduled maintenance intervals per site, to be
// subtracted from the astronomically visible time.
type DowntimeSource interface {
	ForSite(ctx context.Context, site string) ([]Interval, error)
}

// Engine evaluates target visibility against the network.
type Engine struct {
	sites    SiteSource
	downtime DowntimeSource
	step     time.Duration
	log      logging.Logger
}

// New constructs an Engine with the default sample step.
func New(sites SiteSource, log logging.Logger) *Engine {
	return &Engine{sites: sites, step: DefaultSampleStep, log: log}
}

// WithStep returns a copy of the engine using a different sample step.
func (e *Engine) WithStep(step time.Duration) *Engine {
	cp := *e
	cp.step = step
	return &cp
}

// WithDowntime returns a copy of the engine that subtracts the given
// maintenance calendar from every site's visible time.
func (e *Engine) WithDowntime(d DowntimeSource) *Engine {
	cp := *e
	cp.downtime = d
	return &cp
}

// SiteIntervals returns, per site code, the coalesced intervals inside the
// request windows where every observing constraint holds.
func (e *Engine) SiteIntervals(ctx context.Context, req *model.Request) (map[string][]Interval, error) {
	loc := req.Location
	details, err := e.sites.SiteDetails(ctx, req.InstrumentName(), loc.Site, loc.Observatory, loc.Telescope, loc.TelescopeClass)
	if err != nil {
		return nil, err
	}

	out := map[string][]Interval{}
	for code, site := range details {
		var intervals []Interval
		for _, w := range req.Windows {
			intervals = append(intervals, e.sampleWindow(w, site, req)...)
		}
		coalesced := Coalesce(intervals)
		if len(coalesced) > 0 && e.downtime != nil {
			down, err := e.downtime.ForSite(ctx, site.SiteCode)
			if err != nil {
				return nil, err
			}
			coalesced = Subtract(coalesced, down)
		}
		if len(coalesced) > 0 {
			out[code] = coalesced
		}
	}
	return out, nil
}

// sampleWindow walks the window on the engine step and lifts maximal runs
// of passing samples into intervals.
func (e *Engine) sampleWindow(w model.Window, site configdb.SiteDetail, req *model.Request) []Interval {
	var intervals []Interval
	var runStart time.Time
	inRun := false

	for t := w.Start; !t.After(w.End); t = t.Add(e.step) {
		ok := e.observable(t, site, req)
		switch {
		case ok && !inRun:
			runStart, inRun = t, true
		case !ok && inRun:
			intervals = append(intervals, Interval{Start: runStart, End: t})
			inRun = false
		}
	}
	if inRun {
		intervals = append(intervals, Interval{Start: runStart, End: w.End})
	}
	return intervals
}

// observable evaluates every constraint at one instant.
func (e *Engine) observable(t time.Time, site configdb.SiteDetail, req *model.Request) bool {
	if sunAltitudeDeg(t, site.Latitude, site.Longitude) > NauticalTwilightDeg {
		return false
	}

	tgt := &req.Target
	if tgt.Type == model.TargetSatellite {
		// Fixed pointing: the frame never rises or sets, darkness and the
		// mount horizon are the only constraints.
		return *tgt.Altitude > site.Horizon
	}

	var ra, dec float64
	switch tgt.Type {
	case model.TargetSidereal:
		ra, dec = *tgt.RA, *tgt.Dec
	case model.TargetNonSidereal:
		ra, dec = nonSiderealRADec(t, tgt)
	default:
		return false
	}

	alt := altitudeDeg(t, site.Latitude, site.Longitude, ra, dec)
	if alt <= site.Horizon {
		return false
	}
	haHours := hourAngleDeg(t, site.Longitude, ra) / HoursPerDegree
	if haHours < site.HALimitNeg || haHours > site.HALimitPos {
		return false
	}
	if airmass(alt) > req.Constraints.MaxAirmass {
		return false
	}
	moonRA, moonDec := moonRADec(t)
	if angularSeparationDeg(ra, dec, moonRA, moonDec) < req.Constraints.MinLunarDistance {
		return false
	}
	return true
}

// Feasible checks that at least one site offers a single visible interval
// able to hold durationSeconds of observing. The two failure modes carry
// distinct errors so the submitter learns whether to move the window or
// shrink the request.
func (e *Engine) Feasible(ctx context.Context, req *model.Request, durationSeconds int64) error {
	perSite, err := e.SiteIntervals(ctx, req)
	if err != nil {
		return err
	}

	var best time.Duration
	for _, intervals := range perSite {
		if d := Largest(intervals); d > best {
			best = d
		}
	}
	need := time.Duration(durationSeconds) * time.Second
	if best >= need {
		return nil
	}
	if best == 0 {
		return fmt.Errorf("%w: check your RA and Dec values or change your window to include your target's visible time", ErrTargetNeverVisible)
	}
	e.log.Debug(ctx, "request does not fit visible time",
		logging.String("request", req.DisplayID()),
		logging.Float64("visible_hours", best.Hours()),
		logging.Int64("need_seconds", durationSeconds))
	return fmt.Errorf("%w: the target is visible for a maximum of %.2f hours; reduce the request duration or adjust the windows", ErrTargetNotVisibleLongEnough, best.Hours())
}

// DarkIntervals returns the spans inside [start, end] where the sun is
// below nautical twilight at the site. Used by availability analytics.
func (e *Engine) DarkIntervals(site configdb.SiteDetail, start, end time.Time) []Interval {
	var intervals []Interval
	var runStart time.Time
	inRun := false
	for t := start; !t.After(end); t = t.Add(e.step) {
		dark := sunAltitudeDeg(t, site.Latitude, site.Longitude) <= NauticalTwilightDeg
		switch {
		case dark && !inRun:
			runStart, inRun = t, true
		case !dark && inRun:
			intervals = append(intervals, Interval{Start: runStart, End: t})
			inRun = false
		}
	}
	if inRun {
		intervals = append(intervals, Interval{Start: runStart, End: end})
	}
	return Coalesce(intervals)
}
