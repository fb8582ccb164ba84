// Package portal is the submission surface: the all-or-nothing pipeline
// that validates, expands, prices, and persists observation request
// groups, and the HTTP API in front of it.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/duration"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/internal/visibility"
	"github.com/signalsfoundry/observation-portal/model"
)

// Capabilities is the slice of the configuration client the pipeline
// needs to validate instruments, filters, and binnings.
type Capabilities interface {
	ActiveInstrumentTypes(ctx context.Context, loc model.Location) (map[string]bool, error)
	Filters(ctx context.Context, instrumentType string) (map[string]bool, error)
	Binnings(ctx context.Context, instrumentType string) (map[int]bool, error)
	DefaultBinning(ctx context.Context, instrumentType string) (int, error)
	IsSpectrograph(instrumentType string) bool
}

// Feasibility answers whether and where a request can be observed.
type Feasibility interface {
	SiteIntervals(ctx context.Context, req *model.Request) (map[string][]visibility.Interval, error)
	Feasible(ctx context.Context, req *model.Request, durationSeconds int64) error
}

// WindowExpander turns a cadence into concrete windows. Requests without
// a cadence pass through unchanged.
type WindowExpander interface {
	Expand(ctx context.Context, req *model.Request) ([]model.Window, error)
}

// DurationCalculator prices a request in telescope seconds.
type DurationCalculator interface {
	RequestDuration(ctx context.Context, req *model.Request) (int64, error)
	MinimumDuration(ctx context.Context, req *model.Request) (int64, error)
	ApplyFillWindow(ctx context.Context, req *model.Request, availableSeconds float64) error
}

// Spectrograph target defaults filled at submission.
const (
	defaultAcquireMode = "OFF"
	defaultRotMode     = "SKY"
)

// Pipeline runs a submitted request group through validation, cadence
// expansion, duration pricing, visibility, and the ledger, then persists
// it. Every step must pass or nothing is written.
type Pipeline struct {
	caps  Capabilities
	vis   Feasibility
	cad   WindowExpander
	dur   DurationCalculator
	led   *ledger.Ledger
	store store.Store
	clk   clock.Clock
	log   logging.Logger
}

// NewPipeline wires the submission pipeline.
func NewPipeline(caps Capabilities, vis Feasibility, cad WindowExpander, dur DurationCalculator, led *ledger.Ledger, st store.Store, clk clock.Clock, log logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Noop()
	}
	return &Pipeline{caps: caps, vis: vis, cad: cad, dur: dur, led: led, store: st, clk: clk, log: log}
}

// Validate runs the full pipeline short of the debit and the write. The
// group is mutated in place with server-filled defaults, expanded windows,
// and computed durations, exactly as Submit would leave it.
func (p *Pipeline) Validate(ctx context.Context, g *model.RequestGroup) error {
	_, err := p.prepare(ctx, g)
	return err
}

// Submit runs the pipeline and, on success, stakes the ipp time and
// persists the group with every request PENDING, in one transaction.
func (p *Pipeline) Submit(ctx context.Context, g *model.RequestGroup) (*model.RequestGroup, error) {
	buckets, err := p.prepare(ctx, g)
	if err != nil {
		return nil, err
	}

	g.State = model.StatePending
	for i := range g.Requests {
		g.Requests[i].State = model.StatePending
	}
	err = p.store.Atomic(ctx, func(tx store.Tx) error {
		if err := p.led.DebitOnCreationInTx(ctx, tx, g, buckets); err != nil {
			return err
		}
		return tx.CreateRequestGroup(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	p.log.Info(ctx, "request group created",
		logging.Int64("group_id", g.ID),
		logging.String("proposal", g.ProposalID),
		logging.Int("requests", len(g.Requests)))
	return g, nil
}

// prepare runs validation through ipp validation and returns the group's
// per-bucket duration hours. All external lookups happen here, before any
// transaction opens.
func (p *Pipeline) prepare(ctx context.Context, g *model.RequestGroup) (map[model.TimeAllocationKey]float64, error) {
	semesterByIndex, err := p.validate(ctx, g)
	if err != nil {
		return nil, err
	}

	fe := model.FieldErrors{}
	for i := range g.Requests {
		req := &g.Requests[i]
		prefix := fmt.Sprintf("requests.%d", i)

		windows, err := p.cad.Expand(ctx, req)
		if err != nil {
			return nil, err
		}
		if req.Cadence != nil {
			if len(windows) == 0 {
				fe.Add(prefix+".cadence", "no visible windows within the cadence period")
				continue
			}
			req.Cadence = nil
		}
		req.Windows = windows

		if err := p.price(ctx, req); err != nil {
			return nil, err
		}

		if err := p.vis.Feasible(ctx, req, req.Duration); err != nil {
			switch {
			case errors.Is(err, visibility.ErrTargetNeverVisible),
				errors.Is(err, visibility.ErrTargetNotVisibleLongEnough):
				fe.Add(prefix+".windows", "%s", err.Error())
			default:
				return nil, err
			}
		}
	}
	if !fe.Empty() {
		return nil, fe
	}

	// Expansion has replaced the cadence windows, so the span keys are
	// rebuilt from the final window set before bucketing.
	semesters := map[windowSpan]string{}
	for i := range g.Requests {
		semesters[spanOf(&g.Requests[i])] = semesterByIndex[i]
	}
	buckets := p.bucketDurations(g, semesters)
	if err := p.led.ValidateIPP(ctx, g, buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// price computes the request duration, expanding a fill-window plan to
// consume the largest visible stretch first.
func (p *Pipeline) price(ctx context.Context, req *model.Request) error {
	if hasFillWindow(req) {
		minDur, err := p.dur.MinimumDuration(ctx, req)
		if err != nil {
			return err
		}
		intervals, err := p.vis.SiteIntervals(ctx, req)
		if err != nil {
			return err
		}
		best := time.Duration(0)
		for _, site := range intervals {
			if l := visibility.Largest(site); l > best {
				best = l
			}
		}
		if best < time.Duration(minDur)*time.Second {
			// Feasible reports the proper sentinel below; a single
			// exposure still gets priced.
			best = time.Duration(minDur) * time.Second
		}
		if err := p.dur.ApplyFillWindow(ctx, req, best.Seconds()); err != nil {
			return err
		}
	}
	d, err := p.dur.RequestDuration(ctx, req)
	if err != nil {
		return err
	}
	req.Duration = d
	return nil
}

// validate is the structural pass: field presence, ranges, capability
// membership, and allocation existence. It fills server-side defaults and
// returns the semester ID per request, index-aligned.
func (p *Pipeline) validate(ctx context.Context, g *model.RequestGroup) ([]string, error) {
	fe := model.FieldErrors{}

	if g.ProposalID == "" {
		fe.Add("proposal", "this field is required")
	}
	if g.GroupName == "" {
		fe.Add("group_name", "this field is required")
	}
	switch g.Operator {
	case model.OperatorSingle:
		if len(g.Requests) != 1 {
			fe.Add("operator", "a SINGLE request group must contain exactly one request")
		}
	case model.OperatorMany, model.OperatorAnd, model.OperatorOneOf:
		if len(g.Requests) < 2 {
			fe.Add("operator", "a %s request group must contain at least two requests", g.Operator)
		}
	default:
		fe.Add("operator", "invalid operator %q", string(g.Operator))
	}
	if g.IPPValue < model.IPPMin || g.IPPValue > model.IPPMax {
		fe.Add("ipp_value", "must be between %.1f and %.1f", model.IPPMin, model.IPPMax)
	}
	switch g.ObservationType {
	case model.ObservationNormal, model.ObservationTOO:
	default:
		fe.Add("observation_type", "invalid observation type %q", string(g.ObservationType))
	}
	if len(g.Requests) == 0 {
		fe.Add("requests", "at least one request is required")
	}

	semesterByIndex := make([]string, len(g.Requests))
	for i := range g.Requests {
		req := &g.Requests[i]
		prefix := fmt.Sprintf("requests.%d", i)
		rfe := model.FieldErrors{}

		instrument := p.validateStructure(req, rfe)
		sem := p.validateSemester(ctx, req, rfe)
		if instrument != "" && rfe.Empty() {
			if err := p.validateCapability(ctx, req, instrument, rfe); err != nil {
				return nil, err
			}
		}
		if sem != nil {
			semesterByIndex[i] = sem.ID
			p.validateAllocation(ctx, g, req, sem, rfe)
		}
		fe.Merge(prefix, rfe)
	}
	if !fe.Empty() {
		return nil, fe
	}
	return semesterByIndex, nil
}

// validateStructure checks the request shape that needs no external data
// and returns the shared instrument name, if the plans agree on one.
func (p *Pipeline) validateStructure(req *model.Request, fe model.FieldErrors) string {
	if len(req.Plans) == 0 {
		fe.Add("exposure_plans", "at least one exposure plan is required")
		return ""
	}
	instrument := req.Plans[0].InstrumentName
	fills := 0
	for j := range req.Plans {
		plan := &req.Plans[j]
		if plan.InstrumentName != instrument {
			fe.Add("exposure_plans", "all exposure plans in a request must use the same instrument")
		}
		if plan.FillWindow {
			fills++
		} else if plan.ExposureCount < 1 {
			fe.Add(fmt.Sprintf("exposure_plans.%d.exposure_count", j), "must be at least 1")
		}
		if plan.ExposureTime < 0 {
			fe.Add(fmt.Sprintf("exposure_plans.%d.exposure_time", j), "must be non-negative")
		}
	}
	if fills > 1 {
		fe.Add("exposure_plans", "only one exposure plan per request may fill the window")
	}

	if req.Location.TelescopeClass == "" {
		fe.Add("location.telescope_class", "this field is required")
	} else if !model.TelescopeClasses[req.Location.TelescopeClass] {
		fe.Add("location.telescope_class", "unknown telescope class %q", req.Location.TelescopeClass)
	}
	if req.Location.Telescope != "" && req.Location.Observatory == "" {
		fe.Add("location.observatory", "required when a telescope is named")
	}
	if req.Location.Observatory != "" && req.Location.Site == "" {
		fe.Add("location.site", "required when an observatory is named")
	}

	if len(req.Windows) == 0 && req.Cadence == nil {
		fe.Add("windows", "at least one observing window is required")
	}
	if req.Cadence != nil {
		if !req.Cadence.End.After(req.Cadence.Start) {
			fe.Add("cadence.end", "must be after the cadence start")
		}
		if req.Cadence.PeriodHours <= 0 {
			fe.Add("cadence.period", "must be positive")
		}
		if req.Cadence.JitterHours <= 0 {
			fe.Add("cadence.jitter", "must be positive")
		}
	}
	for j, w := range req.Windows {
		if !w.End.After(w.Start) {
			fe.Add(fmt.Sprintf("windows.%d.end", j), "must be after the window start")
		}
	}

	if req.Constraints == (model.Constraints{}) {
		req.Constraints = model.DefaultConstraints()
	}
	fe.Merge("constraints", req.Constraints.Validate())

	req.Target.ApplyDefaults()
	fe.Merge("target", req.Target.Validate())
	if fe.Empty() {
		req.Target.Sanitize()
	}
	return instrument
}

// validateSemester resolves the one semester wholly containing every
// window of the request.
func (p *Pipeline) validateSemester(ctx context.Context, req *model.Request, fe model.FieldErrors) *model.Semester {
	if len(req.Windows) == 0 && req.Cadence != nil {
		// Cadence requests are bounded by the cadence span instead.
		sem, err := p.store.SemesterFor(ctx, req.Cadence.Start, req.Cadence.End)
		if errors.Is(err, store.ErrNoSemester) {
			fe.Add("cadence", "the cadence must fit within a single semester")
			return nil
		} else if err != nil {
			fe.Add("cadence", "%s", err.Error())
			return nil
		}
		return sem
	}
	if len(req.Windows) == 0 {
		return nil
	}
	sem, err := p.store.SemesterFor(ctx, req.MinWindowTime(), req.MaxWindowTime())
	if errors.Is(err, store.ErrNoSemester) {
		fe.Add("windows", "the observing windows must fit within a single semester")
		return nil
	} else if err != nil {
		fe.Add("windows", "%s", err.Error())
		return nil
	}
	return sem
}

// validateCapability checks the instrument against the configuration
// service: placement, filters, binnings. Binning and spectrograph acquire
// defaults are filled here. Configuration service failures abort the
// pipeline rather than turning into field errors.
func (p *Pipeline) validateCapability(ctx context.Context, req *model.Request, instrument string, fe model.FieldErrors) error {
	active, err := p.caps.ActiveInstrumentTypes(ctx, req.Location)
	if err != nil {
		return err
	}
	if !active[instrument] {
		fe.Add("exposure_plans", "instrument %s is not available at the requested location", instrument)
		return nil
	}

	filters, err := p.caps.Filters(ctx, instrument)
	if err != nil {
		return err
	}
	binnings, err := p.caps.Binnings(ctx, instrument)
	if err != nil {
		return err
	}
	defaultBin, err := p.caps.DefaultBinning(ctx, instrument)
	if err != nil {
		return err
	}
	spectrograph := p.caps.IsSpectrograph(instrument)

	if spectrograph {
		if req.Target.AcquireMode == "" {
			req.Target.AcquireMode = defaultAcquireMode
		}
		if req.Target.RotMode == "" {
			req.Target.RotMode = defaultRotMode
		}
	}

	for j := range req.Plans {
		plan := &req.Plans[j]
		if spectrograph {
			if plan.SpectraSlit != "" && !filters[plan.SpectraSlit] {
				fe.Add(fmt.Sprintf("exposure_plans.%d.spectra_slit", j), "slit %s is not available on %s", plan.SpectraSlit, instrument)
			}
			if plan.AcquireMode == "" {
				plan.AcquireMode = req.Target.AcquireMode
			}
		} else {
			if plan.Filter == "" {
				fe.Add(fmt.Sprintf("exposure_plans.%d.filter", j), "this field is required")
			} else if !filters[plan.Filter] {
				fe.Add(fmt.Sprintf("exposure_plans.%d.filter", j), "filter %s is not available on %s", plan.Filter, instrument)
			}
		}
		if plan.BinX == 0 {
			plan.BinX, plan.BinY = defaultBin, defaultBin
		}
		if plan.BinY == 0 {
			plan.BinY = plan.BinX
		}
		if !binnings[plan.BinX] {
			fe.Add(fmt.Sprintf("exposure_plans.%d.bin_x", j), "binning %d is not available on %s", plan.BinX, instrument)
		}
	}
	return nil
}

// validateAllocation checks the proposal holds time in the request's
// semester/class bucket, and a rapid-response budget for TOO groups.
func (p *Pipeline) validateAllocation(ctx context.Context, g *model.RequestGroup, req *model.Request, sem *model.Semester, fe model.FieldErrors) {
	key := model.TimeAllocationKey{SemesterID: sem.ID, TelescopeClass: req.Location.TelescopeClass}
	alloc, err := p.store.AllocationFor(ctx, g.ProposalID, key)
	if errors.Is(err, store.ErrNoAllocation) {
		fe.Add("location.telescope_class", "proposal %s has no time allocated in bucket %s", g.ProposalID, key)
		return
	} else if err != nil {
		fe.Add("location.telescope_class", "%s", err.Error())
		return
	}
	if g.ObservationType == model.ObservationTOO && alloc.TooAllocation <= 0 {
		fe.Add("observation_type", "proposal %s has no TARGET_OF_OPPORTUNITY time in bucket %s", g.ProposalID, key)
	}
}

// windowSpan keys the semester lookup by a request's window extent.
type windowSpan struct {
	min, max time.Time
}

func spanOf(req *model.Request) windowSpan {
	if len(req.Windows) == 0 && req.Cadence != nil {
		return windowSpan{min: req.Cadence.Start, max: req.Cadence.End}
	}
	return windowSpan{min: req.MinWindowTime(), max: req.MaxWindowTime()}
}

func (p *Pipeline) bucketDurations(g *model.RequestGroup, semesters map[windowSpan]string) map[model.TimeAllocationKey]float64 {
	semesterFor := func(r model.Request) string { return semesters[spanOf(&r)] }
	classFor := func(r model.Request) string { return r.Location.TelescopeClass }
	return duration.GroupDurations(g, semesterFor, classFor)
}

func hasFillWindow(req *model.Request) bool {
	for _, plan := range req.Plans {
		if plan.FillWindow {
			return true
		}
	}
	return false
}
