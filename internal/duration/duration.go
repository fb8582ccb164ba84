// Package duration computes how long a request will occupy a telescope.
// The result is stored on the request at submission time and drives both
// visibility feasibility and time-allocation accounting.
package duration

import (
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/observation-portal/internal/configdb"
	"github.com/signalsfoundry/observation-portal/model"
)

// Per-exposure constants shared by every instrument type, in seconds.
const (
	ExposureGapTime     = 5.0
	ExposureStartupTime = 11.0
)

// Capabilities is the slice of the capability client the calculator needs.
type Capabilities interface {
	ExposureOverhead(ctx context.Context, instrumentType string, binning int) (float64, error)
	RequestOverheads(ctx context.Context, instrumentType string) (configdb.Overheads, error)
	IsSpectrograph(instrumentType string) bool
}

// Calculator turns exposure plans into wall-clock durations.
type Calculator struct {
	caps Capabilities
}

// New constructs a Calculator over the given capability source.
func New(caps Capabilities) *Calculator {
	return &Calculator{caps: caps}
}

// PlanDuration returns the duration of a single exposure plan in seconds:
// the exposures themselves, the per-exposure overhead, plus the fixed gap
// and startup costs paid once per plan.
func (c *Calculator) PlanDuration(ctx context.Context, plan model.ExposurePlan) (float64, error) {
	perExposure, err := c.perExposure(ctx, plan)
	if err != nil {
		return 0, err
	}
	return float64(plan.ExposureCount)*perExposure + ExposureGapTime + ExposureStartupTime, nil
}

func (c *Calculator) perExposure(ctx context.Context, plan model.ExposurePlan) (float64, error) {
	overhead, err := c.caps.ExposureOverhead(ctx, plan.InstrumentName, plan.BinX)
	if err != nil {
		return 0, fmt.Errorf("exposure overhead for %s: %w", plan.InstrumentName, err)
	}
	return plan.ExposureTime + overhead, nil
}

// RequestDuration returns the total duration of a request in whole seconds,
// rounded up. Overheads depend on the instrument family: spectrographs pay
// a configuration change per run of same-typed plans and possibly a target
// acquisition; imagers pay a filter change per run of same-filtered plans.
func (c *Calculator) RequestDuration(ctx context.Context, req *model.Request) (int64, error) {
	if len(req.Plans) == 0 {
		return 0, fmt.Errorf("request %s has no exposure plans", req.DisplayID())
	}
	instrument := req.InstrumentName()
	overheads, err := c.caps.RequestOverheads(ctx, instrument)
	if err != nil {
		return 0, fmt.Errorf("request overheads for %s: %w", instrument, err)
	}

	total := 0.0
	for _, plan := range req.Plans {
		d, err := c.PlanDuration(ctx, plan)
		if err != nil {
			return 0, err
		}
		total += d
	}

	if c.caps.IsSpectrograph(instrument) {
		total += overheads.ConfigChangeTime * float64(typeRuns(req.Plans))
		if acquisitionNeeded(req.Plans) {
			total += overheads.AcquireExposureTime + overheads.AcquireProcessingTime
		}
	} else {
		total += overheads.FilterChangeTime * float64(filterRuns(req.Plans))
	}
	total += overheads.FrontPadding

	return int64(math.Ceil(total)), nil
}

// ApplyFillWindow recomputes the exposure count of the plan marked
// fill-window so that it consumes availableSeconds of telescope time, then
// clears the marker. Requests without a marked plan are left alone.
func (c *Calculator) ApplyFillWindow(ctx context.Context, req *model.Request, availableSeconds float64) error {
	for i := range req.Plans {
		if !req.Plans[i].FillWindow {
			continue
		}
		perExposure, err := c.perExposure(ctx, req.Plans[i])
		if err != nil {
			return err
		}
		count := int(math.Floor((availableSeconds - ExposureGapTime - ExposureStartupTime) / perExposure))
		if count < 1 {
			count = 1
		}
		req.Plans[i].ExposureCount = count
		req.Plans[i].FillWindow = false
		return nil
	}
	return nil
}

// MinimumDuration returns the duration of the request if every fill-window
// plan ran a single exposure. Used as the feasibility floor before fill
// expansion.
func (c *Calculator) MinimumDuration(ctx context.Context, req *model.Request) (int64, error) {
	scratch := *req
	scratch.Plans = make([]model.ExposurePlan, len(req.Plans))
	copy(scratch.Plans, req.Plans)
	for i := range scratch.Plans {
		if scratch.Plans[i].FillWindow {
			scratch.Plans[i].ExposureCount = 1
		}
	}
	return c.RequestDuration(ctx, &scratch)
}

// GroupDurations returns per-allocation-bucket total durations in hours for
// a request group, combined according to the group operator: SINGLE takes
// the lone request, MANY and ONEOF the per-bucket maximum (only one child
// runs, budget for the worst), AND the per-bucket sum (all children run).
func GroupDurations(g *model.RequestGroup, semesterFor func(model.Request) string, classFor func(model.Request) string) map[model.TimeAllocationKey]float64 {
	perKey := map[model.TimeAllocationKey][]float64{}
	for _, req := range g.Requests {
		key := model.TimeAllocationKey{
			SemesterID:     semesterFor(req),
			TelescopeClass: classFor(req),
		}
		perKey[key] = append(perKey[key], float64(req.Duration)/3600.0)
	}

	out := map[model.TimeAllocationKey]float64{}
	for key, durations := range perKey {
		switch g.Operator {
		case model.OperatorAnd:
			sum := 0.0
			for _, d := range durations {
				sum += d
			}
			out[key] = sum
		case model.OperatorSingle:
			out[key] = durations[0]
		default: // MANY, ONEOF
			max := 0.0
			for _, d := range durations {
				if d > max {
					max = d
				}
			}
			out[key] = max
		}
	}
	return out
}

// typeRuns counts maximal runs of consecutive plans sharing a type. A lone
// plan is one run.
func typeRuns(plans []model.ExposurePlan) int {
	runs := 0
	var prev model.PlanType
	for i, p := range plans {
		if i == 0 || p.Type != prev {
			runs++
		}
		prev = p.Type
	}
	return runs
}

// filterRuns counts maximal runs of consecutive plans sharing a filter.
func filterRuns(plans []model.ExposurePlan) int {
	runs := 0
	var prev string
	for i, p := range plans {
		if i == 0 || p.Filter != prev {
			runs++
		}
		prev = p.Filter
	}
	return runs
}

// acquisitionNeeded reports whether a spectrograph request pays the target
// acquisition overhead: some plan asks for acquisition and the sequence
// contains an on-sky spectrum or standard.
func acquisitionNeeded(plans []model.ExposurePlan) bool {
	wantsAcquire := false
	onSky := false
	for _, p := range plans {
		if p.AcquireMode != "" && p.AcquireMode != "OFF" {
			wantsAcquire = true
		}
		if p.Type == model.PlanSpectrum || p.Type == model.PlanStandard {
			onSky = true
		}
	}
	return wantsAcquire && onSky
}
