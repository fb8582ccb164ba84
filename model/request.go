package model

import (
	"fmt"
	"time"
)

// PlanType labels what an exposure plan captures.
type PlanType string

const (
	PlanExpose    PlanType = "EXPOSE"
	PlanSkyFlat   PlanType = "SKY_FLAT"
	PlanStandard  PlanType = "STANDARD"
	PlanArc       PlanType = "ARC"
	PlanLampFlat  PlanType = "LAMP_FLAT"
	PlanSpectrum  PlanType = "SPECTRUM"
	PlanAutoFocus PlanType = "AUTO_FOCUS"
)

// ValidPlanTypes is the set of plan types the scheduler will accept.
var ValidPlanTypes = map[PlanType]bool{
	PlanExpose: true, PlanSkyFlat: true, PlanStandard: true, PlanArc: true,
	PlanLampFlat: true, PlanSpectrum: true, PlanAutoFocus: true,
}

// ExposurePlan is one entry of a request's ordered exposure sequence.
// Position in the slice determines scheduling priority.
type ExposurePlan struct {
	Type           PlanType `json:"type"`
	InstrumentName string   `json:"instrument_name"`
	Filter         string   `json:"filter,omitempty"`
	SpectraSlit    string   `json:"spectra_slit,omitempty"`
	ExposureTime   float64  `json:"exposure_time"`
	ExposureCount  int      `json:"exposure_count"`
	BinX           int      `json:"bin_x"`
	BinY           int      `json:"bin_y"`
	Priority       int      `json:"priority"`
	AGMode         string   `json:"ag_mode,omitempty"`
	AcquireMode    string   `json:"acquire_mode,omitempty"`

	// FillWindow marks the plan whose exposure count should be recomputed
	// to consume the remaining visible time. At most one per request.
	FillWindow bool `json:"fill_window,omitempty"`
}

// Constraints bound the observing conditions a request will tolerate.
type Constraints struct {
	MaxAirmass       float64  `json:"max_airmass"`
	MinLunarDistance float64  `json:"min_lunar_distance"`
	MaxLunarPhase    *float64 `json:"max_lunar_phase,omitempty"`
}

// DefaultConstraints returns the portal defaults applied when a submission
// omits a bound.
func DefaultConstraints() Constraints {
	return Constraints{MaxAirmass: 2.0, MinLunarDistance: 30.0}
}

// Validate checks constraint ranges.
func (c Constraints) Validate() FieldErrors {
	fe := FieldErrors{}
	if c.MaxAirmass < 1.0 || c.MaxAirmass > 25.0 {
		fe.Add("max_airmass", "must be in [1, 25]")
	}
	if c.MinLunarDistance < 0.0 || c.MinLunarDistance > 180.0 {
		fe.Add("min_lunar_distance", "must be in [0, 180]")
	}
	return fe
}

// TelescopeClasses the network operates.
var TelescopeClasses = map[string]bool{"2m0": true, "1m0": true, "0m8": true, "0m4": true}

// Location narrows which telescopes may serve a request. The hierarchy is
// optional but ordered: observatory requires site, telescope requires
// observatory.
type Location struct {
	TelescopeClass string `json:"telescope_class"`
	Site           string `json:"site,omitempty"`
	Observatory    string `json:"observatory,omitempty"`
	Telescope      string `json:"telescope,omitempty"`
}

// Validate enforces the class vocabulary and hierarchy ordering.
func (l Location) Validate() FieldErrors {
	fe := FieldErrors{}
	if !TelescopeClasses[l.TelescopeClass] {
		fe.Add("telescope_class", "invalid telescope class %q", l.TelescopeClass)
	}
	if l.Observatory != "" && l.Site == "" {
		fe.Add("observatory", "requires a site to be set")
	}
	if l.Telescope != "" && l.Observatory == "" {
		fe.Add("telescope", "requires an observatory to be set")
	}
	return fe
}

func (l Location) String() string {
	return fmt.Sprintf("%s.%s.%s", l.Site, l.Observatory, l.Telescope)
}

// Window is one absolute time window a request may execute in.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects inverted windows.
func (w Window) Validate() FieldErrors {
	fe := FieldErrors{}
	if !w.End.After(w.Start) {
		fe.Add("end", "window end must be after window start")
	}
	return fe
}

// Cadence is a periodic-repeat specification expanded into windows at
// submission time.
type Cadence struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	PeriodHours float64   `json:"period"`
	JitterHours float64   `json:"jitter"`
}

// Request is one schedulable observation.
type Request struct {
	ID              int64           `json:"id"`
	GroupID         int64           `json:"-"`
	State           RequestState    `json:"state"`
	ObservationType ObservationType `json:"observation_type"`
	ObservationNote string          `json:"observation_note,omitempty"`

	FailCount      int `json:"fail_count"`
	ScheduledCount int `json:"scheduled_count"`

	// CompletionThreshold is the percentage of planned exposure time that
	// must be attempted for a partially failed request to count complete.
	CompletionThreshold float64 `json:"completion_threshold"`

	Created   time.Time  `json:"created"`
	Modified  time.Time  `json:"modified"`
	Completed *time.Time `json:"completed,omitempty"`

	// Duration is the server-computed total duration in seconds.
	Duration int64 `json:"duration"`

	Plans       []ExposurePlan `json:"exposure_plans"`
	Target      Target         `json:"target"`
	Constraints Constraints    `json:"constraints"`
	Location    Location       `json:"location"`
	Windows     []Window       `json:"windows"`
	Cadence     *Cadence       `json:"cadence,omitempty"`
}

// DisplayID is the zero-padded identifier used in external systems.
func (r *Request) DisplayID() string { return fmt.Sprintf("%010d", r.ID) }

// InstrumentName returns the shared instrument of the request's plans.
func (r *Request) InstrumentName() string {
	if len(r.Plans) == 0 {
		return ""
	}
	return r.Plans[0].InstrumentName
}

// MinWindowTime returns the earliest window start.
func (r *Request) MinWindowTime() time.Time {
	var min time.Time
	for _, w := range r.Windows {
		if min.IsZero() || w.Start.Before(min) {
			min = w.Start
		}
	}
	return min
}

// MaxWindowTime returns the latest window end.
func (r *Request) MaxWindowTime() time.Time {
	var max time.Time
	for _, w := range r.Windows {
		if w.End.After(max) {
			max = w.End
		}
	}
	return max
}

// RequestGroup bundles requests submitted together under one proposal,
// combination operator, and priority-boost value.
type RequestGroup struct {
	ID              int64           `json:"id"`
	ProposalID      string          `json:"proposal"`
	Submitter       string          `json:"submitter"`
	GroupName       string          `json:"group_name"`
	Operator        Operator        `json:"operator"`
	IPPValue        float64         `json:"ipp_value"`
	ObservationType ObservationType `json:"observation_type"`
	State           RequestState    `json:"state"`
	Created         time.Time       `json:"created"`
	Modified        time.Time       `json:"modified"`

	Requests []Request `json:"requests"`
}

// DisplayID is the zero-padded identifier used in external systems.
func (g *RequestGroup) DisplayID() string { return fmt.Sprintf("%010d", g.ID) }

// Expired reports whether every window of every child request has passed.
func (g *RequestGroup) Expired(now time.Time) bool {
	for _, r := range g.Requests {
		if r.MaxWindowTime().After(now) {
			return false
		}
	}
	return true
}
