package model

import "strings"

// TargetType discriminates the pointing variants.
type TargetType string

const (
	TargetSidereal    TargetType = "SIDEREAL"
	TargetNonSidereal TargetType = "NON_SIDEREAL"
	TargetSatellite   TargetType = "SATELLITE"
)

// OrbitalScheme identifies the orbital-element convention of a
// non-sidereal target.
type OrbitalScheme string

const (
	SchemeMPCMinorPlanet OrbitalScheme = "MPC_MINOR_PLANET"
	SchemeMPCComet       OrbitalScheme = "MPC_COMET"
	SchemeJPLMajorPlanet OrbitalScheme = "JPL_MAJOR_PLANET"
)

// eccentricityLimit is the point past which a bound-orbit scheme should be
// resubmitted as a comet scheme instead.
const eccentricityLimit = 0.9

// Target is a tagged union over the pointing variants. Only the fields
// belonging to the active variant are meaningful; Sanitize zeroes the rest
// so serialized documents never leak foreign fields.
type Target struct {
	Name string     `json:"name"`
	Type TargetType `json:"type"`

	// Sidereal pointing.
	RA               *float64 `json:"ra,omitempty"`
	Dec              *float64 `json:"dec,omitempty"`
	ProperMotionRA   *float64 `json:"proper_motion_ra,omitempty"`
	ProperMotionDec  *float64 `json:"proper_motion_dec,omitempty"`
	Parallax         *float64 `json:"parallax,omitempty"`
	CoordinateSystem string   `json:"coordinate_system,omitempty"`
	Equinox          string   `json:"equinox,omitempty"`
	Epoch            *float64 `json:"epoch,omitempty"`

	// Non-sidereal orbital elements.
	Scheme       OrbitalScheme `json:"scheme,omitempty"`
	EpochOfEl    *float64      `json:"epochofel,omitempty"`
	OrbInc       *float64      `json:"orbinc,omitempty"`
	LongAscNode  *float64      `json:"longascnode,omitempty"`
	ArgOfPerih   *float64      `json:"argofperih,omitempty"`
	Eccentricity *float64      `json:"eccentricity,omitempty"`
	MeanDist     *float64      `json:"meandist,omitempty"`
	MeanAnom     *float64      `json:"meananom,omitempty"`
	DailyMot     *float64      `json:"dailymot,omitempty"`
	PerihDist    *float64      `json:"perihdist,omitempty"`
	EpochOfPerih *float64      `json:"epochofperih,omitempty"`

	// Satellite kinematics (fixed alt/az with differential tracking rates).
	Altitude              *float64 `json:"altitude,omitempty"`
	Azimuth               *float64 `json:"azimuth,omitempty"`
	DiffPitchRate         *float64 `json:"diff_pitch_rate,omitempty"`
	DiffRollRate          *float64 `json:"diff_roll_rate,omitempty"`
	DiffPitchAcceleration *float64 `json:"diff_pitch_acceleration,omitempty"`
	DiffRollAcceleration  *float64 `json:"diff_roll_acceleration,omitempty"`
	DiffEpochRate         *float64 `json:"diff_epoch_rate,omitempty"`

	// Spectrograph pointing details, filled with defaults at submission.
	AcquireMode string   `json:"acquire_mode,omitempty"`
	RotMode     string   `json:"rot_mode,omitempty"`
	RotAngle    *float64 `json:"rot_angle,omitempty"`
}

// RequiredFields lists the fields the active variant demands. Unknown
// variants report the type field itself as the problem.
func (t *Target) RequiredFields() []string {
	switch t.Type {
	case TargetSidereal:
		return []string{"ra", "dec"}
	case TargetNonSidereal:
		shared := []string{"scheme", "epochofel", "orbinc", "longascnode", "eccentricity"}
		switch t.Scheme {
		case SchemeMPCMinorPlanet:
			return append(shared, "argofperih", "meandist", "meananom")
		case SchemeMPCComet:
			return append(shared, "argofperih", "perihdist", "epochofperih")
		case SchemeJPLMajorPlanet:
			return append(shared, "argofperih", "meandist", "meananom", "dailymot")
		default:
			return []string{"scheme"}
		}
	case TargetSatellite:
		return []string{
			"altitude", "azimuth", "diff_pitch_rate", "diff_roll_rate",
			"diff_pitch_acceleration", "diff_roll_acceleration", "diff_epoch_rate",
		}
	}
	return []string{"type"}
}

// ApplyDefaults fills variant defaults for unset optional fields.
func (t *Target) ApplyDefaults() {
	if t.Type != TargetSidereal {
		return
	}
	if t.CoordinateSystem == "" {
		t.CoordinateSystem = "ICRS"
	}
	if t.Equinox == "" {
		t.Equinox = "J2000"
	}
	if t.Epoch == nil {
		t.Epoch = ptr(2000.0)
	}
	if t.Parallax == nil {
		t.Parallax = ptr(0.0)
	}
	if t.ProperMotionRA == nil {
		t.ProperMotionRA = ptr(0.0)
	}
	if t.ProperMotionDec == nil {
		t.ProperMotionDec = ptr(0.0)
	}
}

// Validate checks required fields, ranges, and cross-field rules for the
// active variant.
func (t *Target) Validate() FieldErrors {
	fe := FieldErrors{}
	switch t.Type {
	case TargetSidereal, TargetNonSidereal, TargetSatellite:
	default:
		fe.Add("type", "invalid target type %q", string(t.Type))
		return fe
	}

	for _, field := range t.RequiredFields() {
		if !t.fieldSet(field) {
			fe.Add(field, "this field is required")
		}
	}
	if !fe.Empty() {
		return fe
	}

	switch t.Type {
	case TargetSidereal:
		if *t.RA < 0 || *t.RA > 360 {
			fe.Add("ra", "must be in [0, 360]")
		}
		if *t.Dec < -90 || *t.Dec > 90 {
			fe.Add("dec", "must be in [-90, 90]")
		}
	case TargetNonSidereal:
		if !strings.Contains(string(t.Scheme), "COMET") && *t.Eccentricity > eccentricityLimit {
			fe.Add("scheme", "scheme %s requires eccentricity below %.1f; submit with scheme %s to use eccentricity %.4f",
				t.Scheme, eccentricityLimit, SchemeMPCComet, *t.Eccentricity)
		}
		if *t.OrbInc < 0 || *t.OrbInc > 180 {
			fe.Add("orbinc", "must be in [0, 180]")
		}
		if *t.Eccentricity < 0 {
			fe.Add("eccentricity", "must be non-negative")
		}
	case TargetSatellite:
		if *t.Altitude < 0 || *t.Altitude > 90 {
			fe.Add("altitude", "must be in [0, 90]")
		}
		if *t.Azimuth < 0 || *t.Azimuth > 360 {
			fe.Add("azimuth", "must be in [0, 360]")
		}
	}
	return fe
}

// Sanitize zeroes every field outside the active variant's field set so a
// serialized target carries only variant-relevant data.
func (t *Target) Sanitize() {
	if t.Type != TargetSidereal {
		t.RA, t.Dec = nil, nil
		t.ProperMotionRA, t.ProperMotionDec, t.Parallax, t.Epoch = nil, nil, nil, nil
		t.CoordinateSystem, t.Equinox = "", ""
	}
	if t.Type != TargetNonSidereal {
		t.Scheme = ""
		t.EpochOfEl, t.OrbInc, t.LongAscNode, t.ArgOfPerih = nil, nil, nil, nil
		t.Eccentricity, t.MeanDist, t.MeanAnom, t.DailyMot = nil, nil, nil, nil
		t.PerihDist, t.EpochOfPerih = nil, nil
	} else {
		switch t.Scheme {
		case SchemeMPCMinorPlanet:
			t.PerihDist, t.EpochOfPerih, t.DailyMot = nil, nil, nil
		case SchemeMPCComet:
			t.MeanDist, t.MeanAnom, t.DailyMot = nil, nil, nil
		case SchemeJPLMajorPlanet:
			t.PerihDist, t.EpochOfPerih = nil, nil
		}
	}
	if t.Type != TargetSatellite {
		t.Altitude, t.Azimuth = nil, nil
		t.DiffPitchRate, t.DiffRollRate = nil, nil
		t.DiffPitchAcceleration, t.DiffRollAcceleration, t.DiffEpochRate = nil, nil, nil
	}
}

func (t *Target) fieldSet(field string) bool {
	switch field {
	case "ra":
		return t.RA != nil
	case "dec":
		return t.Dec != nil
	case "scheme":
		return t.Scheme != ""
	case "epochofel":
		return t.EpochOfEl != nil
	case "orbinc":
		return t.OrbInc != nil
	case "longascnode":
		return t.LongAscNode != nil
	case "argofperih":
		return t.ArgOfPerih != nil
	case "eccentricity":
		return t.Eccentricity != nil
	case "meandist":
		return t.MeanDist != nil
	case "meananom":
		return t.MeanAnom != nil
	case "dailymot":
		return t.DailyMot != nil
	case "perihdist":
		return t.PerihDist != nil
	case "epochofperih":
		return t.EpochOfPerih != nil
	case "altitude":
		return t.Altitude != nil
	case "azimuth":
		return t.Azimuth != nil
	case "diff_pitch_rate":
		return t.DiffPitchRate != nil
	case "diff_roll_rate":
		return t.DiffRollRate != nil
	case "diff_pitch_acceleration":
		return t.DiffPitchAcceleration != nil
	case "diff_roll_acceleration":
		return t.DiffRollAcceleration != nil
	case "diff_epoch_rate":
		return t.DiffEpochRate != nil
	case "type":
		return t.Type != ""
	}
	return false
}

func ptr[T any](v T) *T { return &v }
