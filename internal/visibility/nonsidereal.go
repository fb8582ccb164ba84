package visibility

import (
	"math"
	"time"

	"github.com/signalsfoundry/observation-portal/model"
)

// gaussianYear is the mean motion constant k in degrees per day for a body
// with a 1 AU semi-major axis.
const gaussianYear = 0.9856076686

func modifiedJulianDay(t time.Time) float64 { return julianDay(t) - 2400000.5 }

// nonSiderealRADec propagates a body's orbital elements to t and returns
// its geocentric right ascension and declination in degrees. Two-body
// Keplerian motion with a low-precision Earth position; accuracy is a
// fraction of a degree, enough for visibility windows but not for pointing.
func nonSiderealRADec(t time.Time, tgt *model.Target) (raDeg, decDeg float64) {
	var a, e, meanAnomDeg float64
	mjd := modifiedJulianDay(t)

	e = *tgt.Eccentricity
	if tgt.Scheme == model.SchemeMPCComet {
		// Comet elements perihelion-anchored. Hyperbolic orbits degrade to
		// a near-parabolic bound approximation.
		if e >= 0.999 {
			e = 0.999
		}
		a = *tgt.PerihDist / (1 - e)
		n := gaussianYear / math.Pow(a, 1.5)
		meanAnomDeg = n * (mjd - *tgt.EpochOfPerih)
	} else {
		a = *tgt.MeanDist
		n := gaussianYear / math.Pow(a, 1.5)
		if tgt.Scheme == model.SchemeJPLMajorPlanet && tgt.DailyMot != nil {
			n = *tgt.DailyMot
		}
		meanAnomDeg = *tgt.MeanAnom + n*(mjd-*tgt.EpochOfEl)
	}

	// Kepler's equation by Newton iteration.
	m := normalizeDeg(meanAnomDeg) * degToRad
	ecc := m
	for i := 0; i < 20; i++ {
		delta := (ecc - e*math.Sin(ecc) - m) / (1 - e*math.Cos(ecc))
		ecc -= delta
		if math.Abs(delta) < 1e-10 {
			break
		}
	}

	// Heliocentric position in the orbital plane, then rotate to ecliptic.
	xo := a * (math.Cos(ecc) - e)
	yo := a * math.Sqrt(1-e*e) * math.Sin(ecc)

	w := *tgt.ArgOfPerih * degToRad
	inc := *tgt.OrbInc * degToRad
	node := *tgt.LongAscNode * degToRad

	xh := (math.Cos(w)*math.Cos(node)-math.Sin(w)*math.Sin(node)*math.Cos(inc))*xo +
		(-math.Sin(w)*math.Cos(node)-math.Cos(w)*math.Sin(node)*math.Cos(inc))*yo
	yh := (math.Cos(w)*math.Sin(node)+math.Sin(w)*math.Cos(node)*math.Cos(inc))*xo +
		(-math.Sin(w)*math.Sin(node)+math.Cos(w)*math.Cos(node)*math.Cos(inc))*yo
	zh := math.Sin(w)*math.Sin(inc)*xo + math.Cos(w)*math.Sin(inc)*yo

	// Earth's heliocentric position from the low-precision solar ephemeris:
	// opposite the Sun's geocentric ecliptic longitude.
	nDays := julianDay(t) - 2451545.0
	lSun := normalizeDeg(280.460 + 0.9856474*nDays)
	g := normalizeDeg(357.528+0.9856003*nDays) * degToRad
	lamSun := (lSun + 1.915*math.Sin(g) + 0.020*math.Sin(2*g)) * degToRad
	rEarth := 1.00014 - 0.01671*math.Cos(g) - 0.00014*math.Cos(2*g)

	xe := -rEarth * math.Cos(lamSun)
	ye := -rEarth * math.Sin(lamSun)

	// Geocentric ecliptic, then equatorial.
	gx := xh - xe
	gy := yh - ye
	gz := zh

	eps := 23.4393 * degToRad
	eqx := gx
	eqy := gy*math.Cos(eps) - gz*math.Sin(eps)
	eqz := gy*math.Sin(eps) + gz*math.Cos(eps)

	ra := math.Atan2(eqy, eqx) * radToDeg
	dec := math.Atan2(eqz, math.Hypot(eqx, eqy)) * radToDeg
	return normalizeDeg(ra), dec
}
