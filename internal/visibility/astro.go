package visibility

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

const (
	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi

	// HoursPerDegree converts hour-angle limits expressed in hours to
	// degrees of rotation.
	HoursPerDegree = 15.0

	// NauticalTwilightDeg is the solar altitude below which the sky counts
	// as dark.
	NauticalTwilightDeg = -12.0
)

func julianDay(t time.Time) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	return satellite.JDay(year, int(month), day, hour, min, sec)
}

// localSiderealTime returns the local apparent sidereal time in degrees at
// the given east longitude (degrees).
func localSiderealTime(t time.Time, longitudeDeg float64) float64 {
	gmst := satellite.ThetaG_JD(julianDay(t)) * radToDeg
	return normalizeDeg(gmst + longitudeDeg)
}

// hourAngleDeg returns the target hour angle in degrees, normalised to
// (-180, 180].
func hourAngleDeg(t time.Time, longitudeDeg, raDeg float64) float64 {
	ha := localSiderealTime(t, longitudeDeg) - raDeg
	for ha > 180 {
		ha -= 360
	}
	for ha <= -180 {
		ha += 360
	}
	return ha
}

// altitudeDeg returns the altitude of a point at (raDeg, decDeg) above the
// horizon of a site at latitudeDeg, longitudeDeg.
func altitudeDeg(t time.Time, latitudeDeg, longitudeDeg, raDeg, decDeg float64) float64 {
	ha := hourAngleDeg(t, longitudeDeg, raDeg) * degToRad
	lat := latitudeDeg * degToRad
	dec := decDeg * degToRad
	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	return math.Asin(clamp(sinAlt, -1, 1)) * radToDeg
}

// airmass approximates the optical path length through the atmosphere as
// the secant of the zenith angle. Below the horizon it is meaningless; the
// caller checks altitude first.
func airmass(altDeg float64) float64 {
	sinAlt := math.Sin(altDeg * degToRad)
	if sinAlt <= 0 {
		return math.Inf(1)
	}
	return 1.0 / sinAlt
}

// sunRADec returns the apparent solar right ascension and declination in
// degrees, using the low-precision formulae of the Astronomical Almanac
// (good to ~0.01 degrees, well inside a twilight test's tolerance).
func sunRADec(t time.Time) (raDeg, decDeg float64) {
	n := julianDay(t) - 2451545.0
	l := normalizeDeg(280.460 + 0.9856474*n)
	g := normalizeDeg(357.528+0.9856003*n) * degToRad
	lambda := (l + 1.915*math.Sin(g) + 0.020*math.Sin(2*g)) * degToRad
	eps := (23.439 - 0.0000004*n) * degToRad

	ra := math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda)) * radToDeg
	dec := math.Asin(math.Sin(eps)*math.Sin(lambda)) * radToDeg
	return normalizeDeg(ra), dec
}

// sunAltitudeDeg returns the solar altitude at the site.
func sunAltitudeDeg(t time.Time, latitudeDeg, longitudeDeg float64) float64 {
	ra, dec := sunRADec(t)
	return altitudeDeg(t, latitudeDeg, longitudeDeg, ra, dec)
}

// moonRADec returns the geocentric lunar right ascension and declination in
// degrees from the Almanac low-precision series (~0.3 degree accuracy).
func moonRADec(t time.Time) (raDeg, decDeg float64) {
	T := (julianDay(t) - 2451545.0) / 36525.0

	lambda := 218.32 + 481267.883*T +
		6.29*sinDeg(134.9+477198.85*T) -
		1.27*sinDeg(259.2-413335.38*T) +
		0.66*sinDeg(235.7+890534.23*T) +
		0.21*sinDeg(269.9+954397.70*T) -
		0.19*sinDeg(357.5+35999.05*T) -
		0.11*sinDeg(186.6+966404.05*T)
	beta := 5.13*sinDeg(93.3+483202.03*T) +
		0.28*sinDeg(228.2+960400.87*T) -
		0.28*sinDeg(318.3+6003.18*T) -
		0.17*sinDeg(217.6-407332.20*T)

	lam := normalizeDeg(lambda) * degToRad
	bet := beta * degToRad
	eps := 23.4393 * degToRad

	x := math.Cos(bet) * math.Cos(lam)
	y := math.Cos(eps)*math.Cos(bet)*math.Sin(lam) - math.Sin(eps)*math.Sin(bet)
	z := math.Sin(eps)*math.Cos(bet)*math.Sin(lam) + math.Cos(eps)*math.Sin(bet)

	ra := math.Atan2(y, x) * radToDeg
	dec := math.Asin(clamp(z, -1, 1)) * radToDeg
	return normalizeDeg(ra), dec
}

// angularSeparationDeg returns the great-circle distance between two sky
// positions in degrees.
func angularSeparationDeg(ra1, dec1, ra2, dec2 float64) float64 {
	a1, d1 := ra1*degToRad, dec1*degToRad
	a2, d2 := ra2*degToRad, dec2*degToRad
	cosSep := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(a1-a2)
	return math.Acos(clamp(cosSep, -1, 1)) * radToDeg
}

func sinDeg(deg float64) float64 { return math.Sin(deg * degToRad) }

func normalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
