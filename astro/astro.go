// Package astro relates the rotator's horizontal pointing to equatorial
// and galactic sky coordinates for a fixed observer.
//
// The transforms are the standard spherical ones (see
// https://metacpan.org/dist/Astro-Montenbruck); equinox-of-date effects
// are ignored, which is far inside the pointing budget of a degree-class
// rotator.
package astro

import (
	"math"
	"time"
)

// Observer is a location on the earth's surface.
type Observer struct {
	// Lat and Lon are geodetic degrees, north and east positive.
	Lat float64
	Lon float64
	// Height above sea level in meters.
	Height float64
}

// SkyCoord is an equatorial sky position with both angles in degrees.
type SkyCoord struct {
	RA  float64
	Dec float64
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func norm360(x float64) float64 {
	x = math.Mod(x, 360)
	if x < 0 {
		x += 360
	}
	return x
}

// asin with the argument clamped against rounding just past +/-1.
func asin(x float64) float64 {
	return math.Asin(math.Max(-1, math.Min(1, x)))
}

func julianDate(t time.Time) float64 {
	return float64(t.UnixNano())/1e9/86400 + 2440587.5
}

// gmst returns Greenwich mean sidereal time in degrees. IAU 1982
// linearization about J2000; the drift over decades is well under the
// rotator's pointing resolution.
func gmst(t time.Time) float64 {
	d := julianDate(t.UTC()) - 2451545.0
	return norm360(280.46061837 + 360.98564736629*d)
}

// LST returns the observer's local mean sidereal time in degrees.
func (o Observer) LST(t time.Time) float64 {
	return norm360(gmst(t) + o.Lon)
}

// Horizontal converts a sky coordinate to azimuth/altitude for this
// observer at time t. Azimuth is measured from north through east,
// altitude from the horizon.
func (o Observer) Horizontal(c SkyCoord, t time.Time) (az, alt float64) {
	ha := deg2rad(norm360(o.LST(t) - c.RA))
	dec, lat := deg2rad(c.Dec), deg2rad(o.Lat)

	sa := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(ha)
	altR := asin(sa)
	azR := math.Atan2(-math.Cos(dec)*math.Sin(ha),
		math.Sin(dec)*math.Cos(lat)-math.Cos(dec)*math.Sin(lat)*math.Cos(ha))
	return norm360(rad2deg(azR)), rad2deg(altR)
}

// Equatorial is the inverse of Horizontal: the sky coordinate the
// rotator points at for a given azimuth/altitude at time t.
func (o Observer) Equatorial(az, alt float64, t time.Time) SkyCoord {
	azR, altR, lat := deg2rad(az), deg2rad(alt), deg2rad(o.Lat)

	sd := math.Sin(altR)*math.Sin(lat) + math.Cos(altR)*math.Cos(lat)*math.Cos(azR)
	dec := asin(sd)
	ha := math.Atan2(-math.Cos(altR)*math.Sin(azR),
		math.Sin(altR)*math.Cos(lat)-math.Cos(altR)*math.Sin(lat)*math.Cos(azR))
	return SkyCoord{RA: norm360(o.LST(t) - rad2deg(ha)), Dec: rad2deg(dec)}
}

// J2000 orientation of the galactic frame.
const (
	galPoleRA  = 192.85948
	galPoleDec = 27.12825
	galLonNCP  = 122.93192
)

// Galactic returns the galactic longitude and latitude the rotator
// points at for a given azimuth/altitude at time t.
func (o Observer) Galactic(az, alt float64, t time.Time) (l, b float64) {
	c := o.Equatorial(az, alt, t)
	ra := deg2rad(c.RA - galPoleRA)
	dec, pd := deg2rad(c.Dec), deg2rad(galPoleDec)

	sb := math.Sin(dec)*math.Sin(pd) + math.Cos(dec)*math.Cos(pd)*math.Cos(ra)
	bR := asin(sb)
	lR := math.Atan2(math.Cos(dec)*math.Sin(ra),
		math.Sin(dec)*math.Cos(pd)-math.Cos(dec)*math.Sin(pd)*math.Cos(ra))
	return norm360(galLonNCP - rad2deg(lR)), rad2deg(bR)
}

// Separation returns the angular separation between two sky coordinates
// in degrees.
func Separation(a, b SkyCoord) float64 {
	d1, d2 := deg2rad(a.Dec), deg2rad(b.Dec)
	sd := math.Sin(deg2rad(b.Dec-a.Dec) / 2)
	sr := math.Sin(deg2rad(b.RA-a.RA) / 2)
	h := sd*sd + math.Cos(d1)*math.Cos(d2)*sr*sr
	return rad2deg(2 * asin(math.Sqrt(h)))
}
