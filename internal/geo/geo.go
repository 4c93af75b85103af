// Package geo provides the great-circle math and magnitude-dependent
// search radius used when pairing events with station channels.
package geo

import "math"

// DistanceDeg returns the great-circle distance between two points in
// degrees of arc, via the haversine formula.
func DistanceDeg(lat1, lon1, lat2, lon2 float64) float64 {
	const d2r = math.Pi / 180
	phi1, phi2 := lat1*d2r, lat2*d2r
	dphi := (lat2 - lat1) * d2r
	dlam := (lon2 - lon1) * d2r
	a := math.Sin(dphi/2)*math.Sin(dphi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlam/2)*math.Sin(dlam/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / d2r
}

// RadiusSchedule maps event magnitude to a search radius in degrees by
// linear interpolation between (MinMag, MinRadius) and (MaxMag, MaxRadius),
// clamped outside that range.
type RadiusSchedule struct {
	MinMag    float64
	MaxMag    float64
	MinRadius float64
	MaxRadius float64
}

// Radius returns the search radius for the given magnitude.
func (s RadiusSchedule) Radius(mag float64) float64 {
	if s.MinMag == s.MaxMag {
		if mag < s.MinMag {
			return s.MinRadius
		}
		return s.MaxRadius
	}
	if mag <= s.MinMag {
		return s.MinRadius
	}
	if mag >= s.MaxMag {
		return s.MaxRadius
	}
	frac := (mag - s.MinMag) / (s.MaxMag - s.MinMag)
	return s.MinRadius + frac*(s.MaxRadius-s.MinRadius)
}
