// Package geo computes great-circle distances for the geofencing factor.
package geo

import "math"

// EarthRadiusMeters is the spherical-earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// DefaultRadiusMeters applies when a class has no explicit geofence radius.
const DefaultRadiusMeters = 50.0

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Distance returns the Haversine great-circle distance between two
// coordinates in meters. NaN inputs propagate as NaN; callers reject
// non-finite input before calling.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// WithinRadius reports whether a measured distance falls inside the allowed
// geofence radius.
func WithinRadius(distance, allowed float64) bool {
	return distance <= allowed
}

// Finite reports whether a point has finite coordinates.
func Finite(p Point) bool {
	return !math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0) &&
		!math.IsNaN(p.Lon) && !math.IsInf(p.Lon, 0)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
