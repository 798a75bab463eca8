// README: Geographic coordinate and route value objects.
package types

import "fmt"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// LatLng formats the point the way the maps APIs accept it.
func (p Point) LatLng() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Route is the answer of a routing query between two points.
type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Polyline    string  `json:"polyline,omitempty"`
}
