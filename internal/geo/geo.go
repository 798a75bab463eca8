// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"ridelink/internal/types"
)

const earthRadiusKm = 6371.0

// CellPrecision is the geohash length used for presence cells (~150m).
const CellPrecision = 7

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in degrees, [0, 360).
func BearingDeg(a, b types.Point) float64 {
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(deg+360, 360)
}

// Within reports whether a and b are at most radiusKm apart.
func Within(a, b types.Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

func Cell(p types.Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
}

// Neighbors returns the eight cells around cell.
func Neighbors(cell string) []string {
	return geohash.Neighbors(cell)
}

// cellSizesKm holds the height and equatorial width of a geohash cell,
// indexed by precision-1.
var cellSizesKm = [CellPrecision][2]float64{
	{4992.6, 5009.4},
	{624.1, 1252.3},
	{156.0, 156.5},
	{19.5, 39.1},
	{4.89, 4.89},
	{0.61, 1.22},
	{0.153, 0.153},
}

// CoveringCells returns the cell of p and its eight neighbours at the finest
// precision whose cells are at least radiusKm across, so every point within
// radiusKm of p lies in one of them. Nil means no precision is coarse enough.
func CoveringCells(p types.Point, radiusKm float64) []string {
	// width shrinks towards the poles; measure it at the far edge of the circle
	lat := math.Min(90, math.Abs(p.Lat)+radiusKm/111.0)
	shrink := math.Cos(degreesToRadians(lat))
	for i := len(cellSizesKm) - 1; i >= 0; i-- {
		if math.Min(cellSizesKm[i][0], cellSizesKm[i][1]*shrink) >= radiusKm {
			cell := Cell(p, uint(i+1))
			return append([]string{cell}, Neighbors(cell)...)
		}
	}
	return nil
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
