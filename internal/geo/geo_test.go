package geo

import (
	"math"
	"strings"
	"testing"

	"ridelink/internal/types"
)

func TestDistanceKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 25.033, Lng: 121.565},
			b:         types.Point{Lat: 25.033, Lng: 121.565},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Taipei 101 to Taipei Main Station",
			a:         types.Point{Lat: 25.0340, Lng: 121.5645},
			b:         types.Point{Lat: 25.0478, Lng: 121.5170},
			wantKm:    5.0,
			tolerance: 0.5,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("DistanceKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestDistanceKm_ZeroForSamePoint(t *testing.T) {
	points := []types.Point{
		{Lat: 0, Lng: 0},
		{Lat: 89.9, Lng: 179.9},
		{Lat: -33.8688, Lng: 151.2093},
		{Lat: 25.033, Lng: 121.565},
	}
	for _, p := range points {
		if d := DistanceKm(p, p); d != 0 {
			t.Errorf("DistanceKm(%v, %v) = %f, want 0", p, p, d)
		}
	}
}

func TestDistanceKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	d1 := DistanceKm(a, b)
	d2 := DistanceKm(b, a)
	if math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestWithin_FourHundredMetres(t *testing.T) {
	// 0.4 km due north: 0.4 / 111.195 degrees of latitude.
	a := types.Point{Lat: 25.0, Lng: 121.5}
	b := types.Point{Lat: 25.0 + 0.4/111.195, Lng: 121.5}

	if d := DistanceKm(a, b); math.Abs(d-0.4) > 0.001 {
		t.Fatalf("expected ~0.4km, got %f", d)
	}
	if !Within(a, b, 0.5) {
		t.Error("expected within 0.5km")
	}
	if Within(a, b, 0.3) {
		t.Error("expected outside 0.3km")
	}
}

func TestBearingDeg(t *testing.T) {
	origin := types.Point{Lat: 0, Lng: 0}
	tests := []struct {
		name string
		to   types.Point
		want float64
	}{
		{"north", types.Point{Lat: 1, Lng: 0}, 0},
		{"east", types.Point{Lat: 0, Lng: 1}, 90},
		{"south", types.Point{Lat: -1, Lng: 0}, 180},
		{"west", types.Point{Lat: 0, Lng: -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BearingDeg(origin, tt.to)
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("BearingDeg() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCellAndNeighbors(t *testing.T) {
	p := types.Point{Lat: 25.0340, Lng: 121.5645}
	cell := Cell(p, CellPrecision)
	if len(cell) != CellPrecision {
		t.Fatalf("expected %d chars, got %q", CellPrecision, cell)
	}
	if coarse := Cell(p, 5); !strings.HasPrefix(cell, coarse) {
		t.Errorf("cell %q should refine %q", cell, coarse)
	}
	if n := Neighbors(cell); len(n) != 8 {
		t.Errorf("expected 8 neighbors, got %d", len(n))
	}
}

func TestCoveringCells(t *testing.T) {
	p := types.Point{Lat: 25.0340, Lng: 121.5645}

	cells := CoveringCells(p, 0.1)
	if len(cells) != 9 || len(cells[0]) != CellPrecision {
		t.Fatalf("expected 9 cells at precision %d, got %v", CellPrecision, cells)
	}
	if wide := CoveringCells(p, 3); len(wide[0]) != 5 {
		t.Errorf("3km should need precision 5 cells at this latitude, got %q", wide[0])
	}
	if all := CoveringCells(p, 6000); all != nil {
		t.Errorf("expected nil for a radius wider than any cell, got %v", all)
	}

	// points across a cell border are still covered
	origin := types.Point{Lat: 0.0005, Lng: 0.0005}
	for _, q := range []types.Point{
		{Lat: -0.0005, Lng: -0.0005},
		{Lat: 0.0005, Lng: -0.001},
		{Lat: -0.001, Lng: 0.0005},
	} {
		cells := CoveringCells(origin, 0.3)
		found := false
		for _, c := range cells {
			if strings.HasPrefix(Cell(q, CellPrecision), c) {
				found = true
			}
		}
		if !found {
			t.Errorf("point %+v not covered by %v", q, cells)
		}
	}
}

type located struct {
	id   string
	dist float64
}

func TestSortByDistance(t *testing.T) {
	items := []located{{"c", 5}, {"a", 1}, {"b", 3}}
	SortByDistance(items, func(l located) float64 { return l.dist })
	if items[0].id != "a" || items[1].id != "b" || items[2].id != "c" {
		t.Errorf("unexpected sort order: %v", items)
	}

	var empty []located
	SortByDistance(empty, func(l located) float64 { return l.dist })
}
