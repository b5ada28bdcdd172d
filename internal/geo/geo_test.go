package geo

import (
	"math"
	"testing"
)

func TestDistanceKm_OneDegreeAtEquator(t *testing.T) {
	got := DistanceKm(0, 0, 0, 1)
	if math.Abs(got-111.19) > 0.5 {
		t.Fatalf("expected ~111.19 km, got %.4f", got)
	}
}

func TestDistanceKm_SamePointIsZero(t *testing.T) {
	if got := DistanceKm(13.0827, 80.2707, 13.0827, 80.2707); got != 0.0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	points := [][2]float64{
		{12.90, 77.60},
		{12.905, 77.605},
		{-33.8688, 151.2093},
		{51.5074, -0.1278},
		{0, 0},
		{89.9, 179.9},
	}
	for _, a := range points {
		for _, b := range points {
			ab := DistanceKm(a[0], a[1], b[0], b[1])
			ba := DistanceKm(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric distance %v->%v: %v vs %v", a, b, ab, ba)
			}
		}
		if d := DistanceKm(a[0], a[1], a[0], a[1]); d != 0 {
			t.Fatalf("distance of %v to itself = %v", a, d)
		}
	}
}

func TestDistanceKm_KnownPair(t *testing.T) {
	// Event and user from the end-to-end alert scenario.
	got := DistanceKm(12.90, 77.60, 12.905, 77.605)
	if got < 0.6 || got > 0.85 {
		t.Fatalf("expected ~0.77 km, got %.4f", got)
	}
}

func TestDistanceKm_OutOfRangeDoesNotPanic(t *testing.T) {
	got := DistanceKm(200, -400, -95, 720)
	if math.IsNaN(got) {
		t.Fatal("expected a number for out-of-range input")
	}
}

func TestBoundingBox_ContainsRadius(t *testing.T) {
	lat, lon, r := 12.90, 77.60, 10.0
	box := BoundingBox(lat, lon, r)

	if box.MinLat >= lat || box.MaxLat <= lat || box.MinLon >= lon || box.MaxLon <= lon {
		t.Fatalf("box %+v does not contain its center", box)
	}
	// Edges of the box are at least r away along each axis.
	if d := DistanceKm(lat, lon, box.MaxLat, lon); d < r-1e-6 {
		t.Fatalf("north edge only %.4f km away", d)
	}
	if d := DistanceKm(lat, lon, lat, box.MaxLon); d < r-1e-6 {
		t.Fatalf("east edge only %.4f km away", d)
	}
}

func TestBoundingBox_Antimeridian(t *testing.T) {
	box := BoundingBox(-17.7, 179.99, 5)
	if box.MinLon != -180 || box.MaxLon != 180 {
		t.Fatalf("expected full longitude span across the antimeridian, got %+v", box)
	}
	if box.MinLat >= -17.7 || box.MaxLat <= -17.7 {
		t.Fatalf("latitude span %+v does not contain center", box)
	}
}

func TestBoundingBox_NearPole(t *testing.T) {
	box := BoundingBox(89.999, 10, 50)
	if box.MinLon != -180 || box.MaxLon != 180 {
		t.Fatalf("expected full longitude span near pole, got %+v", box)
	}
	if box.MaxLat != 90 {
		t.Fatalf("expected latitude clamped to 90, got %v", box.MaxLat)
	}
}
