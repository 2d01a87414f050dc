package geo

import (
	"math"
	"testing"
)

func TestDistanceIdentity(t *testing.T) {
	points := []Point{
		{0, 0},
		{19.0760, 72.8777},
		{-33.8688, 151.2093},
		{89.9, -179.9},
	}
	for _, p := range points {
		if d := Distance(p.Lat, p.Lon, p.Lat, p.Lon); d != 0 {
			t.Errorf("Distance(%v, %v, same) = %g, want 0", p.Lat, p.Lon, d)
		}
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := Point{19.0760, 72.8777}
	b := Point{19.0744, 72.8765}
	ab := Distance(a.Lat, a.Lon, b.Lat, b.Lon)
	ba := Distance(b.Lat, b.Lon, a.Lat, a.Lon)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("Distance not symmetric: %g vs %g", ab, ba)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// ~200m north of the reference point: 200 / 111194.9 degrees of latitude.
	const lat, lon = 19.0760, 72.8777
	d := Distance(lat, lon, lat+200/111194.9, lon)
	if math.Abs(d-200) > 1 {
		t.Errorf("expected ~200m, got %g", d)
	}
}

func TestWithinRadiusBoundary(t *testing.T) {
	const lat, lon = 19.0760, 72.8777
	const metersPerDegreeLat = 111194.9

	exactly := Distance(lat, lon, lat+50/metersPerDegreeLat, lon)
	if !WithinRadius(exactly, 50+1e-6) {
		t.Errorf("point at allowed radius (%gm) should be within", exactly)
	}

	beyond := Distance(lat, lon, lat+51/metersPerDegreeLat, lon)
	if WithinRadius(beyond, 50) {
		t.Errorf("point at radius+1m (%gm) should be outside", beyond)
	}
}

func TestNaNPropagates(t *testing.T) {
	if d := Distance(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Errorf("NaN input should yield NaN, got %g", d)
	}
}

func TestFinite(t *testing.T) {
	if Finite(Point{math.NaN(), 0}) {
		t.Error("NaN latitude should not be finite")
	}
	if Finite(Point{0, math.Inf(1)}) {
		t.Error("infinite longitude should not be finite")
	}
	if !Finite(Point{19.0760, 72.8777}) {
		t.Error("ordinary coordinates should be finite")
	}
}
