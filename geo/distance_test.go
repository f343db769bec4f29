package geo

import (
	"math"
	"testing"
)

func TestDistanceSymmetry(t *testing.T) {
	pairs := [][2]Point{
		{{Lat: 40.7128, Lon: -74.0060}, {Lat: 34.0522, Lon: -118.2437}},
		{{Lat: -33.8688, Lon: 151.2093}, {Lat: 51.5074, Lon: -0.1278}},
		{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 180}},
	}
	for _, pair := range pairs {
		ab := Distance(pair[0], pair[1])
		ba := Distance(pair[1], pair[0])
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("distance not symmetric: %v vs %v", ab, ba)
		}
	}
}

func TestDistanceIdentity(t *testing.T) {
	p := Point{Lat: 40.7128, Lon: -74.0060}
	if d := Distance(p, p); d != 0 {
		t.Errorf("distance to self = %v, want 0", d)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// New York -> Los Angeles, roughly 3936 km
	ny := Point{Lat: 40.7128, Lon: -74.0060}
	la := Point{Lat: 34.0522, Lon: -118.2437}
	d := Distance(ny, la)
	if d < 3900 || d > 3980 {
		t.Errorf("NY-LA distance = %v km, want ~3936", d)
	}
}

func TestDecayScore(t *testing.T) {
	if got := DecayScore(0, 50, 0.1); got != 1 {
		t.Errorf("zero distance score = %v, want 1", got)
	}
	near := DecayScore(10, 50, 0.1)
	far := DecayScore(40, 50, 0.1)
	if near <= far {
		t.Errorf("nearer should score higher: %v <= %v", near, far)
	}
	if got := DecayScore(51, 50, 0.1); got != 0.1 {
		t.Errorf("beyond radius score = %v, want floor 0.1", got)
	}
	if got := DecayScore(10, 0, 0.1); got != 0.1 {
		t.Errorf("zero radius score = %v, want floor 0.1", got)
	}
}

func TestCentroid(t *testing.T) {
	points := []Point{
		{Lat: 10, Lon: 20},
		{Lat: 20, Lon: 40},
	}
	c, ok := Centroid(points)
	if !ok {
		t.Fatal("expected centroid for non-empty set")
	}
	if c.Lat != 15 || c.Lon != 30 {
		t.Errorf("centroid = %+v, want {15 30}", c)
	}

	if _, ok := Centroid(nil); ok {
		t.Error("expected ok=false for empty set")
	}
}
