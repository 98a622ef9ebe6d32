package geo

import (
	"math"
	"testing"
)

func TestHaversineKm(t *testing.T) {
	// Jakarta (-6.2, 106.816) to Bandung (-6.9175, 107.6191) ~ 115-120 km
	d := HaversineKm(-6.2, 106.816, -6.9175, 107.6191)
	if d < 100 || d > 140 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestHaversineMetersShortHop(t *testing.T) {
	// 0.0009 degrees of latitude is roughly 100 m
	d := HaversineMeters(51.0, 1.0, 51.0009, 1.0)
	if math.Abs(d-100.07) > 1 {
		t.Fatalf("unexpected distance: %v", d)
	}
	if HaversineMeters(51.0, 1.0, 51.0, 1.0) != 0 {
		t.Fatalf("expected zero distance for identical points")
	}
}

type pt struct{ lat, lng float64 }

func (p pt) Lat() float64 { return p.lat }
func (p pt) Lng() float64 { return p.lng }

func TestPathLength(t *testing.T) {
	if PathLength([]pt{}) != 0 || PathLength([]pt{{51, 1}}) != 0 {
		t.Fatalf("expected zero length for short paths")
	}
	path := []pt{{51.0, 1.0}, {51.0009, 1.0}, {51.0018, 1.0}}
	d := PathLength(path)
	if math.Abs(d-200.14) > 2 {
		t.Fatalf("unexpected path length: %v", d)
	}
}
