package geo

import (
	"math"
	"testing"
)

func TestDistanceZero(t *testing.T) {
	d := Distance(-6.2, 106.8, -6.2, 106.8)
	if d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
}

func TestDistanceEquatorSegment(t *testing.T) {
	// 0.001 degree of longitude at the equator is about 111.2 m
	d := Distance(0, 0, 0, 0.001)
	if math.Abs(d-111.2) > 1.2 {
		t.Errorf("expected ~111.2m, got %f", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	d1 := Distance(-6.2, 106.8, -6.9, 107.6)
	d2 := Distance(-6.9, 107.6, -6.2, 106.8)
	if d1 != d2 {
		t.Errorf("distance not symmetric: %f vs %f", d1, d2)
	}
}

func TestFenceContains(t *testing.T) {
	f := Fence{Latitude: 0, Longitude: 0, Radius: 150, Active: true}
	if !f.Contains(0, 0.001) {
		t.Error("point ~111m out should be inside 150m fence")
	}
	if f.Contains(0, 0.002) {
		t.Error("point ~222m out should be outside 150m fence")
	}
}
