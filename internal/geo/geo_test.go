package geo

import (
	"math"
	"testing"
)

func TestDistanceDeg(t *testing.T) {
	cases := []struct {
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{0, 0, 0, 0, 0},
		{0, 0, 0, 90, 90},
		{0, 0, 0, 180, 180},
		{90, 0, -90, 0, 180},
		{0, 0, 90, 0, 90},
		{45, 0, 45, 0, 0},
	}
	for _, c := range cases {
		got := DistanceDeg(c.lat1, c.lon1, c.lat2, c.lon2)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("DistanceDeg(%v,%v,%v,%v) = %v, want %v",
				c.lat1, c.lon1, c.lat2, c.lon2, got, c.want)
		}
	}
}

func TestDistanceDegSymmetric(t *testing.T) {
	a := DistanceDeg(39.12, 23.55, 37.07, 25.53)
	b := DistanceDeg(37.07, 25.53, 39.12, 23.55)
	if math.Abs(a-b) > 1e-12 {
		t.Errorf("not symmetric: %v vs %v", a, b)
	}
	if a <= 0 || a > 5 {
		t.Errorf("Aegean pair distance implausible: %v", a)
	}
}

func TestRadiusSchedule(t *testing.T) {
	s := RadiusSchedule{MinMag: 3, MaxMag: 7, MinRadius: 1, MaxRadius: 5}
	cases := []struct{ mag, want float64 }{
		{2.0, 1},  // clamp below
		{3.0, 1},  // boundary
		{5.0, 3},  // midpoint
		{7.0, 5},  // boundary
		{8.5, 5},  // clamp above
		{4.0, 2},  // quarter
	}
	for _, c := range cases {
		if got := s.Radius(c.mag); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Radius(%v) = %v, want %v", c.mag, got, c.want)
		}
	}
}

func TestRadiusScheduleStep(t *testing.T) {
	// MinMag == MaxMag degenerates to a step function.
	s := RadiusSchedule{MinMag: 5, MaxMag: 5, MinRadius: 2, MaxRadius: 10}
	if got := s.Radius(4.9); got != 2 {
		t.Errorf("below step: %v", got)
	}
	if got := s.Radius(5.0); got != 10 {
		t.Errorf("at step: %v", got)
	}
	if got := s.Radius(6.0); got != 10 {
		t.Errorf("above step: %v", got)
	}
}
