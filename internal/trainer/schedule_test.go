package trainer

import (
	"math"
	"testing"
)

func TestLinearScheduleDecaysToZero(t *testing.T) {
	s, err := NewSchedule("linear", 1.0, 0, 100)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	cases := []struct {
		step int
		want float64
	}{
		{0, 1.0},
		{25, 0.75},
		{50, 0.5},
		{100, 0},
		{150, 0},
	}
	for _, tc := range cases {
		if got := s(tc.step); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Expected lr %g at step %d, got %g", tc.want, tc.step, got)
		}
	}
}

func TestLinearScheduleWarmup(t *testing.T) {
	s, err := NewSchedule("linear", 1.0, 10, 110)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	cases := []struct {
		step int
		want float64
	}{
		{0, 0},
		{5, 0.5},
		{10, 1.0},
		{60, 0.5},
		{110, 0},
	}
	for _, tc := range cases {
		if got := s(tc.step); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Expected lr %g at step %d, got %g", tc.want, tc.step, got)
		}
	}
}

func TestCosineSchedule(t *testing.T) {
	s, err := NewSchedule("cosine", 2.0, 0, 100)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	if got := s(0); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("Expected full rate at step 0, got %g", got)
	}
	if got := s(50); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Expected half rate at the midpoint, got %g", got)
	}
	if got := s(100); math.Abs(got) > 1e-12 {
		t.Errorf("Expected zero rate at the end, got %g", got)
	}
	if got := s(200); math.Abs(got) > 1e-12 {
		t.Errorf("Expected zero rate past the end, got %g", got)
	}
}

func TestConstantScheduleHoldsAfterWarmup(t *testing.T) {
	s, err := NewSchedule("constant", 0.5, 4, 0)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	if got := s(0); got != 0 {
		t.Errorf("Expected zero rate at step 0 of warmup, got %g", got)
	}
	if got := s(2); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("Expected 0.25 midway through warmup, got %g", got)
	}
	for _, step := range []int{4, 100, 100000} {
		if got := s(step); got != 0.5 {
			t.Errorf("Expected constant 0.5 at step %d, got %g", step, got)
		}
	}
}

func TestScheduleRejectsUnknownName(t *testing.T) {
	if _, err := NewSchedule("polynomial", 1.0, 0, 100); err == nil {
		t.Error("Expected error for unknown scheduler name")
	}
}

func TestScheduleRejectsBadRate(t *testing.T) {
	if _, err := NewSchedule("linear", 0, 0, 100); err == nil {
		t.Error("Expected error for zero learning rate")
	}
	if _, err := NewSchedule("linear", -1, 0, 100); err == nil {
		t.Error("Expected error for negative learning rate")
	}
}
