package scheduler

import (
	"testing"
	"time"
)

func TestIntervalSchedule(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Every(10 * time.Minute)
	next := s.Next(now)
	if !next.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("Expected %v, got %v", now.Add(10*time.Minute), next)
	}
}

func TestDailySchedule(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Case 1: Time is later today
	s1 := Daily(14, 30)
	next1 := s1.Next(now)
	expected1 := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	if !next1.Equal(expected1) {
		t.Errorf("Case 1: Expected %v, got %v", expected1, next1)
	}

	// Case 2: Time has passed today, should be tomorrow
	s2 := Daily(3, 0)
	next2 := s2.Next(now)
	expected2 := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if !next2.Equal(expected2) {
		t.Errorf("Case 2: Expected %v, got %v", expected2, next2)
	}

	// Case 3: Exactly the scheduled minute rolls to tomorrow
	atTime := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	next3 := s2.Next(atTime)
	if !next3.Equal(expected2) {
		t.Errorf("Case 3: Expected %v, got %v", expected2, next3)
	}
}
