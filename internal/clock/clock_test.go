package clock

import (
	"testing"
	"time"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRemaining(t *testing.T) {
	if got := Remaining(base, base.Add(7*time.Minute)); got != 7*time.Minute {
		t.Errorf("remaining = %v, want 7m", got)
	}
	if got := Remaining(base, base.Add(-time.Minute)); got != 0 {
		t.Errorf("elapsed deadline remaining = %v, want 0", got)
	}
	if got := Remaining(base, base); got != 0 {
		t.Errorf("exact deadline remaining = %v, want 0", got)
	}
}

func TestUrgencyFor(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      Urgency
	}{
		{30 * time.Minute, UrgencyGreen},
		{10*time.Minute + time.Second, UrgencyGreen},
		{10 * time.Minute, UrgencyYellow},
		{6 * time.Minute, UrgencyYellow},
		{5 * time.Minute, UrgencyRed},
		{time.Second, UrgencyRed},
		{0, UrgencyRed},
	}
	for _, tt := range tests {
		if got := UrgencyFor(tt.remaining); got != tt.want {
			t.Errorf("UrgencyFor(%v) = %s, want %s", tt.remaining, got, tt.want)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	created := base
	departure := base.Add(10 * time.Minute)

	if got := ProgressPercent(base.Add(5*time.Minute), created, departure); got != 50 {
		t.Errorf("halfway = %v, want 50", got)
	}
	if got := ProgressPercent(base, created, departure); got != 100 {
		t.Errorf("at creation = %v, want 100", got)
	}
	if got := ProgressPercent(base.Add(time.Hour), created, departure); got != 0 {
		t.Errorf("long elapsed = %v, want 0", got)
	}
	if got := ProgressPercent(base, created, created); got != 0 {
		t.Errorf("zero window = %v, want 0", got)
	}
}
