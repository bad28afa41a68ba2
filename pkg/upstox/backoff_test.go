package upstox

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	p := DefaultBackoff()
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	p := DefaultBackoff()
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Exhausted(attempt) {
			t.Errorf("Exhausted(%d) = true within budget", attempt)
		}
	}
	if !p.Exhausted(p.MaxAttempts + 1) {
		t.Error("Exhausted past budget = false")
	}
}
