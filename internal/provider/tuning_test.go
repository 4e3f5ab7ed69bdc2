package provider

import (
	"testing"
	"time"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	pol := ReconnectPolicy{
		Initial:     100 * time.Millisecond,
		Max:         800 * time.Millisecond,
		Factor:      2,
		Jitter:      0,
		MaxAttempts: 4,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := pol.Backoff(attempt); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestReconnectBackoffCap(t *testing.T) {
	pol := ReconnectPolicy{
		Initial:     1 * time.Second,
		Max:         5 * time.Second,
		Factor:      3,
		MaxAttempts: 10,
	}

	if got := pol.Backoff(1); got != 3*time.Second {
		t.Errorf("Backoff(1) = %v, want 3s", got)
	}
	for _, attempt := range []int{2, 5, 50} {
		if got := pol.Backoff(attempt); got != 5*time.Second {
			t.Errorf("Backoff(%d) = %v, want capped 5s", attempt, got)
		}
	}
}

func TestReconnectBackoffJitterBounds(t *testing.T) {
	pol := ReconnectPolicy{
		Initial:     100 * time.Millisecond,
		Max:         time.Second,
		Factor:      2,
		Jitter:      0.5,
		MaxAttempts: 4,
	}

	lo := 50 * time.Millisecond
	hi := 150 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := pol.Backoff(0)
		if got < lo || got > hi {
			t.Fatalf("Backoff(0) = %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestDefaultTuning(t *testing.T) {
	tuning := DefaultTuning()
	if tuning.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v", tuning.PollInterval)
	}
	if tuning.Lookback != DefaultLookback {
		t.Errorf("Lookback = %v", tuning.Lookback)
	}
	if tuning.Reconnect.MaxAttempts <= 0 {
		t.Error("default reconnect policy must bound attempts")
	}
	if tuning.Reconnect.Factor <= 1 {
		t.Errorf("Factor = %v, want > 1", tuning.Reconnect.Factor)
	}
}
