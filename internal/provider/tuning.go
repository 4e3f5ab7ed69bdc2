package provider

import (
	"math/rand"
	"time"
)

// Tuning defaults, overridable from the relay CLI flags.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultLookback     = 10 * time.Minute
	DefaultWebHeartbeat = 30 * time.Second
)

// ReconnectPolicy shapes the wa-web reconnect backoff: delays grow as
// Initial*Factor^attempt up to Max, spread by +-Jitter, and the provider
// goes fatal once MaxAttempts have failed.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, 0..1
	MaxAttempts int
}

// DefaultReconnectPolicy is the stock wa-web schedule: 2s, 4s, 8s...
// capped at 60s, ten tries, fifth of jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:     2 * time.Second,
		Max:         60 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Backoff returns the delay before reconnect attempt n (zero-based).
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	delay := time.Duration(d)
	if p.Jitter > 0 && delay > 0 {
		span := int64(float64(delay) * p.Jitter)
		if span > 0 {
			delay += time.Duration(rand.Int63n(2*span) - span)
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// RelayTuning carries the per-provider runtime knobs from the CLI into
// StartListening. Every provider receives the full set and reads only
// what applies to it.
type RelayTuning struct {
	// PollInterval is the wa-twilio fetch cadence.
	PollInterval time.Duration
	// Lookback bounds how far back a wa-twilio poll reaches.
	Lookback time.Duration
	// WebHeartbeat is the wa-web keepalive probe period; zero disables.
	WebHeartbeat time.Duration
	// Reconnect is the wa-web socket recovery schedule.
	Reconnect ReconnectPolicy
}

// DefaultTuning returns the tuning used when no flags are given.
func DefaultTuning() *RelayTuning {
	return &RelayTuning{
		PollInterval: DefaultPollInterval,
		Lookback:     DefaultLookback,
		WebHeartbeat: DefaultWebHeartbeat,
		Reconnect:    DefaultReconnectPolicy(),
	}
}
