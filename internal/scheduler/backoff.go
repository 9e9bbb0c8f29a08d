package scheduler

import (
	"math/rand/v2"
	"time"
)

// Defaults for Params.
const (
	DefaultFixedBackoff = 24.0
	DefaultJitter       = 6.0
	DefaultMinDelay     = time.Minute
	DefaultMaxDelay     = 5 * time.Hour
	DefaultMaxRetries   = 14
)

// Params configures the backoff curve.
//
// The base delay is (Fixed + Jitter()) multiplied by the attempt's elapsed
// seconds; it is clamped to [Min, Max], multiplied by the retry factor, and
// clamped to Max again.
type Params struct {
	Fixed      float64
	Jitter     func() float64
	Min        time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultParams returns the production curve with uniform jitter in
// [0, DefaultJitter).
func DefaultParams() Params {
	return Params{
		Fixed:      DefaultFixedBackoff,
		Jitter:     func() float64 { return rand.Float64() * DefaultJitter },
		Min:        DefaultMinDelay,
		Max:        DefaultMaxDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay computes how long to wait before the next attempt.
func (p Params) Delay(elapsed time.Duration, retryCount int) time.Duration {
	jitter := 0.0
	if p.Jitter != nil {
		jitter = p.Jitter()
	}

	delay := p.Max
	if seconds := (p.Fixed + jitter) * elapsed.Seconds(); seconds < p.Max.Seconds() {
		delay = clamp(time.Duration(seconds*float64(time.Second)), p.Min, p.Max)
	}

	factor := max(1, retryCount)
	// Compare before multiplying so large factors cannot overflow
	if delay > p.Max/time.Duration(factor) {
		return p.Max
	}
	return clamp(delay*time.Duration(factor), p.Min, p.Max)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
