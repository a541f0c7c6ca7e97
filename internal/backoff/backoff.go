// Package backoff provides pure delay policies for retry scheduling.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy maps a zero-based attempt index to an inter-attempt delay.
// Schedule precomputes a full run of delays so that one operation
// execution observes a fixed schedule instead of resampling per inspection.
type Strategy interface {
	Name() string
	Delay(attempt int) time.Duration
	Schedule(n int) []time.Duration
}

// Exponential grows the delay geometrically up to a cap.
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	UseJitter    bool
	JitterMin    float64
	JitterMax    float64
	FastFirst    bool
}

// NewExponential returns an exponential strategy with ±20% jitter bounds.
func NewExponential(initial, max time.Duration, factor float64) *Exponential {
	return &Exponential{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       factor,
		UseJitter:    true,
		JitterMin:    0.8,
		JitterMax:    1.2,
		FastFirst:    false,
	}
}

// Name identifies the strategy.
func (e *Exponential) Name() string { return "exponential" }

// Delay computes min(maxDelay, initial*factor^attempt), jittered when enabled.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if e.FastFirst && attempt == 0 {
		return 0
	}
	base := float64(e.InitialDelay)
	for i := 0; i < attempt; i++ {
		base *= e.Factor
		if time.Duration(base) >= e.MaxDelay {
			base = float64(e.MaxDelay)
			break
		}
	}
	if time.Duration(base) > e.MaxDelay {
		base = float64(e.MaxDelay)
	}
	if e.UseJitter {
		base *= jitterFactor(e.JitterMin, e.JitterMax)
	}
	return time.Duration(base)
}

// Schedule precomputes delays for n attempts.
func (e *Exponential) Schedule(n int) []time.Duration {
	return schedule(e, n)
}

// Linear grows the delay by a fixed increment up to a cap.
type Linear struct {
	InitialDelay time.Duration
	Increment    time.Duration
	MaxDelay     time.Duration
	UseJitter    bool
}

// Name identifies the strategy.
func (l *Linear) Name() string { return "linear" }

// Delay computes min(maxDelay, initial + increment*attempt), with ±20%
// jitter applied to the increment when enabled.
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	increment := float64(l.Increment)
	if l.UseJitter {
		increment *= jitterFactor(0.8, 1.2)
	}
	delay := float64(l.InitialDelay) + increment*float64(attempt)
	if time.Duration(delay) > l.MaxDelay {
		return l.MaxDelay
	}
	return time.Duration(delay)
}

// Schedule precomputes delays for n attempts.
func (l *Linear) Schedule(n int) []time.Duration {
	return schedule(l, n)
}

// Fixed always returns the same delay.
type Fixed struct {
	Interval time.Duration
}

// Name identifies the strategy.
func (f *Fixed) Name() string { return "fixed" }

// Delay returns the configured interval regardless of attempt.
func (f *Fixed) Delay(int) time.Duration { return f.Interval }

// Schedule precomputes delays for n attempts.
func (f *Fixed) Schedule(n int) []time.Duration {
	return schedule(f, n)
}

func schedule(s Strategy, n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = s.Delay(i)
	}
	return out
}

func jitterFactor(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}
