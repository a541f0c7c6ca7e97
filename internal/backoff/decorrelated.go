package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DecorrelatedJitter implements the decorrelated jitter v2 recurrence.
// The first delay draws uniformly from [0.5, 1.5]×MedianFirstDelay (zero
// when FastFirst is set) and each subsequent delay draws uniformly from
// [0, min(MaxDelay, 3×previous)]. Each delay depends on the previously
// sampled delay, not the attempt index alone, so the recurrence is kept
// as sampled state rather than collapsed into a closed form.
type DecorrelatedJitter struct {
	MedianFirstDelay time.Duration
	MaxDelay         time.Duration
	FastFirst        bool

	mu          sync.Mutex
	prev        time.Duration
	lastAttempt int
}

// NewDecorrelatedJitter constructs the strategy with the given first-delay median and cap.
func NewDecorrelatedJitter(median, max time.Duration) *DecorrelatedJitter {
	return &DecorrelatedJitter{
		MedianFirstDelay: median,
		MaxDelay:         max,
		FastFirst:        false,
		prev:             0,
		lastAttempt:      -1,
	}
}

// Name identifies the strategy.
func (d *DecorrelatedJitter) Name() string { return "decorrelated_jitter" }

// Delay samples the next delay in the chain. Out-of-order attempt indices
// rebuild the chain from the start so the recurrence stays well defined.
func (d *DecorrelatedJitter) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if attempt == 0 {
		d.prev = d.first()
		d.lastAttempt = 0
		return d.prev
	}
	if attempt != d.lastAttempt+1 {
		d.prev = d.first()
		for i := 1; i <= attempt; i++ {
			d.prev = d.next(d.prev)
		}
		d.lastAttempt = attempt
		return d.prev
	}
	d.prev = d.next(d.prev)
	d.lastAttempt = attempt
	return d.prev
}

// Schedule samples the chain once for n attempts.
func (d *DecorrelatedJitter) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]time.Duration, n)
	prev := d.first()
	out[0] = prev
	for i := 1; i < n; i++ {
		prev = d.next(prev)
		out[i] = prev
	}
	d.prev = prev
	d.lastAttempt = n - 1
	return out
}

func (d *DecorrelatedJitter) first() time.Duration {
	if d.FastFirst {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(factor * float64(d.MedianFirstDelay))
}

func (d *DecorrelatedJitter) next(prev time.Duration) time.Duration {
	upper := 3 * prev
	if upper > d.MaxDelay {
		upper = d.MaxDelay
	}
	if upper <= 0 {
		// A zero previous delay (fast first) still needs to make progress.
		upper = d.MedianFirstDelay
		if upper <= 0 {
			return 0
		}
	}
	sampled := time.Duration(rand.Float64() * float64(upper))
	if sampled > d.MaxDelay {
		sampled = d.MaxDelay
	}
	return sampled
}
