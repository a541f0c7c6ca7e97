package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/backoff"
)

// State enumerates the retrier lifecycle.
type State string

const (
	// StateIdle means no retry loop is running.
	StateIdle State = "idle"
	// StateRetrying means an attempt is executing or a delay is pending.
	StateRetrying State = "retrying"
	// StateSucceeded means the last run ended in success.
	StateSucceeded State = "succeeded"
	// StateExhausted means the last run spent its full budget.
	StateExhausted State = "exhausted"
)

// Retrier is the single-operation engine: one caller-held instance driving
// one logical retry loop at a time. A second Run while one is in flight is
// rejected; Reset returns a finished retrier to idle.
type Retrier struct {
	strategy    backoff.Strategy
	maxAttempts int

	mu       sync.Mutex
	state    State
	attempt  int
	lastErr  *errs.Failure
	totalRun int
}

// NewRetrier builds a single-operation retrier. maxAttempts <= 0 means a
// single attempt with no retries.
func NewRetrier(strategy backoff.Strategy, maxAttempts int) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if strategy == nil {
		strategy = backoff.NewExponential(0, 0, 0)
	}
	return &Retrier{
		strategy:    strategy,
		maxAttempts: maxAttempts,
		state:       StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Retrier) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt returns the current (or final) attempt number, 1-based.
func (r *Retrier) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// LastFailure returns the failure from the most recent attempt.
func (r *Retrier) LastFailure() *errs.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Reset returns the retrier to idle. Rejected while a run is in flight.
func (r *Retrier) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRetrying {
		return errs.New(errs.KindConflict, errs.WithMessage("retrier busy"))
	}
	r.state = StateIdle
	r.attempt = 0
	r.lastErr = nil
	return nil
}

// Run executes op with bounded retries. Only one run may be in flight per
// retrier; the schedule is precomputed so each attempt's delay is fixed.
func (r *Retrier) Run(ctx context.Context, op func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.state == StateRetrying {
		r.mu.Unlock()
		return errs.New(errs.KindConflict, errs.WithMessage("retry already in progress"))
	}
	r.state = StateRetrying
	r.attempt = 0
	r.lastErr = nil
	r.totalRun++
	r.mu.Unlock()

	schedule := r.strategy.Schedule(r.maxAttempts)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, schedule[attempt-2]); err != nil {
				failure := errs.New(errs.KindOperationCancelled, errs.WithCause(err))
				r.settle(StateIdle, attempt, failure)
				return failure
			}
		}

		r.mu.Lock()
		r.attempt = attempt
		r.mu.Unlock()

		err := op(ctx)
		if err == nil {
			r.settle(StateSucceeded, attempt, nil)
			return nil
		}

		_, wasFailure := err.(*errs.Failure)
		failure := errs.Wrap(err)
		if !wasFailure || !failure.ShouldRetry() || attempt == r.maxAttempts {
			r.settle(StateExhausted, attempt, failure)
			return failure
		}

		r.mu.Lock()
		r.lastErr = failure
		r.mu.Unlock()
	}

	// Unreachable: the loop settles on its final attempt.
	return errs.New(errs.KindUnknown, errs.WithMessage("retrier loop ended without outcome"))
}

func (r *Retrier) settle(state State, attempt int, failure *errs.Failure) {
	r.mu.Lock()
	r.state = state
	r.attempt = attempt
	r.lastErr = failure
	r.mu.Unlock()
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry sleep: %w", ctx.Err())
	}
}
