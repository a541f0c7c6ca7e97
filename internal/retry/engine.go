package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pulsegrid/relink/config"
	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/backoff"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

const (
	sweepInterval   = 5 * time.Minute
	recoveryTimeout = 15 * time.Second
)

// IntentSink receives connectivity intents produced by the engine.
type IntentSink interface {
	Publish(intent schema.Intent) schema.Snapshot
}

// RecoveryDelegate repairs a broken underlying channel while the retry
// loop keeps retrying the call itself.
type RecoveryDelegate func(ctx context.Context, failure *errs.Failure, connectID schema.ConnectID)

// Engine multiplexes many concurrently-running named operations, each
// independently tracked, with a shared exhaustion circuit-breaker. The
// operation table and the global flag are mutated only under the engine
// lock. The flag opens only when every currently-active operation has
// spent its budget; it closes only on a later success or a manual retry.
type Engine struct {
	cfg      config.Retry
	strategy backoff.Strategy
	messages bus.Bus
	sink     IntentSink
	recovery RecoveryDelegate

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ops       map[string]*OperationInfo
	exhausted bool

	attemptCounter    metric.Int64Counter
	successCounter    metric.Int64Counter
	exhaustionCounter metric.Int64Counter
}

// Option configures the engine.
type Option func(*Engine)

// WithStrategy overrides the backoff strategy derived from configuration.
func WithStrategy(strategy backoff.Strategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.strategy = strategy
		}
	}
}

// WithRecoveryDelegate installs the channel repair hook.
func WithRecoveryDelegate(delegate RecoveryDelegate) Option {
	return func(e *Engine) {
		e.recovery = delegate
	}
}

// NewEngine constructs the production retry engine and starts its
// periodic bookkeeping sweep.
func NewEngine(cfg config.Retry, messages bus.Bus, sink IntentSink, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := new(Engine)
	e.cfg = cfg
	e.messages = messages
	e.sink = sink
	e.ctx = ctx
	e.cancel = cancel
	e.ops = make(map[string]*OperationInfo)

	e.strategy = backoff.FromConfig(cfg)

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	meter := otel.Meter("relink.retry")
	e.attemptCounter, _ = meter.Int64Counter("retry.attempts",
		metric.WithDescription("Number of operation attempts executed"),
		metric.WithUnit("{attempt}"))
	e.successCounter, _ = meter.Int64Counter("retry.successes",
		metric.WithDescription("Number of operations that eventually succeeded"),
		metric.WithUnit("{operation}"))
	e.exhaustionCounter, _ = meter.Int64Counter("retry.exhaustions",
		metric.WithDescription("Number of operations that spent their retry budget"),
		metric.WithUnit("{operation}"))

	go e.sweepLoop()
	if e.messages != nil {
		e.wireManualRetry()
	}
	return e
}

// wireManualRetry listens for manual-retry requests on the bus; a user
// asking for a retry re-opens the gate for all deferred work, whether or
// not this engine runs the replays itself.
func (e *Engine) wireManualRetry() {
	id, requests, err := e.messages.Subscribe(e.ctx, schema.MessageManualRetryRequested)
	if err != nil {
		observability.Log().Warn("retry: manual retry subscription failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	go func() {
		defer e.messages.Unsubscribe(id)
		for {
			select {
			case <-e.ctx.Done():
				return
			case _, ok := <-requests:
				if !ok {
					return
				}
				e.ResetExhaustion()
			}
		}
	}()
}

// Close stops the sweep goroutine.
func (e *Engine) Close() {
	e.cancel()
}

// Exhausted reports the global circuit-breaker state.
func (e *Engine) Exhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exhausted
}

// ResetExhaustion clears the global flag and every per-operation flag.
// Called on manual retry so deferred work can run again.
func (e *Engine) ResetExhaustion() {
	e.mu.Lock()
	e.exhausted = false
	for _, op := range e.ops {
		op.Exhausted = false
	}
	e.mu.Unlock()
}

// ActiveOperations reports how many operations currently hold bookkeeping.
func (e *Engine) ActiveOperations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

// ExecOption configures one operation execution.
type ExecOption func(*execSettings)

type execSettings struct {
	connectID        schema.ConnectID
	serviceType      string
	maxRetries       int
	bypassExhaustion bool
}

// WithConnectID associates the operation with a logical connection.
func WithConnectID(id schema.ConnectID) ExecOption {
	return func(s *execSettings) { s.connectID = id }
}

// WithServiceType labels the operation with its service category.
func WithServiceType(serviceType string) ExecOption {
	return func(s *execSettings) { s.serviceType = serviceType }
}

// WithMaxRetries overrides the configured attempt budget for this call.
func WithMaxRetries(n int) ExecOption {
	return func(s *execSettings) { s.maxRetries = n }
}

// WithBypassExhaustion lets the call run even while the circuit-breaker is open.
func WithBypassExhaustion() ExecOption {
	return func(s *execSettings) { s.bypassExhaustion = true }
}

// Execute runs the operation with bounded retries per the engine policy.
// Attempts are strictly sequential; the full delay schedule is precomputed
// once so attempt k's delay is fixed for the lifetime of this execution.
func Execute[T any](ctx context.Context, e *Engine, name string, op func(context.Context) (T, error), opts ...ExecOption) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	settings := execSettings{maxRetries: -1}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	// Fail fast while the breaker is open: no attempt, no bookkeeping.
	if !settings.bypassExhaustion && e.Exhausted() {
		return zero, errs.New(errs.KindServerNotResponding,
			errs.WithMessage("retries exhausted; waiting for manual retry"),
			errs.WithConnectID(string(settings.connectID)))
	}

	attempts := settings.maxRetries
	if attempts < 0 {
		attempts = e.cfg.MaxRetries
	}
	if attempts <= 0 {
		attempts = 1
	}

	schedule := e.strategy.Schedule(attempts)

	info := &OperationInfo{
		ID:          uuid.NewString(),
		Name:        name,
		ConnectID:   settings.connectID,
		ServiceType: settings.serviceType,
		StartedAt:   time.Now(),
		Attempt:     0,
		Exhausted:   false,
		LastFailure: nil,
		Schedule:    schedule,
	}
	e.register(info)

	e.publishMessage(ctx, schema.OperationStarted{
		Envelope:      schema.NewEnvelope(),
		OperationID:   info.ID,
		OperationName: name,
		ConnectID:     settings.connectID,
	})

	start := time.Now()
	var lastFailure *errs.Failure

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := schedule[attempt-1]
			// Observers see "about to retry" before the sleep, not after.
			if e.sink != nil {
				e.sink.Publish(schema.RecoveringIntent(lastFailure, settings.connectID, attempt+1, delay))
			}
			if err := e.sleep(ctx, delay); err != nil {
				failure := errs.New(errs.KindOperationCancelled, errs.WithCause(err))
				e.finish(ctx, info, start, false, failure)
				return zero, failure
			}
		}

		e.recordAttempt(ctx, name, attempt)
		e.noteAttempt(info.ID, attempt)

		result, err := op(ctx)
		if err == nil {
			e.clearExhaustion(info.ID)
			e.finish(ctx, info, start, true, nil)
			if e.successCounter != nil {
				e.successCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", name)))
			}
			return result, nil
		}

		_, wasFailure := err.(*errs.Failure)
		failure := errs.Wrap(err)
		lastFailure = failure
		e.noteFailure(info.ID, failure)

		// A broken channel is repaired out of band while this loop keeps
		// retrying the call itself.
		if wasFailure && failure.ConnectionBroken() {
			e.requestRecovery(ctx, failure, settings.connectID)
		}

		terminal := !wasFailure || !failure.ShouldRetry()
		lastAttempt := attempt == attempts-1
		if terminal || lastAttempt {
			e.markExhausted(ctx, info, attempt+1, failure)
			e.finish(ctx, info, start, false, failure)
			return zero, failure
		}
	}

	// Unreachable: the loop always returns from its final attempt.
	return zero, errs.New(errs.KindUnknown, errs.WithMessage("retry loop ended without outcome"))
}

// ExecuteManualRetry clears all exhaustion flags and runs the operation
// with the breaker bypassed.
func ExecuteManualRetry[T any](ctx context.Context, e *Engine, name string, op func(context.Context) (T, error), opts ...ExecOption) (T, error) {
	e.ResetExhaustion()
	opts = append(opts, WithBypassExhaustion())
	return Execute(ctx, e, name, op, opts...)
}

func (e *Engine) register(info *OperationInfo) {
	e.mu.Lock()
	e.ops[info.ID] = info
	e.mu.Unlock()
}

func (e *Engine) noteAttempt(id string, attempt int) {
	e.mu.Lock()
	if op, ok := e.ops[id]; ok {
		op.Attempt = attempt
	}
	e.mu.Unlock()
}

func (e *Engine) noteFailure(id string, failure *errs.Failure) {
	e.mu.Lock()
	if op, ok := e.ops[id]; ok {
		op.LastFailure = failure
	}
	e.mu.Unlock()
}

// clearExhaustion clears this operation's flag and, when the remaining
// active set is no longer fully exhausted, the global flag too.
func (e *Engine) clearExhaustion(id string) {
	now := time.Now()
	e.mu.Lock()
	if op, ok := e.ops[id]; ok {
		op.Exhausted = false
	}
	if e.exhausted && !e.allActiveExhaustedLocked(now) {
		e.exhausted = false
	}
	e.mu.Unlock()
}

// markExhausted flags the operation and flips the global breaker when
// every currently-active operation has spent its budget.
func (e *Engine) markExhausted(ctx context.Context, info *OperationInfo, totalAttempts int, failure *errs.Failure) {
	now := time.Now()
	e.mu.Lock()
	if op, ok := e.ops[info.ID]; ok {
		op.Exhausted = true
	}
	tripped := false
	if e.allActiveExhaustedLocked(now) && !e.exhausted {
		e.exhausted = true
		tripped = true
	}
	e.mu.Unlock()

	if e.exhaustionCounter != nil {
		e.exhaustionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", info.Name)))
	}

	e.publishMessage(ctx, schema.RetriesExhausted{
		Envelope:      schema.NewEnvelope(),
		ConnectID:     info.ConnectID,
		OperationName: info.Name,
		TotalAttempts: totalAttempts,
		Failure:       failure,
	})

	if tripped {
		observability.Log().Warn("retry: all active operations exhausted; circuit open",
			observability.Field{Key: "operation", Value: info.Name})
		if e.sink != nil {
			e.sink.Publish(schema.RetriesExhaustedIntent(failure, info.ConnectID, totalAttempts))
		}
	}
}

// allActiveExhaustedLocked reports whether every active operation has
// spent its budget. An empty active set never trips the breaker.
func (e *Engine) allActiveExhaustedLocked(now time.Time) bool {
	active := 0
	for _, op := range e.ops {
		if !op.Active(now) {
			continue
		}
		active++
		if !op.Exhausted {
			return false
		}
	}
	return active > 0
}

func (e *Engine) requestRecovery(ctx context.Context, failure *errs.Failure, connectID schema.ConnectID) {
	e.publishMessage(ctx, schema.NewConnectionRecoveryRequested(
		schema.ReasonRecoveryRequested, connectID, failure, recoveryTimeout))
	if e.recovery != nil {
		e.recovery(ctx, failure, connectID)
	}
}

func (e *Engine) finish(ctx context.Context, info *OperationInfo, start time.Time, success bool, failure *errs.Failure) {
	e.mu.Lock()
	delete(e.ops, info.ID)
	e.mu.Unlock()

	e.publishMessage(ctx, schema.OperationCompleted{
		Envelope:      schema.NewEnvelope(),
		OperationID:   info.ID,
		OperationName: info.Name,
		Success:       success,
		Err:           failure,
		Duration:      time.Since(start),
	})
}

func (e *Engine) recordAttempt(ctx context.Context, name string, attempt int) {
	if e.attemptCounter == nil {
		return
	}
	e.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", name),
		attribute.Int("attempt", attempt)))
}

func (e *Engine) publishMessage(ctx context.Context, msg schema.Message) {
	if e.messages == nil {
		return
	}
	if err := e.messages.Publish(ctx, msg); err != nil {
		observability.Log().Debug("retry: bus publish failed",
			observability.Field{Key: "message_type", Value: string(msg.Type())},
			observability.Field{Key: "error", Value: err})
	}
}

func (e *Engine) sleep(ctx context.Context, delay time.Duration) error {
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
	case <-e.ctx.Done():
		return fmt.Errorf("retry engine closed: %w", e.ctx.Err())
	}
}

// sweepLoop reaps bookkeeping for operations older than the active window,
// bounding memory regardless of outcome.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep drops bookkeeping only. An open circuit stays open: it closes
// solely through a later success or a manual retry, never by the passage
// of time.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	for id, op := range e.ops {
		if !op.Active(now) {
			delete(e.ops, id)
		}
	}
	e.mu.Unlock()
}
