// Package pending defers failed requests while offline and replays them
// once connectivity returns or the user asks for a manual retry.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/pulsegrid/relink/config"
	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
	"github.com/pulsegrid/relink/lib/async"
)

// Replay re-executes one deferred request.
type Replay func(ctx context.Context) error

// entry is one deferred request. inFlight guards against double replay
// while a sweep holds a snapshot of the queue.
type entry struct {
	id         string
	name       string
	connectID  schema.ConnectID
	payload    []byte
	enqueuedAt time.Time
	retryCount int
	lastErr    string
	inFlight   bool
	replay     Replay
}

// Request is the read-only view of one queued entry.
type Request struct {
	ID         string
	Name       string
	ConnectID  schema.ConnectID
	EnqueuedAt time.Time
	RetryCount int
}

// ManagerConfig configures the pending-request manager.
type ManagerConfig struct {
	Pending      config.Pending
	SerialReplay bool
}

// Manager holds the bounded, age-limited queue of deferred requests.
// One mutex guards the queue; sweeps snapshot entries and replay outside
// the lock.
type Manager struct {
	cfg      ManagerConfig
	messages bus.Bus
	journal  *Journal

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []*entry
	sweeping bool

	serial    *async.Pool
	closeOnce sync.Once
}

// NewManager constructs the manager and wires its bus triggers: a restored
// connection and a manual retry request both start a replay sweep.
func NewManager(cfg ManagerConfig, messages bus.Bus, journal *Journal) (*Manager, error) {
	cfg.Pending = normalisePending(cfg.Pending)
	ctx, cancel := context.WithCancel(context.Background())
	m := new(Manager)
	m.cfg = cfg
	m.messages = messages
	m.journal = journal
	m.ctx = ctx
	m.cancel = cancel

	if cfg.SerialReplay {
		pool, err := async.NewPool(1, cfg.Pending.MaxQueueSize)
		if err != nil {
			cancel()
			return nil, err
		}
		m.serial = pool
	}

	if messages != nil {
		if err := m.wireTriggers(); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

func normalisePending(p config.Pending) config.Pending {
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = 100
	}
	if p.MaxRequestAge <= 0 {
		p.MaxRequestAge = 300 * time.Second
	}
	return p
}

// Close stops the bus listeners and the serial pool. Queued entries are
// dropped; the journal keeps its rows for the next run.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		if m.serial != nil {
			m.serial.Close()
		}
	})
}

// Enqueue defers a request for later replay. Expired entries are pruned
// first; if the queue is still full the oldest entry is evicted to admit
// the new one.
func (m *Manager) Enqueue(ctx context.Context, name string, connectID schema.ConnectID, payload []byte, replay Replay) (string, error) {
	if replay == nil {
		return "", errs.New(errs.KindClientError, errs.WithMessage("pending: replay required"))
	}
	if m.ctx.Err() != nil {
		return "", errs.New(errs.KindUnavailable, errs.WithMessage("pending: manager closed"))
	}

	e := &entry{
		id:         uuid.NewString(),
		name:       name,
		connectID:  connectID,
		payload:    payload,
		enqueuedAt: time.Now(),
		replay:     replay,
	}

	var evicted, expired []*entry
	m.mu.Lock()
	expired = m.pruneLocked(time.Now())
	if len(m.queue) >= m.cfg.Pending.MaxQueueSize {
		evicted = append(evicted, m.queue[0])
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	for _, gone := range append(expired, evicted...) {
		m.journalRemove(ctx, gone.id)
	}
	if len(evicted) > 0 {
		observability.Log().Warn("pending: queue full; evicted oldest request",
			observability.Field{Key: "evicted_id", Value: evicted[0].id},
			observability.Field{Key: "evicted_name", Value: evicted[0].name})
	}

	m.journalRecord(ctx, e)
	return e.id, nil
}

// EnqueueTyped defers a typed request, serializing its payload for the
// journal. The typed queue shares the one queue budget.
func EnqueueTyped[T any](ctx context.Context, m *Manager, name string, connectID schema.ConnectID, value T, replay func(context.Context, T) error) (string, error) {
	if replay == nil {
		return "", errs.New(errs.KindClientError, errs.WithMessage("pending: replay required"))
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return "", errs.New(errs.KindClientError,
			errs.WithMessage("pending: payload not serializable"),
			errs.WithCause(err))
	}
	return m.Enqueue(ctx, name, connectID, payload, func(ctx context.Context) error {
		return replay(ctx, value)
	})
}

// Cancel removes the entry if it is still queued and not mid-replay.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	removed := false
	for i, e := range m.queue {
		if e.id != id {
			continue
		}
		if e.inFlight {
			break
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		removed = true
		break
	}
	m.mu.Unlock()

	if removed {
		m.journalRemove(ctx, id)
	}
	return removed
}

// Len reports the current queue depth.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Requests returns a read-only snapshot of the queue in order.
func (m *Manager) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.queue))
	for _, e := range m.queue {
		out = append(out, Request{
			ID:         e.id,
			Name:       e.name,
			ConnectID:  e.connectID,
			EnqueuedAt: e.enqueuedAt,
			RetryCount: e.retryCount,
		})
	}
	return out
}

// RetryAll replays every queued entry that is not already mid-replay.
// Successes leave the queue; failures stay with an incremented retry
// count. Returns (total, succeeded, failed) and publishes the same
// summary as a ManualRetryResponse. Only one sweep runs at a time;
// overlapping calls return a conflict.
func (m *Manager) RetryAll(ctx context.Context) (int, int, int, error) {
	return m.retryAll(ctx, "", "")
}

// retryAll is the sweep body. The correlation and request id are empty
// unless a bus request started the sweep; the summary publishes either way.
func (m *Manager) retryAll(ctx context.Context, correlation, reqID string) (int, int, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.sweeping {
		m.mu.Unlock()
		return 0, 0, 0, errs.New(errs.KindConflict, errs.WithMessage("pending: replay sweep already running"))
	}
	m.sweeping = true
	_ = m.pruneLocked(time.Now())
	snapshot := make([]*entry, 0, len(m.queue))
	for _, e := range m.queue {
		if e.inFlight {
			continue
		}
		e.inFlight = true
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.sweeping = false
		m.mu.Unlock()
	}()

	if len(snapshot) == 0 {
		m.publishSummary(correlation, reqID, 0, 0, 0)
		return 0, 0, 0, nil
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	results := make([]error, len(snapshot))
	if m.serial != nil {
		m.replaySerial(sweepCtx, snapshot, results)
	} else {
		m.replayConcurrent(sweepCtx, snapshot, results)
	}

	succeeded := 0
	failed := 0
	for i, e := range snapshot {
		if results[i] == nil {
			succeeded++
			m.remove(ctx, e.id)
			continue
		}
		failed++
		m.mu.Lock()
		e.inFlight = false
		e.retryCount++
		e.lastErr = results[i].Error()
		m.mu.Unlock()
		m.journalRecord(ctx, e)
	}

	observability.Log().Info("pending: replay sweep finished",
		observability.Field{Key: "total", Value: len(snapshot)},
		observability.Field{Key: "succeeded", Value: succeeded},
		observability.Field{Key: "failed", Value: failed})

	m.publishSummary(correlation, reqID, len(snapshot), succeeded, failed)
	return len(snapshot), succeeded, failed, nil
}

// publishSummary announces the sweep outcome on the bus.
func (m *Manager) publishSummary(correlation, reqID string, total, succeeded, failed int) {
	if m.messages == nil {
		return
	}
	resp := schema.ManualRetryResponse{
		Envelope:     schema.NewEnvelope(),
		Correlation:  correlation,
		ReqID:        reqID,
		RetriedCount: total,
		SuccessCount: succeeded,
		FailureCount: failed,
	}
	if err := m.messages.Publish(m.ctx, resp); err != nil {
		observability.Log().Warn("pending: sweep summary publish failed",
			observability.Field{Key: "error", Value: err})
	}
}

// replayConcurrent fans the snapshot out with unordered completion.
func (m *Manager) replayConcurrent(ctx context.Context, snapshot []*entry, results []error) {
	var wg conc.WaitGroup
	for i, e := range snapshot {
		wg.Go(func() {
			results[i] = e.replay(ctx)
		})
	}
	wg.Wait()
}

// replaySerial drives the sweep through the 1-worker pool, preserving
// enqueue order.
func (m *Manager) replaySerial(ctx context.Context, snapshot []*entry, results []error) {
	var wg sync.WaitGroup
	for i, e := range snapshot {
		wg.Add(1)
		err := m.serial.Submit(ctx, func(taskCtx context.Context) error {
			defer wg.Done()
			results[i] = e.replay(taskCtx)
			return nil
		})
		if err != nil {
			results[i] = err
			wg.Done()
		}
	}
	wg.Wait()
}

func (m *Manager) remove(ctx context.Context, id string) {
	m.mu.Lock()
	for i, e := range m.queue {
		if e.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.journalRemove(ctx, id)
}

// pruneLocked drops entries older than the max request age and returns
// them so journal rows can be cleaned up outside the lock.
func (m *Manager) pruneLocked(now time.Time) []*entry {
	var expired []*entry
	kept := m.queue[:0]
	for _, e := range m.queue {
		if !e.inFlight && now.Sub(e.enqueuedAt) > m.cfg.Pending.MaxRequestAge {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	m.queue = kept
	return expired
}

// wireTriggers subscribes to the bus messages that start a sweep.
func (m *Manager) wireTriggers() error {
	restoredID, restored, err := m.messages.Subscribe(m.ctx, schema.MessageConnectivityRestored)
	if err != nil {
		return err
	}
	retryID, retries, err := m.messages.Subscribe(m.ctx, schema.MessageManualRetryRequested)
	if err != nil {
		m.messages.Unsubscribe(restoredID)
		return err
	}

	go func() {
		defer m.messages.Unsubscribe(restoredID)
		defer m.messages.Unsubscribe(retryID)
		for {
			select {
			case <-m.ctx.Done():
				return
			case _, ok := <-restored:
				if !ok {
					return
				}
				if _, _, _, err := m.RetryAll(m.ctx); err != nil {
					observability.Log().Debug("pending: restored-triggered sweep skipped",
						observability.Field{Key: "error", Value: err})
				}
			case msg, ok := <-retries:
				if !ok {
					return
				}
				m.handleManualRetry(msg)
			}
		}
	}()
	return nil
}

// handleManualRetry runs a sweep carrying the request's correlation so
// the sweep's summary answers the requester.
func (m *Manager) handleManualRetry(msg schema.Message) {
	req, ok := msg.(schema.ManualRetryRequested)
	if !ok {
		return
	}

	ctx := m.ctx
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	if _, _, _, err := m.retryAll(ctx, req.Correlation, req.MessageID()); err != nil {
		observability.Log().Debug("pending: manual retry sweep skipped",
			observability.Field{Key: "error", Value: err})
	}
}

func (m *Manager) journalRecord(ctx context.Context, e *entry) {
	if m.journal == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	rec := JournalRecord{
		ID:          e.id,
		ConnectID:   e.connectID,
		Name:        e.name,
		Payload:     e.payload,
		EnqueuedAt:  e.enqueuedAt,
		RetryCount:  e.retryCount,
		LastFailure: e.lastErr,
	}
	if err := m.journal.Record(ctx, rec); err != nil {
		observability.Log().Warn("pending: journal write failed",
			observability.Field{Key: "request_id", Value: e.id},
			observability.Field{Key: "error", Value: err})
	}
}

func (m *Manager) journalRemove(ctx context.Context, id string) {
	if m.journal == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := m.journal.Remove(ctx, id); err != nil {
		observability.Log().Warn("pending: journal prune failed",
			observability.Field{Key: "request_id", Value: id},
			observability.Field{Key: "error", Value: err})
	}
}
