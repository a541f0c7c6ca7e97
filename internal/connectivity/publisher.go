// Package connectivity tracks and publishes the client's view of network state.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

// SubscriptionID uniquely identifies a snapshot subscription.
type SubscriptionID string

// Publisher is the single writer of connectivity snapshots. All intents
// flow through Publish; no other code constructs or mutates the current
// snapshot, which keeps snapshots totally ordered under concurrent
// publishers.
type Publisher struct {
	bufferSize int

	mu          sync.Mutex
	current     schema.Snapshot
	subscribers map[SubscriptionID]*snapshotSubscriber
	nextID      uint64
	closed      bool
}

type snapshotSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Snapshot
	once   sync.Once
}

// NewPublisher constructs a publisher with an initial connecting snapshot.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	p := new(Publisher)
	p.bufferSize = bufferSize
	p.subscribers = make(map[SubscriptionID]*snapshotSubscriber)
	p.current = schema.Snapshot{
		Status:        schema.StatusConnecting,
		Reason:        schema.ReasonUnknown,
		Source:        schema.SourceSystem,
		CorrelationID: uuid.NewString(),
		OccurredAt:    time.Now(),
	}
	return p
}

// Current returns the current snapshot.
func (p *Publisher) Current() schema.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Publish turns the intent into a new current snapshot and broadcasts it.
// The reason resolves from the intent, then from its failure, then to
// unknown; the timestamp is stamped here and never moves backwards.
func (p *Publisher) Publish(intent schema.Intent) schema.Snapshot {
	correlation := intent.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}

	p.mu.Lock()
	occurredAt := time.Now()
	if !occurredAt.After(p.current.OccurredAt) {
		occurredAt = p.current.OccurredAt.Add(time.Nanosecond)
	}
	snapshot := schema.Snapshot{
		Status:        intent.Status,
		Reason:        intent.ResolveReason(),
		Source:        intent.Source,
		Failure:       intent.Failure,
		ConnectID:     intent.ConnectID,
		RetryAttempt:  intent.RetryAttempt,
		RetryBackoff:  intent.RetryBackoff,
		CorrelationID: correlation,
		OccurredAt:    occurredAt,
	}
	p.current = snapshot

	// Deliver while holding the lock so every subscriber observes
	// snapshots in publish order. Sends never block: saturated
	// subscribers lose their oldest buffered snapshot instead.
	for _, sub := range p.subscribers {
		p.deliverLocked(sub, snapshot)
	}
	p.mu.Unlock()

	return snapshot
}

// Subscribe registers a snapshot consumer. The current snapshot is
// replayed immediately so new subscribers never start blind.
func (p *Publisher) Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.Snapshot) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(snapshotSubscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Snapshot, p.bufferSize)

	id := SubscriptionID(fmt.Sprintf("snap-%d", atomic.AddUint64(&p.nextID, 1)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.close()
		return id, sub.ch
	}
	p.subscribers[id] = sub
	p.deliverLocked(sub, p.current)
	p.mu.Unlock()

	go p.observe(id, sub)
	return id, sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (p *Publisher) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	sub, ok := p.subscribers[id]
	if ok {
		delete(p.subscribers, id)
	}
	p.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts down the publisher and all subscriptions.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := make([]*snapshotSubscriber, 0, len(p.subscribers))
	for id, sub := range p.subscribers {
		subs = append(subs, sub)
		delete(p.subscribers, id)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (p *Publisher) deliverLocked(sub *snapshotSubscriber, snapshot schema.Snapshot) {
	if sub.ctx.Err() != nil {
		return
	}
	select {
	case sub.ch <- snapshot:
	default:
		select {
		case <-sub.ch:
		default:
		}
		observability.Log().Debug("connectivity: slow subscriber; dropped oldest snapshot",
			observability.Field{Key: "status", Value: string(snapshot.Status)})
		select {
		case sub.ch <- snapshot:
		default:
		}
	}
}

func (p *Publisher) observe(id SubscriptionID, sub *snapshotSubscriber) {
	<-sub.ctx.Done()
	p.mu.Lock()
	if stored, ok := p.subscribers[id]; ok && stored == sub {
		delete(p.subscribers, id)
	}
	p.mu.Unlock()
	sub.close()
}

func (s *snapshotSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
