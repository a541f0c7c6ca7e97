package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

// MemoryBus is an in-memory implementation of the message bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.MessageType]map[SubscriptionID]*subscriber
	pending      map[string]chan schema.Response
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter  metric.Int64Counter
	droppedCounter    metric.Int64Counter
	subscriberGauge   metric.Int64UpDownCounter
	requestTimeouts   metric.Int64Counter
	publishDurationMs metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Message
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed message bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(MemoryBus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[schema.MessageType]map[SubscriptionID]*subscriber)
	b.pending = make(map[string]chan schema.Response)

	meter := otel.Meter("relink.bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("Number of messages published to the bus"),
		metric.WithUnit("{message}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.messages.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{message}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.requestTimeouts, _ = meter.Int64Counter("bus.request.timeouts",
		metric.WithDescription("Number of correlated requests that timed out"),
		metric.WithUnit("{request}"))
	b.publishDurationMs, _ = meter.Float64Histogram("bus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))

	return b
}

// Publish fan-outs the message to all subscribers of its type. If the
// message also satisfies the response contract, any continuation waiting
// on its correlation id is resolved first.
func (b *MemoryBus) Publish(ctx context.Context, msg schema.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg == nil {
		return nil
	}
	if msg.Type() == "" {
		return errs.New(errs.KindClientError, errs.WithMessage("bus: message type required"))
	}

	start := time.Now()
	defer func() {
		if b.publishDurationMs != nil {
			b.publishDurationMs.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				attribute.String("message_type", string(msg.Type()))))
		}
	}()

	if resp, ok := msg.(schema.Response); ok {
		b.resolve(resp)
	}

	b.mu.RLock()
	subMap := b.subscribers[msg.Type()]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("message_type", string(msg.Type()))))
	}

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for messages of the given type and returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.MessageType) (SubscriptionID, <-chan schema.Message, error) {
	if typ == "" {
		return "", nil, errs.New(errs.KindClientError, errs.WithMessage("bus: message type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Message, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("message_type", string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel. The last
// subscriber for a type prunes the type's registry entry.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("message_type", string(typ))))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Request publishes the request and waits for a correlated response or the
// request timeout, whichever arrives first. The losing side's registration
// is removed so no continuation leaks.
func (b *MemoryBus) Request(ctx context.Context, req schema.Request) (schema.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return nil, errs.New(errs.KindClientError, errs.WithMessage("bus: request required"))
	}
	correlation := req.CorrelationID()
	if correlation == "" {
		return nil, errs.New(errs.KindClientError, errs.WithMessage("bus: correlation id required"))
	}

	reply := make(chan schema.Response, 1)
	b.mu.Lock()
	if _, exists := b.pending[correlation]; exists {
		b.mu.Unlock()
		return nil, errs.New(errs.KindConflict, errs.WithMessage("bus: duplicate correlation id"))
	}
	b.pending[correlation] = reply
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, correlation)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, req); err != nil {
		return nil, err
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.ctx.Done():
		return nil, errs.New(errs.KindUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return nil, fmt.Errorf("request context: %w", ctx.Err())
	case <-timer.C:
		if b.requestTimeouts != nil {
			b.requestTimeouts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("message_type", string(req.Type()))))
		}
		return nil, errs.New(errs.KindTimeout, errs.WithMessage("bus: request timed out"))
	case resp := <-reply:
		return resp, nil
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.pending = make(map[string]chan schema.Response)
		b.mu.Unlock()
	})
}

// PendingRequests reports how many correlated requests are awaiting responses.
func (b *MemoryBus) PendingRequests() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

func (b *MemoryBus) resolve(resp schema.Response) {
	b.mu.Lock()
	reply, ok := b.pending[resp.CorrelationID()]
	if ok {
		delete(b.pending, resp.CorrelationID())
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- resp:
	default:
	}
}

func (b *MemoryBus) observe(typ schema.MessageType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

// deliver hands the message to a subscriber, dropping the oldest buffered
// message when the subscriber is saturated rather than blocking the publisher.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, msg schema.Message) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New(errs.KindUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- msg:
		return nil
	default:
		select {
		case <-sub.ch:
		default:
		}
		observability.Log().Debug("bus: subscriber buffer full; dropped oldest message",
			observability.Field{Key: "message_type", Value: string(msg.Type())})
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("message_type", string(msg.Type()))))
		}
		select {
		case sub.ch <- msg:
			return nil
		default:
			return errs.New(errs.KindUnavailable, errs.WithMessage("bus: subscriber buffer full"))
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
