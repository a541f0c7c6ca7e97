package connectivity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

// ServiceConfig configures the connectivity facade.
type ServiceConfig struct {
	BufferSize        int
	ManualRetryEvery  time.Duration
	ManualRetryBurst  int
	ManualRetryWindow time.Duration
}

func (c ServiceConfig) normalize() ServiceConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.ManualRetryEvery <= 0 {
		c.ManualRetryEvery = 2 * time.Second
	}
	if c.ManualRetryBurst <= 0 {
		c.ManualRetryBurst = 1
	}
	if c.ManualRetryWindow <= 0 {
		c.ManualRetryWindow = 30 * time.Second
	}
	return c
}

// Service aggregates the publisher and its producers behind one facade.
// RPC call sites report outcomes through the notifier surface; everything
// downstream reacts to the resulting snapshot and bus traffic.
type Service struct {
	cfg       ServiceConfig
	publisher *Publisher
	messages  bus.Bus
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	offline   []*boolSubscriber
	restored  []*snapSubscriber
	exhausted []*snapSubscriber
	closeOnce sync.Once
}

type boolSubscriber struct {
	ctx context.Context
	ch  chan bool
}

type snapSubscriber struct {
	ctx context.Context
	ch  chan schema.Snapshot
}

// NewService constructs the facade around a publisher and message bus.
func NewService(cfg ServiceConfig, publisher *Publisher, messages bus.Bus) *Service {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Service)
	s.cfg = cfg
	s.publisher = publisher
	s.messages = messages
	s.limiter = rate.NewLimiter(rate.Every(cfg.ManualRetryEvery), cfg.ManualRetryBurst)
	s.ctx = ctx
	s.cancel = cancel

	// The watcher must hold its subscription before the facade accepts
	// notifications, or early transitions would fold into its baseline.
	ready := make(chan struct{})
	go s.watch(ready)
	<-ready
	return s
}

// Current returns the current connectivity snapshot.
func (s *Service) Current() schema.Snapshot {
	return s.publisher.Current()
}

// Offline reports whether remote calls can be expected to fail right now.
func (s *Service) Offline() bool {
	return s.publisher.Current().Offline()
}

// Publish forwards an intent to the single-writer publisher.
func (s *Service) Publish(intent schema.Intent) schema.Snapshot {
	return s.publisher.Publish(intent)
}

// Subscribe returns the raw snapshot stream.
func (s *Service) Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.Snapshot) {
	return s.publisher.Subscribe(ctx)
}

// Unsubscribe removes a snapshot subscription.
func (s *Service) Unsubscribe(id SubscriptionID) {
	s.publisher.Unsubscribe(id)
}

// RequestManualRetry emits a manual-retry event on the bus and publishes a
// manual-retry intent. Requests are rate limited to damp retry storms from
// repeated user taps.
func (s *Service) RequestManualRetry(ctx context.Context, connectID schema.ConnectID) error {
	if !s.limiter.Allow() {
		return errs.New(errs.KindTooManyRequests, errs.WithMessage("manual retry rate limited"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	msg := schema.NewManualRetryRequested(schema.SourceManualAction, connectID, s.cfg.ManualRetryWindow)
	if err := s.messages.Publish(ctx, msg); err != nil {
		return err
	}
	s.publisher.Publish(schema.ManualRetryIntent(connectID))
	return nil
}

// NotifyServerDisconnected records a server-side disconnect reported by an RPC call site.
func (s *Service) NotifyServerDisconnected(failure *errs.Failure, connectID schema.ConnectID) {
	s.publisher.Publish(schema.DisconnectedIntent(schema.SourceDataCenter, failure, connectID))
}

// NotifyServerShuttingDown records a server-announced shutdown.
func (s *Service) NotifyServerShuttingDown(failure *errs.Failure) {
	s.publisher.Publish(schema.ShuttingDownIntent(failure))
}

// NotifyRetriesExhausted records a spent retry budget.
func (s *Service) NotifyRetriesExhausted(failure *errs.Failure, connectID schema.ConnectID, retries int) {
	s.publisher.Publish(schema.RetriesExhaustedIntent(failure, connectID, retries))
}

// NotifyRecovering records an upcoming retry attempt so observers see
// "about to retry" state before the sleep.
func (s *Service) NotifyRecovering(failure *errs.Failure, connectID schema.ConnectID, attempt int, backoff time.Duration) {
	s.publisher.Publish(schema.RecoveringIntent(failure, connectID, attempt, backoff))
}

// NotifyServerReconnected records a restored server connection.
func (s *Service) NotifyServerReconnected(connectID schema.ConnectID) {
	s.publisher.Publish(schema.ConnectedIntent(schema.SourceDataCenter, connectID))
}

// SubscribeOffline returns a deduplicated boolean view of the offline state.
// The current value is delivered immediately; later values only on change.
func (s *Service) SubscribeOffline(ctx context.Context) <-chan bool {
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &boolSubscriber{ctx: ctx, ch: make(chan bool, s.cfg.BufferSize)}
	s.mu.Lock()
	s.offline = append(s.offline, sub)
	s.mu.Unlock()
	sub.ch <- s.Offline()
	return sub.ch
}

// SubscribeRestored fires once per transition into the connected state.
func (s *Service) SubscribeRestored(ctx context.Context) <-chan schema.Snapshot {
	return s.subscribeSnapshots(ctx, &s.restored)
}

// SubscribeExhausted fires on every transition into retries-exhausted.
func (s *Service) SubscribeExhausted(ctx context.Context) <-chan schema.Snapshot {
	return s.subscribeSnapshots(ctx, &s.exhausted)
}

func (s *Service) subscribeSnapshots(ctx context.Context, list *[]*snapSubscriber) <-chan schema.Snapshot {
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &snapSubscriber{ctx: ctx, ch: make(chan schema.Snapshot, s.cfg.BufferSize)}
	s.mu.Lock()
	*list = append(*list, sub)
	s.mu.Unlock()
	return sub.ch
}

// Close stops the facade's watcher. The publisher and bus are owned by the
// caller and stay open.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

// watch consumes the snapshot stream and derives the offline, restored and
// exhausted views plus the bus-side ConnectivityRestored traffic.
func (s *Service) watch(ready chan<- struct{}) {
	id, snapshots := s.publisher.Subscribe(s.ctx)
	defer s.publisher.Unsubscribe(id)
	close(ready)

	var havePrev bool
	var prevStatus schema.Status
	var prevOffline bool

	for {
		select {
		case <-s.ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			offline := snapshot.Offline()
			if !havePrev {
				havePrev = true
				prevStatus = snapshot.Status
				prevOffline = offline
				continue
			}

			if offline != prevOffline {
				s.fanOutOffline(offline)
			}
			if snapshot.Status == schema.StatusConnected && prevStatus != schema.StatusConnected {
				s.fanOutSnapshot(&s.restored, snapshot)
				restored := schema.ConnectivityRestored{
					Envelope:       schema.NewEnvelope(),
					PreviousStatus: prevStatus,
					RestoredAt:     snapshot.OccurredAt,
				}
				if err := s.messages.Publish(s.ctx, restored); err != nil {
					observability.Log().Warn("connectivity: restored event publish failed",
						observability.Field{Key: "error", Value: err})
				}
			}
			if snapshot.Status == schema.StatusRetriesExhausted && prevStatus != schema.StatusRetriesExhausted {
				s.fanOutSnapshot(&s.exhausted, snapshot)
			}

			prevStatus = snapshot.Status
			prevOffline = offline
		}
	}
}

func (s *Service) fanOutOffline(offline bool) {
	s.mu.Lock()
	subs := s.offline
	kept := subs[:0]
	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		kept = append(kept, sub)
		select {
		case sub.ch <- offline:
		default:
		}
	}
	s.offline = kept
	s.mu.Unlock()
}

func (s *Service) fanOutSnapshot(list *[]*snapSubscriber, snapshot schema.Snapshot) {
	s.mu.Lock()
	subs := *list
	kept := subs[:0]
	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		kept = append(kept, sub)
		select {
		case sub.ch <- snapshot:
		default:
		}
	}
	*list = kept
	s.mu.Unlock()
}
