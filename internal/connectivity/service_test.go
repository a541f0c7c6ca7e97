package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/schema"
)

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *Publisher, *bus.MemoryBus) {
	t.Helper()
	publisher := NewPublisher(32)
	messages := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: 32})
	s := NewService(cfg, publisher, messages)
	t.Cleanup(func() {
		s.Close()
		publisher.Close()
		messages.Close()
	})
	return s, publisher, messages
}

func waitBool(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offline value")
		return false
	}
}

func TestOfflineViewDeduplicates(t *testing.T) {
	s, _, _ := newTestService(t, ServiceConfig{})

	offline := s.SubscribeOffline(context.Background())
	if got := waitBool(t, offline); got {
		t.Fatal("expected online baseline (connecting)")
	}

	failure := errs.New(errs.KindConnectionFailed)
	s.NotifyServerDisconnected(failure, "conn-1")
	if got := waitBool(t, offline); !got {
		t.Fatal("expected offline after disconnect")
	}

	// A second offline-class transition must not emit another value.
	s.NotifyServerShuttingDown(errs.New(errs.KindServiceUnavailable))
	select {
	case v := <-offline:
		t.Fatalf("expected deduplicated view, got %t", v)
	case <-time.After(100 * time.Millisecond):
	}

	s.NotifyServerReconnected("conn-2")
	if got := waitBool(t, offline); got {
		t.Fatal("expected online after reconnect")
	}
}

func TestRestoredFiresOncePerTransition(t *testing.T) {
	s, _, messages := newTestService(t, ServiceConfig{})

	restored := s.SubscribeRestored(context.Background())
	_, busRestored, err := messages.Subscribe(context.Background(), schema.MessageConnectivityRestored)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s.NotifyServerDisconnected(errs.New(errs.KindConnectionFailed), "conn-1")
	s.NotifyServerReconnected("conn-1")

	select {
	case snapshot := <-restored:
		if snapshot.Status != schema.StatusConnected {
			t.Fatalf("expected connected snapshot, got %v", snapshot.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restored event")
	}

	select {
	case msg := <-busRestored:
		event, ok := msg.(schema.ConnectivityRestored)
		if !ok {
			t.Fatalf("unexpected message type %T", msg)
		}
		if event.PreviousStatus != schema.StatusDisconnected {
			t.Fatalf("expected previous status disconnected, got %v", event.PreviousStatus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus restored event")
	}

	// Staying connected must not fire again.
	s.NotifyServerReconnected("conn-1")
	select {
	case <-restored:
		t.Fatal("expected one restored event per transition")
	case <-time.After(100 * time.Millisecond):
	}

	// A full disconnect/reconnect cycle fires again.
	s.NotifyServerDisconnected(errs.New(errs.KindConnectionFailed), "conn-1")
	s.NotifyServerReconnected("conn-1")
	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second restored event")
	}
}

func TestExhaustedViewFiresOnTransition(t *testing.T) {
	s, _, _ := newTestService(t, ServiceConfig{})

	exhausted := s.SubscribeExhausted(context.Background())

	failure := errs.New(errs.KindServerNotResponding)
	s.NotifyRetriesExhausted(failure, "conn-1", 5)

	select {
	case snapshot := <-exhausted:
		if snapshot.Status != schema.StatusRetriesExhausted {
			t.Fatalf("expected exhausted snapshot, got %v", snapshot.Status)
		}
		if snapshot.RetryAttempt != 5 {
			t.Fatalf("expected attempt count carried, got %d", snapshot.RetryAttempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhausted event")
	}
}

func TestRecoveringCarriesAttemptAndBackoff(t *testing.T) {
	s, _, _ := newTestService(t, ServiceConfig{})

	failure := errs.New(errs.KindConnectionTimeout)
	s.NotifyRecovering(failure, "conn-1", 3, 4*time.Second)

	current := s.Current()
	if current.Status != schema.StatusRecovering {
		t.Fatalf("expected recovering, got %v", current.Status)
	}
	if current.RetryAttempt != 3 || current.RetryBackoff != 4*time.Second {
		t.Fatalf("expected attempt/backoff carried, got %d/%v",
			current.RetryAttempt, current.RetryBackoff)
	}
	if !s.Offline() {
		t.Fatal("recovering counts as offline")
	}
}

func TestManualRetryPublishesEventAndIntent(t *testing.T) {
	s, _, messages := newTestService(t, ServiceConfig{})

	_, requests, err := messages.Subscribe(context.Background(), schema.MessageManualRetryRequested)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.RequestManualRetry(context.Background(), "conn-1"); err != nil {
		t.Fatalf("manual retry: %v", err)
	}

	select {
	case msg := <-requests:
		req, ok := msg.(schema.ManualRetryRequested)
		if !ok {
			t.Fatalf("unexpected message type %T", msg)
		}
		if req.Source != schema.SourceManualAction || req.ConnectID != "conn-1" {
			t.Fatalf("unexpected request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for manual retry event")
	}

	current := s.Current()
	if current.Status != schema.StatusConnecting || current.Reason != schema.ReasonManualRetry {
		t.Fatalf("expected manual-retry connecting snapshot, got %v/%v",
			current.Status, current.Reason)
	}
}

func TestManualRetryRateLimited(t *testing.T) {
	s, _, _ := newTestService(t, ServiceConfig{
		ManualRetryEvery: time.Hour,
		ManualRetryBurst: 1,
	})

	if err := s.RequestManualRetry(context.Background(), "conn-1"); err != nil {
		t.Fatalf("first manual retry: %v", err)
	}
	err := s.RequestManualRetry(context.Background(), "conn-1")
	failure := &errs.Failure{}
	if !errors.As(err, &failure) || failure.Kind != errs.KindTooManyRequests {
		t.Fatalf("expected rate-limit rejection, got %v", err)
	}
}
