package connectivity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pulsegrid/relink/internal/schema"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln
}

func TestDialProbeFirstObservationIsBaseline(t *testing.T) {
	ln := listenLoopback(t)
	publisher := NewPublisher(8)
	t.Cleanup(publisher.Close)

	_, ch := publisher.Subscribe(context.Background())
	<-ch // replayed baseline

	p := NewDialProbe(DialProbeConfig{Target: ln.Addr().String(), Interval: time.Hour}, publisher)
	t.Cleanup(p.Stop)

	p.check()
	if !p.IsInternetAvailable() {
		t.Fatal("expected available after successful dial")
	}

	// The first available observation establishes the baseline silently.
	select {
	case snapshot := <-ch:
		t.Fatalf("expected no intent for baseline, got %v", snapshot.Status)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialProbePublishesOnlyOnTransition(t *testing.T) {
	ln := listenLoopback(t)
	target := ln.Addr().String()

	publisher := NewPublisher(8)
	t.Cleanup(publisher.Close)
	_, ch := publisher.Subscribe(context.Background())
	<-ch

	p := NewDialProbe(DialProbeConfig{
		Target:      target,
		Interval:    time.Hour,
		DialTimeout: 200 * time.Millisecond,
	}, publisher)
	t.Cleanup(p.Stop)

	p.check() // baseline: available
	_ = ln.Close()
	p.check() // transition: lost

	select {
	case snapshot := <-ch:
		if snapshot.Status != schema.StatusUnavailable || snapshot.Reason != schema.ReasonInternetLost {
			t.Fatalf("expected internet-lost intent, got %v/%v", snapshot.Status, snapshot.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lost intent")
	}

	// Still down: no redundant publish.
	p.check()
	select {
	case snapshot := <-ch:
		t.Fatalf("expected no redundant intent, got %v", snapshot.Status)
	case <-time.After(100 * time.Millisecond):
	}
	if p.IsInternetAvailable() {
		t.Fatal("expected unavailable")
	}
}

func TestDialProbeRecoveryPublishesConnecting(t *testing.T) {
	publisher := NewPublisher(8)
	t.Cleanup(publisher.Close)
	_, ch := publisher.Subscribe(context.Background())
	<-ch

	// Start against a dead target so the baseline is unavailable.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := dead.Addr().String()
	_ = dead.Close()

	p := NewDialProbe(DialProbeConfig{
		Target:      target,
		Interval:    time.Hour,
		DialTimeout: 200 * time.Millisecond,
	}, publisher)
	t.Cleanup(p.Stop)

	// An initial unavailable observation is reported: the client must not
	// sit silently offline.
	p.check()
	select {
	case snapshot := <-ch:
		if snapshot.Status != schema.StatusUnavailable {
			t.Fatalf("expected unavailable intent, got %v", snapshot.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial lost intent")
	}

	ln, err := net.Listen("tcp", target)
	if err != nil {
		t.Skipf("could not rebind %s: %v", target, err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	p.check() // transition: recovered
	select {
	case snapshot := <-ch:
		if snapshot.Status != schema.StatusConnecting || snapshot.Reason != schema.ReasonInternetRecovered {
			t.Fatalf("expected internet-recovered intent, got %v/%v", snapshot.Status, snapshot.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovered intent")
	}
}

func TestDialProbePathHints(t *testing.T) {
	ln := listenLoopback(t)
	publisher := NewPublisher(8)
	t.Cleanup(publisher.Close)

	p := NewDialProbe(DialProbeConfig{
		Target:   ln.Addr().String(),
		Interval: time.Hour,
		Hints:    func() (bool, bool) { return true, true },
	}, publisher)
	t.Cleanup(p.Stop)

	p.check()
	if !p.IsExpensive() || !p.IsConstrained() {
		t.Fatal("expected path hints reflected")
	}
}
