package pending

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pulsegrid/relink/config"
	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/schema"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *bus.MemoryBus) {
	t.Helper()
	messages := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: 32})
	m, err := NewManager(cfg, messages, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		messages.Close()
	})
	return m, messages
}

func noopReplay(context.Context) error { return nil }

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		Pending: config.Pending{MaxQueueSize: 3, MaxRequestAge: time.Hour},
	})

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := m.Enqueue(context.Background(), "op", "", nil, noopReplay)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	if m.Len() != 3 {
		t.Fatalf("expected queue capped at 3, got %d", m.Len())
	}
	reqs := m.Requests()
	if reqs[0].ID == ids[0] {
		t.Fatal("expected oldest entry evicted")
	}
	if reqs[len(reqs)-1].ID != ids[3] {
		t.Fatal("expected newest entry admitted")
	}
}

func TestEnqueuePrunesExpiredBeforeEvicting(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		Pending: config.Pending{MaxQueueSize: 3, MaxRequestAge: 50 * time.Millisecond},
	})

	staleID, err := m.Enqueue(context.Background(), "stale", "", nil, noopReplay)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	freshID, err := m.Enqueue(context.Background(), "fresh", "", nil, noopReplay)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reqs := m.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected stale entry pruned, got %d entries", len(reqs))
	}
	if reqs[0].ID != freshID || reqs[0].ID == staleID {
		t.Fatal("expected only the fresh entry to remain")
	}
}

func TestCancelRemovesEntry(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{Pending: config.DefaultPending()})

	id, err := m.Enqueue(context.Background(), "op", "", nil, noopReplay)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !m.Cancel(context.Background(), id) {
		t.Fatal("expected cancel to succeed")
	}
	if m.Cancel(context.Background(), id) {
		t.Fatal("expected second cancel to report missing")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", m.Len())
	}
}

func TestRetryAllPartitionsOutcomes(t *testing.T) {
	m, messages := newTestManager(t, ManagerConfig{Pending: config.DefaultPending()})

	_, summaries, err := messages.Subscribe(context.Background(), schema.MessageManualRetryResponse)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var mu sync.Mutex
	replayed := 0
	outcomes := []error{
		nil,
		errs.New(errs.KindServerError),
		nil,
		errs.New(errs.KindConnectionTimeout),
		errs.New(errs.KindServiceUnavailable),
	}
	for i := range outcomes {
		result := outcomes[i]
		_, err := m.Enqueue(context.Background(), "op", "", nil, func(context.Context) error {
			mu.Lock()
			replayed++
			mu.Unlock()
			return result
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	total, succeeded, failed, err := m.RetryAll(context.Background())
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if total != 5 || succeeded != 2 || failed != 3 {
		t.Fatalf("expected 5/2/3, got %d/%d/%d", total, succeeded, failed)
	}
	mu.Lock()
	if replayed != 5 {
		t.Fatalf("expected all 5 replayed, got %d", replayed)
	}
	mu.Unlock()

	reqs := m.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 failures re-armed, got %d", len(reqs))
	}
	for _, req := range reqs {
		if req.RetryCount != 1 {
			t.Fatalf("expected retry count incremented, got %d", req.RetryCount)
		}
	}

	// The sweep itself publishes the summary, whatever started it.
	select {
	case msg := <-summaries:
		summary, ok := msg.(schema.ManualRetryResponse)
		if !ok {
			t.Fatalf("unexpected message type %T", msg)
		}
		if summary.RetriedCount != 5 || summary.SuccessCount != 2 || summary.FailureCount != 3 {
			t.Fatalf("expected 5/2/3 summary, got %d/%d/%d",
				summary.RetriedCount, summary.SuccessCount, summary.FailureCount)
		}
		if summary.Correlation != "" {
			t.Fatalf("direct sweep has no originating request, got correlation %q", summary.Correlation)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep summary")
	}
}

func TestRetryAllRejectsOverlap(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{Pending: config.DefaultPending()})

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := m.Enqueue(context.Background(), "slow", "", nil, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _, _ = m.RetryAll(context.Background())
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep start")
	}

	_, _, _, err = m.RetryAll(context.Background())
	failure := &errs.Failure{}
	if !errors.As(err, &failure) || failure.Kind != errs.KindConflict {
		t.Fatalf("expected conflict for overlapping sweep, got %v", err)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep to finish")
	}
}

func TestManualRetryRequestTriggersSweepAndResponse(t *testing.T) {
	m, messages := newTestManager(t, ManagerConfig{Pending: config.DefaultPending()})

	replayed := make(chan struct{}, 1)
	_, err := m.Enqueue(context.Background(), "op", "", nil, func(context.Context) error {
		select {
		case replayed <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := schema.NewManualRetryRequested(schema.SourceManualAction, "conn-1", 5*time.Second)
	resp, err := messages.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case <-replayed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replay")
	}

	summary, ok := resp.(schema.ManualRetryResponse)
	if !ok {
		t.Fatalf("unexpected response type %T", resp)
	}
	if summary.RetriedCount != 1 || summary.SuccessCount != 1 || summary.FailureCount != 0 {
		t.Fatalf("unexpected summary %d/%d/%d",
			summary.RetriedCount, summary.SuccessCount, summary.FailureCount)
	}
	if summary.Correlation != req.Correlation {
		t.Fatal("expected response correlated to request")
	}
	if m.Len() != 0 {
		t.Fatalf("expected success removed from queue, got %d", m.Len())
	}
}

func TestConnectivityRestoredTriggersSweep(t *testing.T) {
	m, messages := newTestManager(t, ManagerConfig{Pending: config.DefaultPending()})

	replayed := make(chan struct{}, 1)
	_, err := m.Enqueue(context.Background(), "op", "", nil, func(context.Context) error {
		select {
		case replayed <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	restored := schema.ConnectivityRestored{
		Envelope:       schema.NewEnvelope(),
		PreviousStatus: schema.StatusDisconnected,
		RestoredAt:     time.Now(),
	}
	if err := messages.Publish(context.Background(), restored); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-replayed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restored-triggered replay")
	}
}

func TestEnqueueTypedSharesQueueBudget(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		Pending: config.Pending{MaxQueueSize: 3, MaxRequestAge: time.Hour},
	})

	type payload struct {
		Body string `json:"body"`
	}

	got := make(chan payload, 1)
	_, err := EnqueueTyped(context.Background(), m, "typed", "conn-1", payload{Body: "hello"},
		func(_ context.Context, p payload) error {
			select {
			case got <- p:
			default:
			}
			return nil
		})
	if err != nil {
		t.Fatalf("enqueue typed: %v", err)
	}

	if _, err := m.Enqueue(context.Background(), "plain", "", nil, noopReplay); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(context.Background(), "plain-2", "", nil, noopReplay); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("typed and plain entries must share one budget; got %d", m.Len())
	}

	total, succeeded, _, err := m.RetryAll(context.Background())
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if total != 3 || succeeded != 3 {
		t.Fatalf("expected 3/3, got %d/%d", total, succeeded)
	}

	// RetryAll waits for every replay, so the payload must be here.
	select {
	case p := <-got:
		if p.Body != "hello" {
			t.Fatalf("expected payload round-trip, got %q", p.Body)
		}
	default:
		t.Fatal("typed entry was not replayed")
	}
}

func TestSerialReplayPreservesOrder(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		Pending:      config.DefaultPending(),
		SerialReplay: true,
	})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := m.Enqueue(context.Background(), name, "", nil, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}

	total, succeeded, _, err := m.RetryAll(context.Background())
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if total != 3 || succeeded != 3 {
		t.Fatalf("expected 3/3, got %d/%d", total, succeeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected in-order serial replay, got %v", order)
	}
}

func TestJournalWriteThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	journal, err := OpenJournal(context.Background(), path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	messages := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: 8})
	m, err := NewManager(ManagerConfig{Pending: config.DefaultPending()}, messages, journal)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		messages.Close()
	})

	id, err := m.Enqueue(context.Background(), "persisted", "conn-7", []byte(`{"k":"v"}`), noopReplay)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	recs, err := journal.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != id || recs[0].Name != "persisted" {
		t.Fatalf("expected journal row for %s, got %+v", id, recs)
	}
	if recs[0].ConnectID != "conn-7" {
		t.Fatalf("expected connect id persisted, got %s", recs[0].ConnectID)
	}

	if _, _, _, err := m.RetryAll(context.Background()); err != nil {
		t.Fatalf("retry all: %v", err)
	}
	recs, err = journal.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected journal pruned after successful replay, got %d rows", len(recs))
	}
}
