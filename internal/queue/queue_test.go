package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/regattalab/driftsync/internal/backoff"
	"github.com/regattalab/driftsync/internal/clock"
	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/registry"
	"github.com/regattalab/driftsync/internal/store"
)

// fakeConn is a Connectivity implementation tests drive by hand.
type fakeConn struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func newFakeConn(online bool) *fakeConn {
	return &fakeConn{online: online, subs: make(map[int]func(bool))}
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) OnTransition(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *fakeConn) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	fns := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// captureSink collects engine events on channels for async assertions.
type captureSink struct {
	NopSink
	delivered    chan *record.Record
	retried      chan *record.Record
	deadLettered chan *record.Record
}

func newCaptureSink() *captureSink {
	return &captureSink{
		delivered:    make(chan *record.Record, 32),
		retried:      make(chan *record.Record, 32),
		deadLettered: make(chan *record.Record, 32),
	}
}

func (s *captureSink) OnDelivered(rec *record.Record) {
	s.delivered <- rec
}

func (s *captureSink) OnRetryScheduled(rec *record.Record, _ time.Duration) {
	s.retried <- rec
}

func (s *captureSink) OnDeadLettered(rec *record.Record) {
	s.deadLettered <- rec
}

// harness wires an engine over a file-backed store with a fake clock, a
// hand-driven connection, and jitterless backoff.
type harness struct {
	engine *Engine
	store  store.Store
	conn   *fakeConn
	clk    *clock.Fake
	sink   *captureSink
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	kv, err := store.NewDirKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirKV() failed: %v", err)
	}
	st, err := store.OpenFileLog(kv, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("OpenFileLog() failed: %v", err)
	}

	conn := newFakeConn(online)
	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := newCaptureSink()

	engine, err := New(st, conn, &Config{
		SafetyInterval: time.Hour,
		Backoff: backoff.Policy{
			Base:        2 * time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 5,
			Jitter:      func(time.Duration) time.Duration { return 0 },
		},
		Clock:  clk,
		Logger: log.New(io.Discard, "", 0),
		Events: sink,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	return &harness{engine: engine, store: st, conn: conn, clk: clk, sink: sink}
}

// TestEnqueue_PersistsPending tests that mutations enqueue durably while
// offline without any delivery attempt
func TestEnqueue_PersistsPending(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	called := false
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			called = true
			return nil
		},
	})

	rec, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"r1"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if rec.Status != record.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("PendingCount() = %d, want 1", count)
	}

	// Offline drain is a no-op
	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("Attempted = %d while offline, want 0", res.Attempted)
	}
	if called {
		t.Error("handler called while offline")
	}
}

// TestEnqueue_Invalid tests that bad mutations are rejected up front
func TestEnqueue_Invalid(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	if _, err := h.engine.Enqueue(ctx, "", record.OpUpsert, []byte(`{}`)); err == nil {
		t.Error("Enqueue() with empty collection succeeded, want error")
	}
	if _, err := h.engine.Enqueue(ctx, "races", record.Op("merge"), []byte(`{}`)); err == nil {
		t.Error("Enqueue() with unknown op succeeded, want error")
	}
	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{broken`)); err == nil {
		t.Error("Enqueue() with invalid JSON payload succeeded, want error")
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d after rejected enqueues, want 0", count)
	}
}

// failingStore makes Append fail so the caller-facing error path is testable.
type failingStore struct {
	store.Store
}

func (s *failingStore) Append(ctx context.Context, rec *record.Record) error {
	return errors.New("disk full")
}

// TestEnqueue_StoreFailureSurfaces tests that a storage failure reaches the
// enqueueing caller instead of being swallowed
func TestEnqueue_StoreFailureSurfaces(t *testing.T) {
	h := newHarness(t, true)

	engine, err := New(&failingStore{Store: h.store}, h.conn, &Config{
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = engine.Enqueue(context.Background(), "races", record.OpUpsert, []byte(`{"id":"r1"}`))
	if err == nil {
		t.Fatal("Enqueue() succeeded against failing store, want error")
	}

	count, err := h.engine.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d after failed enqueue, want 0", count)
	}
}

// TestDrain_DeliversInOrder tests that a drain delivers every due mutation in
// enqueue order and empties the queue
func TestDrain_DeliversInOrder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	h.engine.RegisterHandler("results", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(payload))
			return nil
		},
	})

	var want []string
	for i := 0; i < 4; i++ {
		payload := fmt.Sprintf(`{"id":"res-%d"}`, i)
		if _, err := h.engine.Enqueue(ctx, "results", record.OpUpsert, []byte(payload)); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
		want = append(want, payload)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Delivered != 4 || res.Attempted != 4 {
		t.Errorf("Drain() = %+v, want 4 attempted and delivered", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("handler saw %d payloads, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload %d = %s, want %s (order lost)", i, got[i], want[i])
		}
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d after drain, want 0", count)
	}
}

// TestDrain_DeleteDispatch tests that delete mutations reach the delete
// handler, not the upsert handler
func TestDrain_DeleteDispatch(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var upserts, deletes int
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			upserts++
			return nil
		},
		Delete: func(ctx context.Context, payload []byte) error {
			deletes++
			return nil
		},
	})

	if _, err := h.engine.Enqueue(ctx, "races", record.OpDelete, []byte(`{"id":"r9"}`)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if upserts != 0 || deletes != 1 {
		t.Errorf("upserts=%d deletes=%d, want 0 and 1", upserts, deletes)
	}
}

// TestDrain_FailureSchedulesRetry tests backoff bookkeeping after a failure
// and redelivery once the delay elapses
func TestDrain_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	fail := true
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			if fail {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	rec, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"r1"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Retried != 1 {
		t.Errorf("Retried = %d, want 1", res.Retried)
	}

	got, err := h.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.LastError != "connection refused" {
		t.Errorf("LastError = %q, want 'connection refused'", got.LastError)
	}
	wantNext := h.clk.Now().Add(2 * time.Second)
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(wantNext) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, wantNext)
	}

	// Still backing off: nothing is due
	res, err = h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Second Drain() failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("Attempted = %d during backoff, want 0", res.Attempted)
	}

	// Delay elapsed: redelivers
	fail = false
	h.clk.Advance(2 * time.Second)
	res, err = h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Third Drain() failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("Delivered = %d after backoff elapsed, want 1", res.Delivered)
	}
}

// TestDrain_DeadLetterAfterMaxAttempts tests that five straight failures
// dead-letter the record with the full backoff ladder in between
func TestDrain_DeadLetterAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			return errors.New("boom")
		},
	})

	rec, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"r1"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	delays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		res, err := h.engine.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain() %d failed: %v", attempt, err)
		}
		if res.Attempted != 1 {
			t.Fatalf("Attempted = %d on attempt %d, want 1", res.Attempted, attempt)
		}
		if attempt < 4 {
			if res.Retried != 1 {
				t.Errorf("Retried = %d on attempt %d, want 1", res.Retried, attempt)
			}
			h.clk.Advance(delays[attempt])
		} else {
			if res.DeadLettered != 1 {
				t.Errorf("DeadLettered = %d on final attempt, want 1", res.DeadLettered)
			}
		}
	}

	got, err := h.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusDeadLettered {
		t.Errorf("Status = %q, want dead_lettered", got.Status)
	}
	if got.RetryCount != 5 {
		t.Errorf("RetryCount = %d, want 5", got.RetryCount)
	}
	if got.NextAttemptAt != nil {
		t.Errorf("NextAttemptAt = %v, want nil", got.NextAttemptAt)
	}

	select {
	case <-h.sink.deadLettered:
	default:
		t.Error("OnDeadLettered never fired")
	}

	// Dead letters are not attempted again
	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() after dead-letter failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("Attempted = %d after dead-letter, want 0", res.Attempted)
	}
}

// TestDrain_DeadLetterUnblocksCollection tests that a dead-lettered head
// stops holding up the records behind it
func TestDrain_DeadLetterUnblocksCollection(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var delivered []string
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			var doc struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(payload, &doc); err != nil {
				return err
			}
			if doc.ID == "poison" {
				return errors.New("always fails")
			}
			delivered = append(delivered, doc.ID)
			return nil
		},
	})

	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"poison"}`)); err != nil {
		t.Fatalf("Enqueue(poison) failed: %v", err)
	}
	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"fine"}`)); err != nil {
		t.Fatalf("Enqueue(fine) failed: %v", err)
	}

	// Burn through the poison record's attempts. The record behind it must
	// not be attempted while the head is still retrying.
	delays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		res, err := h.engine.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain() %d failed: %v", attempt, err)
		}
		if attempt < 4 {
			if res.Attempted != 1 {
				t.Fatalf("Attempted = %d on attempt %d, want 1 (head must block)", res.Attempted, attempt)
			}
			h.clk.Advance(delays[attempt])
		}
	}

	if len(delivered) != 1 || delivered[0] != "fine" {
		t.Errorf("delivered = %v, want [fine] once the head dead-lettered", delivered)
	}
}

// TestDrain_BackoffBlocksOnlyItsCollection tests per-collection head-of-line
// blocking: a backing-off head stalls its own collection and no other
func TestDrain_BackoffBlocksOnlyItsCollection(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			return errors.New("races backend down")
		},
	})
	var clubDelivered int
	h.engine.RegisterHandler("clubs", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			clubDelivered++
			return nil
		},
	})

	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"a1"}`)); err != nil {
		t.Fatalf("Enqueue(a1) failed: %v", err)
	}
	a2, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"a2"}`))
	if err != nil {
		t.Fatalf("Enqueue(a2) failed: %v", err)
	}
	if _, err := h.engine.Enqueue(ctx, "clubs", record.OpUpsert, []byte(`{"id":"b1"}`)); err != nil {
		t.Fatalf("Enqueue(b1) failed: %v", err)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Attempted != 2 {
		t.Errorf("Attempted = %d, want 2 (races head + clubs)", res.Attempted)
	}
	if res.Retried != 1 || res.Delivered != 1 {
		t.Errorf("Drain() = %+v, want 1 retried and 1 delivered", res)
	}
	if clubDelivered != 1 {
		t.Errorf("clubs delivered = %d, want 1", clubDelivered)
	}

	// The blocked record was never touched
	got, err := h.store.Get(ctx, a2.ID)
	if err != nil {
		t.Fatalf("Get(a2) failed: %v", err)
	}
	if got.RetryCount != 0 || got.Status != record.StatusPending {
		t.Errorf("blocked record = %s/%d, want pending/0", got.Status, got.RetryCount)
	}

	// Second pass while the head is backing off: races fully skipped
	res, err = h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Second Drain() failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("Attempted = %d while head backs off, want 0", res.Attempted)
	}
}

// TestDrain_UnregisteredCollectionWaits tests that mutations for unknown
// collections stay pending and deliver once a handler registers
func TestDrain_UnregisteredCollectionWaits(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	rec, err := h.engine.Enqueue(ctx, "regattas", record.OpUpsert, []byte(`{"id":"g1"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("Attempted = %d with no handler, want 0", res.Attempted)
	}

	got, err := h.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending || got.RetryCount != 0 {
		t.Errorf("record = %s/%d, want pending/0", got.Status, got.RetryCount)
	}

	delivered := 0
	h.engine.RegisterHandler("regattas", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			delivered++
			return nil
		},
	})

	if _, err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain() after registration failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d after registration, want 1", delivered)
	}
}

// TestDrain_HandlerPanicIsFailure tests that a panicking handler costs one
// attempt and the pass keeps going
func TestDrain_HandlerPanicIsFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			panic("handler bug")
		},
	})
	var clubDelivered int
	h.engine.RegisterHandler("clubs", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			clubDelivered++
			return nil
		},
	})

	rec, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"r1"}`))
	if err != nil {
		t.Fatalf("Enqueue(races) failed: %v", err)
	}
	if _, err := h.engine.Enqueue(ctx, "clubs", record.OpUpsert, []byte(`{"id":"c1"}`)); err != nil {
		t.Fatalf("Enqueue(clubs) failed: %v", err)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Retried != 1 || res.Delivered != 1 {
		t.Errorf("Drain() = %+v, want 1 retried and 1 delivered", res)
	}
	if clubDelivered != 1 {
		t.Errorf("clubs delivered = %d, want pass to continue past the panic", clubDelivered)
	}

	got, err := h.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d after panic, want 1", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("LastError empty after panic, want panic message")
	}
}

// TestDrain_StopsWhenConnectivityDrops tests the mid-pass offline check
func TestDrain_StopsWhenConnectivityDrops(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var delivered int
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			delivered++
			// Connectivity dies right after the first delivery
			h.conn.SetOnline(false)
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert,
			[]byte(fmt.Sprintf(`{"id":"r%d"}`, i))); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Delivered != 1 || res.Attempted != 1 {
		t.Errorf("Drain() = %+v, want exactly 1 attempted before stopping", res)
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingCount() = %d after aborted pass, want 2", count)
	}
}

// TestDrain_MidPassEnqueueWaits tests that the batch is fixed at pass start
func TestDrain_MidPassEnqueueWaits(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var delivered []string
	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			delivered = append(delivered, string(payload))
			if len(delivered) == 1 {
				if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"late"}`)); err != nil {
					return err
				}
			}
			return nil
		},
	})

	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"first"}`)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	res, err := h.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 (late enqueue waits for next pass)", res.Delivered)
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("PendingCount() = %d, want the late record still queued", count)
	}

	if _, err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Second Drain() failed: %v", err)
	}
	if len(delivered) != 2 || delivered[1] != `{"id":"late"}` {
		t.Errorf("delivered = %v, want the late record on the second pass", delivered)
	}
}

// TestPendingCount_IncludesInFlight tests the count contract
func TestPendingCount_IncludesInFlight(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	pending := record.New("races", record.OpUpsert, []byte(`{"id":"p"}`), h.clk.Now())
	inFlight := record.New("races", record.OpUpsert, []byte(`{"id":"f"}`), h.clk.Now())
	inFlight.Status = record.StatusInFlight
	dead := record.New("races", record.OpUpsert, []byte(`{"id":"d"}`), h.clk.Now())
	dead.Status = record.StatusDeadLettered

	for _, rec := range []*record.Record{pending, inFlight, dead} {
		if err := h.store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingCount() = %d, want 2 (pending + in_flight)", count)
	}

	stats, err := h.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Pending != 1 || stats.InFlight != 1 || stats.DeadLettered != 1 {
		t.Errorf("Stats() = %+v, want 1/1/1", stats)
	}
	if stats.State != StateIdle {
		t.Errorf("State = %q, want idle", stats.State)
	}
}

// TestClearDeadLetters tests that only dead letters are removed
func TestClearDeadLetters(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	pending := record.New("races", record.OpUpsert, []byte(`{"id":"p"}`), h.clk.Now())
	dead := record.New("races", record.OpUpsert, []byte(`{"id":"d"}`), h.clk.Now())
	dead.Status = record.StatusDeadLettered
	for _, rec := range []*record.Record{pending, dead} {
		if err := h.store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	n, err := h.engine.ClearDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ClearDeadLetters() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ClearDeadLetters() = %d, want 1", n)
	}

	recs, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != pending.ID {
		t.Errorf("Snapshot() = %d records, want only the pending one", len(recs))
	}
}

// TestReprocessDeadLetters tests that dead letters go back in line with a
// fresh retry budget
func TestReprocessDeadLetters(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	dead := record.New("races", record.OpUpsert, []byte(`{"id":"d"}`), h.clk.Now())
	dead.Status = record.StatusDeadLettered
	dead.RetryCount = 5
	dead.LastError = "boom"
	if err := h.store.Append(ctx, dead); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	n, err := h.engine.ReprocessDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ReprocessDeadLetters() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ReprocessDeadLetters() = %d, want 1", n)
	}

	got, err := h.store.Get(ctx, dead.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if got.NextAttemptAt != nil {
		t.Errorf("NextAttemptAt = %v, want nil", got.NextAttemptAt)
	}
}

// TestClearQueue tests that everything goes
func TestClearQueue(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert,
			[]byte(fmt.Sprintf(`{"id":"r%d"}`, i))); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	if err := h.engine.ClearQueue(ctx); err != nil {
		t.Fatalf("ClearQueue() failed: %v", err)
	}

	recs, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Snapshot() = %d records after ClearQueue(), want 0", len(recs))
	}
}

// TestStart_RequeuesInterrupted tests crash recovery: in-flight records go
// back to pending without losing retry budget
func TestStart_RequeuesInterrupted(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	stranded := record.New("races", record.OpUpsert, []byte(`{"id":"s"}`), h.clk.Now())
	stranded.Status = record.StatusInFlight
	stranded.RetryCount = 2
	if err := h.store.Append(ctx, stranded); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.engine.Stop()

	got, err := h.store.Get(ctx, stranded.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("Status = %q after Start, want pending", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (recovery must not charge a retry)", got.RetryCount)
	}
}

// TestStartStop_Idempotent tests repeated lifecycle calls and restart
func TestStartStop_Idempotent(t *testing.T) {
	h := newHarness(t, true)

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Errorf("Second Start() failed: %v", err)
	}
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := h.engine.Stop(); err != nil {
		t.Errorf("Second Stop() failed: %v", err)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop() after restart failed: %v", err)
	}
}

// TestEngine_DrainsOnReconnect tests the end-to-end offline/online story:
// enqueue offline, reconnect, watch the queue flush
func TestEngine_DrainsOnReconnect(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			return nil
		},
	})

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.engine.Stop()

	if _, err := h.engine.Enqueue(ctx, "races", record.OpUpsert, []byte(`{"id":"r1"}`)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Nothing moves while offline
	select {
	case rec := <-h.sink.delivered:
		t.Fatalf("record %s delivered while offline", rec.ID)
	case <-time.After(50 * time.Millisecond):
	}

	h.conn.SetOnline(true)

	select {
	case <-h.sink.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for delivery after reconnect")
	}

	count, err := h.engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d after reconnect drain, want 0", count)
	}
}

// TestEngine_SafetyTickerPicksUpDueWork tests that records with no other
// trigger still drain once the safety interval fires
func TestEngine_SafetyTickerPicksUpDueWork(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	kv, err := store.NewDirKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirKV() failed: %v", err)
	}
	st, err := store.OpenFileLog(kv, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("OpenFileLog() failed: %v", err)
	}

	sink := newCaptureSink()
	engine, err := New(st, h.conn, &Config{
		SafetyInterval: 20 * time.Millisecond,
		Clock:          h.clk,
		Logger:         log.New(io.Discard, "", 0),
		Events:         sink,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	engine.RegisterHandler("races", registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			return nil
		},
	})

	if err := engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer engine.Stop()

	// Slip a record in behind the engine's back so only the ticker sees it
	rec := record.New("races", record.OpUpsert, []byte(`{"id":"r1"}`), h.clk.Now())
	if err := st.Append(ctx, rec); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	select {
	case <-sink.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for safety ticker drain")
	}
}
