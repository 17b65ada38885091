// Package outboxtest is a conformance suite every outbox.Host must pass.
package outboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/outbox"
)

// HostFactory creates a fresh Host for one subtest.
type HostFactory func(t *testing.T) outbox.Host

// settle gives a subscriber time to pin its cursor before the test publishes.
const settle = 100 * time.Millisecond

// Run runs the complete suite against factory.
func Run(t *testing.T, factory HostFactory) {
	t.Run("FutureEventsOnly", func(t *testing.T) { testFutureEventsOnly(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResume(t, factory) })
	t.Run("ReplayFromStart", func(t *testing.T) { testFromStart(t, factory) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrder(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("CleanupEndsSubscription", func(t *testing.T) { testCleanup(t, factory) })
	t.Run("UnknownLastEventID", func(t *testing.T) { testUnknownEventID(t, factory) })
	t.Run("UnopenedSessionIsUnknown", func(t *testing.T) { testUnopened(t, factory) })
	t.Run("CleanedUpSessionStaysGone", func(t *testing.T) { testCleanedUpStaysGone(t, factory) })
	t.Run("TrimDropsDeliveredEvents", func(t *testing.T) { testTrim(t, factory) })
}

func open(t *testing.T, h outbox.Host, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := h.Open(context.Background(), id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	ids  []string
	data []string
}

func (r *recorder) handler(stopAfter int, cancel context.CancelFunc) outbox.Handler {
	return func(ctx context.Context, eventID string, data []byte) error {
		r.mu.Lock()
		r.ids = append(r.ids, eventID)
		r.data = append(r.data, string(data))
		n := len(r.ids)
		r.mu.Unlock()
		if stopAfter > 0 && n >= stopAfter {
			cancel()
		}
		return nil
	}
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]string(nil), r.data...)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not return")
		return nil
	}
}

func testFutureEventsOnly(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-future")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.Publish(ctx, "sess-future", []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var rec recorder
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, "sess-future", "", rec.handler(1, cancel)) }()
	time.Sleep(settle)

	evID, err := h.Publish(ctx, "sess-future", []byte("after"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	ids, data := rec.snapshot()
	if len(ids) != 1 || ids[0] != evID || data[0] != "after" {
		t.Fatalf("expected only the later event, got ids=%v data=%v", ids, data)
	}
}

func testResume(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-resume")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var published []string
	for i := 1; i <= 3; i++ {
		id, err := h.Publish(ctx, "sess-resume", []byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		published = append(published, id)
	}

	var rec recorder
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, "sess-resume", published[0], rec.handler(2, cancel)) }()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	ids, data := rec.snapshot()
	if len(ids) != 2 || ids[0] != published[1] || ids[1] != published[2] {
		t.Fatalf("expected %v, got %v", published[1:], ids)
	}
	if data[0] != "m2" || data[1] != "m3" {
		t.Fatalf("unexpected payloads %v", data)
	}
}

func testFromStart(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-start")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := h.Publish(ctx, "sess-start", []byte("early"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	var rec recorder
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, "sess-start", outbox.FromStart, rec.handler(2, cancel)) }()
	time.Sleep(settle)

	second, err := h.Publish(ctx, "sess-start", []byte("late"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	ids, data := rec.snapshot()
	if len(ids) != 2 || ids[0] != first || ids[1] != second || data[0] != "early" || data[1] != "late" {
		t.Fatalf("expected the whole log, got ids=%v data=%v", ids, data)
	}
}

func testOrder(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-order")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	var rec recorder
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, "sess-order", "", rec.handler(n, cancel)) }()
	time.Sleep(settle)

	for i := 0; i < n; i++ {
		if _, err := h.Publish(ctx, "sess-order", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	_, data := rec.snapshot()
	if len(data) != n {
		t.Fatalf("expected %d events, got %d", n, len(data))
	}
	for i, d := range data {
		if d != fmt.Sprintf("%d", i) {
			t.Fatalf("event %d out of order: %q", i, d)
		}
	}
}

func testIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-a", "sess-b")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctxA, cancelA := context.WithCancel(ctx)
	defer cancelA()

	var recA, recB recorder
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- h.Subscribe(ctxA, "sess-a", "", recA.handler(1, cancelA)) }()
	go func() { doneB <- h.Subscribe(ctx, "sess-b", "", recB.handler(0, nil)) }()
	time.Sleep(settle)

	if _, err := h.Publish(ctx, "sess-a", []byte("for-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := waitDone(t, doneA); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe a returned %v", err)
	}

	time.Sleep(settle)
	cancel()
	if err := waitDone(t, doneB); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe b returned %v", err)
	}
	if ids, _ := recB.snapshot(); len(ids) != 0 {
		t.Fatalf("session b received events of session a: %v", ids)
	}
}

func testCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-cancel")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, "sess-cancel", "", func(ctx context.Context, eventID string, data []byte) error { return nil })
	}()
	time.Sleep(settle)
	cancel()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testHandlerError(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-err")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("client went away")
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, "sess-err", "", func(ctx context.Context, eventID string, data []byte) error { return boom })
	}()
	time.Sleep(settle)

	if _, err := h.Publish(ctx, "sess-err", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testCleanup(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-clean")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, "sess-clean", "", func(ctx context.Context, eventID string, data []byte) error { return nil })
	}()
	time.Sleep(settle)

	if err := h.Cleanup(ctx, "sess-clean"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("expected nil after cleanup, got %v", err)
	}
	if err := h.Cleanup(ctx, "sess-clean"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func testUnknownEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	open(t, h, "sess-unknown")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.Subscribe(ctx, "sess-unknown", "definitely not an id", func(ctx context.Context, eventID string, data []byte) error { return nil })
	if !errors.Is(err, outbox.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID, got %v", err)
	}
}

func testUnopened(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.Publish(ctx, "sess-never", []byte("x")); !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("publish: expected ErrUnknownSession, got %v", err)
	}
	err := h.Subscribe(ctx, "sess-never", outbox.FromStart, func(ctx context.Context, eventID string, data []byte) error { return nil })
	if !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("subscribe: expected ErrUnknownSession, got %v", err)
	}
}

func testCleanedUpStaysGone(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	open(t, h, "sess-gone")

	if _, err := h.Publish(ctx, "sess-gone", []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.Cleanup(ctx, "sess-gone"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	err := h.Subscribe(ctx, "sess-gone", outbox.FromStart, func(ctx context.Context, eventID string, data []byte) error {
		t.Errorf("event delivered after cleanup: %s", data)
		return nil
	})
	if !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("subscribe: expected ErrUnknownSession, got %v", err)
	}
	if _, err := h.Publish(ctx, "sess-gone", []byte("after")); !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("publish: expected ErrUnknownSession, got %v", err)
	}

	// Reopening starts an empty log.
	open(t, h, "sess-gone")
	var rec recorder
	sctx, stop := context.WithTimeout(ctx, settle)
	defer stop()
	_ = h.Subscribe(sctx, "sess-gone", outbox.FromStart, rec.handler(0, nil))
	if ids, _ := rec.snapshot(); len(ids) != 0 {
		t.Fatalf("reopened log replayed %v", ids)
	}
}

func testTrim(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	open(t, h, "sess-trim")

	var published []string
	for i := 1; i <= 3; i++ {
		id, err := h.Publish(ctx, "sess-trim", []byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		published = append(published, id)
	}
	if err := h.Trim(ctx, "sess-trim", published[1]); err != nil {
		t.Fatalf("trim: %v", err)
	}

	var rec recorder
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, "sess-trim", outbox.FromStart, rec.handler(1, cancel)) }()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	ids, data := rec.snapshot()
	if len(ids) != 1 || ids[0] != published[2] || data[0] != "m3" {
		t.Fatalf("expected only the untrimmed event, got ids=%v data=%v", ids, data)
	}

	if err := h.Trim(context.Background(), "sess-missing", published[0]); !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("trim unknown session: expected ErrUnknownSession, got %v", err)
	}
}
