package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/outboxtest"
	"github.com/redis/go-redis/v9"
)

func newMiniredisHost(t *testing.T) *Host {
	t.Helper()
	srv := miniredis.RunT(t)
	h := NewWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}), Config{KeyPrefix: "test:"})
	h.block = 50 * time.Millisecond
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRedisHost(t *testing.T) {
	outboxtest.Run(t, func(t *testing.T) outbox.Host {
		return newMiniredisHost(t)
	})
}

func TestPublishTrimsStream(t *testing.T) {
	h := newMiniredisHost(t)
	h.maxEvents = 5
	if err := h.Open(t.Context(), "s"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := h.Publish(t.Context(), "s", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	n, err := h.client.XLen(t.Context(), h.streamKey("s")).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n > 5 {
		t.Fatalf("expected at most 5 entries, got %d", n)
	}
}

func TestCleanupDeletesStream(t *testing.T) {
	h := newMiniredisHost(t)
	if err := h.Open(t.Context(), "s"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.Publish(t.Context(), "s", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.Cleanup(t.Context(), "s"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	n, err := h.client.Exists(t.Context(), h.streamKey("s"), h.liveKey("s")).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if n != 0 {
		t.Fatalf("session keys should be gone")
	}

	if _, err := h.Publish(t.Context(), "s", []byte("late reply")); !errors.Is(err, outbox.ErrUnknownSession) {
		t.Fatalf("publish after cleanup: expected ErrUnknownSession, got %v", err)
	}
	if n, _ := h.client.Exists(t.Context(), h.streamKey("s")).Result(); n != 0 {
		t.Fatalf("late publish recreated the stream")
	}
}

func TestOpenSetsMarkerTTL(t *testing.T) {
	h := newMiniredisHost(t)
	h.markerTTL = time.Hour
	if err := h.Open(t.Context(), "s"); err != nil {
		t.Fatalf("open: %v", err)
	}
	ttl, err := h.client.TTL(t.Context(), h.liveKey("s")).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected marker ttl %v", ttl)
	}
}

func TestRemoteCleanupEndsSubscription(t *testing.T) {
	h := newMiniredisHost(t)
	if err := h.Open(t.Context(), "s"); err != nil {
		t.Fatalf("open: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(t.Context(), "s", "", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(100 * time.Millisecond)

	// Another replica cleaning up only removes the keys.
	if err := h.client.Del(t.Context(), h.liveKey("s"), h.streamKey("s")).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not notice the missing marker")
	}
}

func TestValidStreamID(t *testing.T) {
	for id, want := range map[string]bool{
		"1700000000000-0": true,
		"0-0":             true,
		"17":              false,
		"a-1":             false,
		"1-":              false,
	} {
		if got := validStreamID(id); got != want {
			t.Errorf("validStreamID(%q) = %v, want %v", id, got, want)
		}
	}
}
