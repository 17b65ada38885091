// Package memory is a process-local outbox.Host.
//
//	Durability        : none
//	Horizontal scale  : no
//	Ordering          : decimal ids from one counter, increasing within a session
//	Retention         : the newest MaxEvents per session
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/ontap-mcp-server-go/outbox"
)

// DefaultMaxEvents bounds each session log.
const DefaultMaxEvents = 1024

type Host struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64
	max     int
}

type Option func(*Host)

// WithMaxEvents sets how many events each session retains for replay.
func WithMaxEvents(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.max = n
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{streams: make(map[string]*stream), max: DefaultMaxEvents}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type event struct {
	seq  int64
	data []byte
}

type stream struct {
	mu     sync.Mutex
	events []event
	// wake is closed and replaced on every append.
	wake chan struct{}
	done chan struct{}
}

func newStream() *stream {
	return &stream{wake: make(chan struct{}), done: make(chan struct{})}
}

func (h *Host) Open(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[sessionID]; !ok {
		h.streams[sessionID] = newStream()
	}
	return nil
}

// stream never creates a log, so nothing can revive one after Cleanup.
func (h *Host) stream(sessionID string) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrUnknownSession, sessionID)
	}
	return st, nil
}

func (h *Host) Publish(ctx context.Context, sessionID string, data []byte) (string, error) {
	st, err := h.stream(sessionID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	select {
	case <-st.done:
		st.mu.Unlock()
		return "", fmt.Errorf("%w: %s", outbox.ErrUnknownSession, sessionID)
	default:
	}
	seq := h.counter.Add(1)
	st.events = append(st.events, event{seq: seq, data: append([]byte(nil), data...)})
	if over := len(st.events) - h.max; over > 0 {
		st.events = append(st.events[:0:0], st.events[over:]...)
	}
	close(st.wake)
	st.wake = make(chan struct{})
	st.mu.Unlock()

	return strconv.FormatInt(seq, 10), nil
}

func (h *Host) Subscribe(ctx context.Context, sessionID string, lastEventID string, fn outbox.Handler) error {
	st, err := h.stream(sessionID)
	if err != nil {
		return err
	}

	var cursor int64
	if lastEventID == "" {
		st.mu.Lock()
		cursor = h.counter.Load()
		st.mu.Unlock()
	} else {
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || n < 0 || n > h.counter.Load() {
			return fmt.Errorf("%w: %q", outbox.ErrUnknownEventID, lastEventID)
		}
		cursor = n
	}

	for {
		st.mu.Lock()
		pending := st.after(cursor)
		wake := st.wake
		st.mu.Unlock()

		for _, ev := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, strconv.FormatInt(ev.seq, 10), ev.data); err != nil {
				return err
			}
			cursor = ev.seq
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.done:
			return nil
		case <-wake:
		}
	}
}

// after copies the events with seq greater than cursor. Callers hold s.mu.
func (s *stream) after(cursor int64) []event {
	i := len(s.events)
	for i > 0 && s.events[i-1].seq > cursor {
		i--
	}
	if i == len(s.events) {
		return nil
	}
	return append([]event(nil), s.events[i:]...)
}

func (h *Host) Trim(ctx context.Context, sessionID string, eventID string) error {
	st, err := h.stream(sessionID)
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(eventID, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: %q", outbox.ErrUnknownEventID, eventID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	i := 0
	for i < len(st.events) && st.events[i].seq <= n {
		i++
	}
	if i > 0 {
		st.events = append(st.events[:0:0], st.events[i:]...)
	}
	return nil
}

func (h *Host) Cleanup(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if ok {
		st.mu.Lock()
		close(st.done)
		st.events = nil
		st.mu.Unlock()
	}
	return nil
}

// Len reports how many session logs are held.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Retained reports how many events the log of sessionID holds.
func (h *Host) Retained(sessionID string) int {
	st, err := h.stream(sessionID)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.events)
}

var _ outbox.Host = (*Host)(nil)
