// Package sse writes Server-Sent Events frames for the HTTP transports.
package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support flushing")

// Writer serializes frames onto one response. Writes after ctx is done fail
// with the context error so a departed client is noticed on the next frame.
type Writer struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	f   http.Flusher
	ctx context.Context
}

// Start sets the event-stream headers, commits the status and flushes so the
// client sees the stream open before the first event.
func Start(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f, ctx: ctx}, nil
}

// Event writes one frame. id and event are omitted when empty. Multi-line
// payloads are split across data lines.
func (s *Writer) Event(id, event string, payload []byte) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

// Comment writes a comment frame, used as a keepalive.
func (s *Writer) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *Writer) write(frame string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	s.f.Flush()
	return nil
}
