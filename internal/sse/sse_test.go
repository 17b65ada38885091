package sse

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := Start(t.Context(), rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: got %q", got)
	}

	if err := w.Event("7", "message", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := w.Event("", "endpoint", []byte("/messages?sessionId=x")); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := w.Event("", "", []byte("one\ntwo")); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := w.Comment("ping"); err != nil {
		t.Fatalf("Comment: %v", err)
	}

	want := "id: 7\nevent: message\ndata: {\"a\":1}\n\n" +
		"event: endpoint\ndata: /messages?sessionId=x\n\n" +
		"data: one\ndata: two\n\n" +
		": ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", got, want)
	}
}

func TestWriteAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	rec := httptest.NewRecorder()
	w, err := Start(ctx, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	if err := w.Event("", "message", []byte("{}")); err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("nothing should be written after cancellation, got %q", rec.Body.String())
	}
}
