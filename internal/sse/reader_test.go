package sse

import (
	"errors"
	"strings"
	"testing"
)

func TestRead(t *testing.T) {
	stream := "event: endpoint\ndata: /messages?sessionId=abc\n\n" +
		": keepalive\n\n" +
		"id: 4\r\nevent: message\r\ndata: {\"a\":1}\r\n\r\n" +
		"data: one\ndata:two\n\n" +
		"data: tail"

	var got []Event
	err := Read(strings.NewReader(stream), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	want := []Event{
		{Name: "endpoint", Data: "/messages?sessionId=abc"},
		{ID: "4", Name: "message", Data: `{"a":1}`},
		{Data: "one\ntwo"},
		{Data: "tail"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReadStop(t *testing.T) {
	n := 0
	err := Read(strings.NewReader("data: a\n\ndata: b\n\n"), func(Event) error {
		n++
		return ErrStop
	})
	if err != nil || n != 1 {
		t.Fatalf("got err=%v after %d events", err, n)
	}

	boom := errors.New("boom")
	if err := Read(strings.NewReader("data: a\n\n"), func(Event) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
