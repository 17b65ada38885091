// Package outbox defines the per-session event log that carries
// server-to-client messages to whichever stream a client has open.
//
// Each session owns an ordered log, created by Open and dropped by Cleanup.
// Publish appends to it and returns an opaque event id; Subscribe delivers events after a given id in order and
// blocks for new ones. Event ids are what SSE clients echo back in
// Last-Event-ID to resume a dropped stream.
//
// Two implementations ship with the module:
//
//	outbox/memory  process local, bounded ring per session
//	outbox/redis   Redis Streams, shared by every replica behind a balancer
package outbox

import (
	"context"
	"errors"
)

var (
	// ErrUnknownEventID is returned by Subscribe when lastEventID is not an id
	// the host could have issued.
	ErrUnknownEventID = errors.New("outbox: unknown last event id")

	// ErrUnknownSession is returned by Publish, Subscribe and Trim for a
	// session that was never opened or was already cleaned up.
	ErrUnknownSession = errors.New("outbox: unknown session")
)

// FromStart is a lastEventID that replays every event still retained for
// the session.
const FromStart = "0"

// Handler receives one event. Returning an error ends the subscription with
// that error.
type Handler func(ctx context.Context, eventID string, data []byte) error

// Host stores and delivers session events.
type Host interface {
	// Open creates the session log. Opening an existing log is a no-op.
	Open(ctx context.Context, sessionID string) error

	// Publish appends data to the session log.
	Publish(ctx context.Context, sessionID string, data []byte) (string, error)

	// Subscribe delivers every event published after lastEventID, or only
	// future events when lastEventID is empty. It blocks until ctx ends, fn
	// fails or the session is cleaned up, in which case it returns nil.
	Subscribe(ctx context.Context, sessionID string, lastEventID string, fn Handler) error

	// Trim drops every event up to and including eventID. Streams that
	// cannot resume use it to release what they already delivered.
	Trim(ctx context.Context, sessionID string, eventID string) error

	// Cleanup drops the session log and ends local subscriptions.
	Cleanup(ctx context.Context, sessionID string) error
}
