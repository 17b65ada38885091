package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultInactivityTimeout = 20 * time.Minute
	DefaultMaxLifetime       = 24 * time.Hour
	DefaultCleanupInterval   = time.Minute
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrAlreadyBound    = errors.New("session already bound to a connection")
	ErrInvalidID       = errors.New("invalid session id")
)

// Status is the lifecycle position of a session.
type Status int32

const (
	StatusCreating Status = iota
	StatusActive
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusCreating:
		return "creating"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Reason records why a session was removed.
type Reason string

const (
	ReasonManualClose       Reason = "manual_close"
	ReasonTransportError    Reason = "transport_error"
	ReasonInactivityTimeout Reason = "inactivity_timeout"
	ReasonMaxLifetime       Reason = "max_lifetime"
	ReasonShutdown          Reason = "shutdown"
)

// Conn is the release hook of the connection bound to a session. The
// registry calls Close exactly once, after the entry has left the table.
type Conn interface {
	Close(ctx context.Context, reason Reason) error
}

// Releaser may be implemented by a session state that holds resources.
type Releaser interface {
	Release(ctx context.Context) error
}

// Observer is notified of session lifecycle events.
type Observer interface {
	SessionCreated()
	SessionRemoved(reason Reason, lifetime time.Duration)
}

// Session is a point-in-time view of a registry entry. State and Conn are
// shared with the entry, everything else is a copy. Conn is nil until Bind.
type Session[S any] struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Activity       int64
	Status         Status
	State          S
	Conn           Conn
}

type entry[S any] struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time
	activity     int64
	status       Status
	state        S
	conn         Conn
}

func (e *entry[S]) snapshot() *Session[S] {
	return &Session[S]{
		ID:             e.id,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivity,
		Activity:       e.activity,
		Status:         e.status,
		State:          e.state,
		Conn:           e.conn,
	}
}

// Registry is safe for concurrent use by any number of sessions.
type Registry[S any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[S]

	newState func() S

	clock       clockwork.Clock
	inactivity  time.Duration
	maxLifetime time.Duration
	interval    time.Duration
	log         *slog.Logger
	obs         Observer
}

type Option func(*registryConfig)

type registryConfig struct {
	clock       clockwork.Clock
	inactivity  time.Duration
	maxLifetime time.Duration
	interval    time.Duration
	log         *slog.Logger
	obs         Observer
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option { return func(r *registryConfig) { r.clock = c } }

// WithInactivityTimeout sets how long a session may stay idle.
func WithInactivityTimeout(d time.Duration) Option {
	return func(r *registryConfig) {
		if d > 0 {
			r.inactivity = d
		}
	}
}

// WithMaxLifetime sets the absolute lifetime cap.
func WithMaxLifetime(d time.Duration) Option {
	return func(r *registryConfig) {
		if d > 0 {
			r.maxLifetime = d
		}
	}
}

// WithCleanupInterval sets how often Run sweeps.
func WithCleanupInterval(d time.Duration) Option {
	return func(r *registryConfig) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(r *registryConfig) { r.log = l } }

func WithObserver(o Observer) Option { return func(r *registryConfig) { r.obs = o } }

// NewRegistry returns an empty registry. newState is called once per Create
// and must return a value that is not shared with any other session.
func NewRegistry[S any](newState func() S, opts ...Option) *Registry[S] {
	cfg := &registryConfig{
		clock:       clockwork.NewRealClock(),
		inactivity:  DefaultInactivityTimeout,
		maxLifetime: DefaultMaxLifetime,
		interval:    DefaultCleanupInterval,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Registry[S]{
		entries:     make(map[string]*entry[S]),
		newState:    newState,
		clock:       cfg.clock,
		inactivity:  cfg.inactivity,
		maxLifetime: cfg.maxLifetime,
		interval:    cfg.interval,
		log:         logctx.Wrap(cfg.log),
		obs:         cfg.obs,
	}
}

func (r *Registry[S]) InactivityTimeout() time.Duration { return r.inactivity }
func (r *Registry[S]) MaxLifetime() time.Duration       { return r.maxLifetime }
func (r *Registry[S]) CleanupInterval() time.Duration   { return r.interval }

// Create reserves id with a freshly constructed state.
func (r *Registry[S]) Create(id string) (*Session[S], error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	state := r.newState()
	now := r.clock.Now()

	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	e := &entry[S]{id: id, createdAt: now, lastActivity: now, status: StatusCreating, state: state}
	r.entries[id] = e
	snap := e.snapshot()
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.SessionCreated()
	}
	r.log.Info("session.create.ok", slog.String("session_id", id))
	return snap, nil
}

// Bind attaches conn to a session in StatusCreating and makes it active.
// Only the first Bind for an id succeeds.
func (r *Registry[S]) Bind(id string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.status != StatusCreating {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, id)
	}
	e.conn = conn
	e.status = StatusActive
	e.lastActivity = r.clock.Now()
	return nil
}

// Get returns a view of a live session.
func (r *Registry[S]) Get(id string) (*Session[S], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.snapshot(), nil
}

// State is Get narrowed to the session state.
func (r *Registry[S]) State(id string) (S, error) {
	sess, err := r.Get(id)
	if err != nil {
		var zero S
		return zero, err
	}
	return sess.State, nil
}

// Touch records activity on a session.
func (r *Registry[S]) Touch(id string) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.lastActivity = now
	e.activity++
	return nil
}

// Remove deletes a session and runs its release hooks. Removing an id that
// is not present is a no-op. The returned error only reports release
// failures: the entry is gone either way.
func (r *Registry[S]) Remove(ctx context.Context, id string, reason Reason) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		e.status = StatusClosing
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	var result *multierror.Error
	if e.conn != nil {
		if err := recovered(func() error { return e.conn.Close(ctx, reason) }); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}
	if rel, ok := any(e.state).(Releaser); ok {
		if err := recovered(func() error { return rel.Release(ctx) }); err != nil {
			result = multierror.Append(result, fmt.Errorf("release state: %w", err))
		}
	}

	lifetime := r.clock.Since(e.createdAt)
	r.mu.Lock()
	e.status = StatusClosed
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.SessionRemoved(reason, lifetime)
	}

	if err := result.ErrorOrNil(); err != nil {
		r.log.WarnContext(ctx, "session.remove.release_fail", slog.String("session_id", id), slog.String("reason", string(reason)), slog.String("err", err.Error()))
		return err
	}
	r.log.InfoContext(ctx, "session.remove.ok", slog.String("session_id", id), slog.String("reason", string(reason)), slog.Duration("lifetime", lifetime))
	return nil
}

// ErrReleasePanic wraps a panic raised by a release hook.
var ErrReleasePanic = errors.New("release hook panicked")

func recovered(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrReleasePanic, p)
		}
	}()
	return fn()
}

type expiry struct {
	id     string
	reason Reason
}

// Sweep removes every session past its max lifetime or inactivity timeout.
// A failing removal does not stop the sweep; all failures are returned
// together.
func (r *Registry[S]) Sweep(ctx context.Context) error {
	now := r.clock.Now()

	var expired []expiry
	r.mu.RLock()
	for id, e := range r.entries {
		switch {
		case now.Sub(e.createdAt) > r.maxLifetime:
			expired = append(expired, expiry{id: id, reason: ReasonMaxLifetime})
		case now.Sub(e.lastActivity) > r.inactivity:
			expired = append(expired, expiry{id: id, reason: ReasonInactivityTimeout})
		}
	}
	r.mu.RUnlock()

	var result *multierror.Error
	for _, ex := range expired {
		if err := r.Remove(ctx, ex.id, ex.reason); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", ex.id, err))
		}
	}

	if len(expired) > 0 {
		r.log.InfoContext(ctx, "sweep.ok", slog.Int("expired", len(expired)), slog.Int("active", r.Len()))
	}
	return result.ErrorOrNil()
}

// Run sweeps on the cleanup interval until ctx ends.
func (r *Registry[S]) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.InfoContext(ctx, "sweep.start", slog.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := r.Sweep(ctx); err != nil {
				r.log.WarnContext(ctx, "sweep.fail", slog.String("err", err.Error()))
			}
		}
	}
}

// Shutdown removes every session.
func (r *Registry[S]) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := r.Remove(ctx, id, ReasonShutdown); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Len reports the number of sessions in the table.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn with a view of each session until fn returns false. The
// table is not locked while fn runs.
func (r *Registry[S]) Range(fn func(*Session[S]) bool) {
	r.mu.RLock()
	views := make([]*Session[S], 0, len(r.entries))
	for _, e := range r.entries {
		views = append(views, e.snapshot())
	}
	r.mu.RUnlock()

	for _, v := range views {
		if !fn(v) {
			return
		}
	}
}
