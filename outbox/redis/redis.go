// Package redis is an outbox.Host backed by Redis Streams, so any replica
// can serve the GET stream of a session created on another.
//
// Each session log is the stream <prefix>stream:<session id>, trimmed with
// an approximate MAXLEN on every append. Event ids are Redis stream ids.
// Open sets the marker key <prefix>live:<session id>; appends are refused
// once it is gone. Cleanup deletes both keys; subscribers on other replicas
// notice the missing marker on their next idle poll.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis outbox. Defaults are loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// MaxEvents bounds each session stream. ENV: SESSIONS_MAX_EVENTS
	MaxEvents int64 `env:"SESSIONS_MAX_EVENTS,default=1024"`
	// MarkerTTL bounds how long a session marker outlives a crashed
	// process. ENV: SESSIONS_MARKER_TTL
	MarkerTTL time.Duration `env:"SESSIONS_MARKER_TTL,default=25h"`
}

// publishScript appends only while the session marker exists, so a late
// Publish cannot recreate a stream Cleanup deleted.
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[1], '*', 'd', ARGV[2])
`)

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int64
	markerTTL time.Duration
	block     time.Duration

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	cancel context.CancelCauseFunc
}

var errCleanedUp = errors.New("outbox: session cleaned up")

func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The Host takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	markerTTL := cfg.MarkerTTL
	if markerTTL <= 0 {
		markerTTL = 25 * time.Hour
	}
	return &Host{
		client:    cl,
		keyPrefix: prefix,
		maxEvents: maxEvents,
		markerTTL: markerTTL,
		block:     500 * time.Millisecond,
		subs:      make(map[string]map[*subscription]struct{}),
	}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

func (h *Host) liveKey(sessionID string) string { return h.keyPrefix + "live:" + sessionID }

func (h *Host) Open(ctx context.Context, sessionID string) error {
	if err := h.client.Set(ctx, h.liveKey(sessionID), 1, h.markerTTL).Err(); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

func (h *Host) live(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.liveKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n == 1, nil
}

func (h *Host) Publish(ctx context.Context, sessionID string, data []byte) (string, error) {
	keys := []string{h.liveKey(sessionID), h.streamKey(sessionID)}
	id, err := publishScript.Run(ctx, h.client, keys, h.maxEvents, data).Text()
	switch {
	case errors.Is(err, redis.Nil):
		return "", fmt.Errorf("%w: %s", outbox.ErrUnknownSession, sessionID)
	case err != nil:
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Trim drops entries up to and including eventID. XTRIM MINID keeps ids at
// or above its argument, so the next sequence number is passed.
func (h *Host) Trim(ctx context.Context, sessionID string, eventID string) error {
	ms, seq, ok := strings.Cut(eventID, "-")
	if !ok || !digits(ms) || !digits(seq) {
		return fmt.Errorf("%w: %q", outbox.ErrUnknownEventID, eventID)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", outbox.ErrUnknownEventID, eventID)
	}
	if ok, err := h.live(ctx, sessionID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrUnknownSession, sessionID)
	}
	minID := ms + "-" + strconv.FormatUint(n+1, 10)
	if err := h.client.XTrimMinID(ctx, h.streamKey(sessionID), minID).Err(); err != nil {
		return fmt.Errorf("xtrim: %w", err)
	}
	return nil
}

func (h *Host) Subscribe(ctx context.Context, sessionID string, lastEventID string, fn outbox.Handler) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unregister := h.register(sessionID, cancel)
	defer unregister()

	// Registered first: a Cleanup after this check still cancels ctx.
	if ok, err := h.live(ctx, sessionID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrUnknownSession, sessionID)
	}

	err := h.subscribe(ctx, sessionID, lastEventID, fn)
	if errors.Is(context.Cause(ctx), errCleanedUp) {
		return nil
	}
	return err
}

func (h *Host) register(sessionID string, cancel context.CancelCauseFunc) func() {
	sub := &subscription{cancel: cancel}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.subs[sessionID]; ok {
			delete(cur, sub)
			if len(cur) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
}

func (h *Host) subscribe(ctx context.Context, sessionID string, lastEventID string, fn outbox.Handler) error {
	key := h.streamKey(sessionID)

	start := lastEventID
	switch {
	case start == outbox.FromStart:
		start = "0-0"
	case start == "":
		// Pin the cursor to the current tail so events published between
		// polls are not skipped the way "$" would skip them.
		tail, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xrevrange: %w", err)
		}
		start = "0-0"
		if len(tail) == 1 {
			start = tail[0].ID
		}
	case !validStreamID(start):
		return fmt.Errorf("%w: %q", outbox.ErrUnknownEventID, lastEventID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 64, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Idle poll. A Cleanup on another replica only shows here.
				if ok, lerr := h.live(ctx, sessionID); lerr == nil && !ok {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, s := range res {
			for _, m := range s.Messages {
				start = m.ID
				if err := fn(ctx, m.ID, payload(m.Values["d"])); err != nil {
					return err
				}
			}
		}
	}
}

func payload(v any) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// validStreamID accepts the <ms>-<seq> form Redis issues.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	return ok && digits(ms) && digits(seq)
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (h *Host) Cleanup(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(h.subs[sessionID]))
	for sub := range h.subs[sessionID] {
		cancels = append(cancels, sub.cancel)
	}
	delete(h.subs, sessionID)
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel(errCleanedUp)
	}

	if err := h.client.Del(context.WithoutCancel(ctx), h.liveKey(sessionID), h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del session keys: %w", err)
	}
	return nil
}

var _ outbox.Host = (*Host)(nil)
