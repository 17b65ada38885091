package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/memory"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/ggoodman/ontap-mcp-server-go/tools"
)

var (
	// ErrSessionClosed is returned for work addressed to a session that was
	// removed, including requests that were in flight when it closed.
	ErrSessionClosed = errors.New("protocol: session closed")

	// ErrNotInitialize is returned by Initialize when the message is not an
	// initialize request.
	ErrNotInitialize = errors.New("protocol: not an initialize request")

	// ErrSessionConflict is returned by Open when the generated id is already
	// taken or bound by a concurrent Open.
	ErrSessionConflict = errors.New("protocol: session id conflict")
)

// SeedFunc fills a fresh session state from the initializationOptions of the
// initialize request. raw is nil when the client sent none. An error fails
// the initialize call with invalid params.
type SeedFunc[S any] func(ctx context.Context, state S, raw json.RawMessage) error

// Server binds the session registry, the tool dispatcher and the push
// outbox. Transports call Open or Initialize to start a session and Lookup
// for every later message.
type Server[S any] struct {
	registry *sessions.Registry[S]
	tools    *tools.Dispatcher[S]
	outbox   outbox.Host
	ids      sessions.IDGenerator
	seed     SeedFunc[S]
	info     mcp.ImplementationInfo
	caps     mcp.ServerCapabilities
	instr    string
	log      *slog.Logger
}

type Option func(*serverConfig)

type serverConfig struct {
	outbox outbox.Host
	ids    sessions.IDGenerator
	info   mcp.ImplementationInfo
	caps   mcp.ServerCapabilities
	instr  string
	log    *slog.Logger
}

// WithOutbox sets where pushed messages are stored. Defaults to an
// in-memory outbox.
func WithOutbox(h outbox.Host) Option { return func(c *serverConfig) { c.outbox = h } }

// WithIDGenerator sets how session ids are minted and pre-validated.
func WithIDGenerator(g sessions.IDGenerator) Option { return func(c *serverConfig) { c.ids = g } }

// WithServerInfo sets the identity reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(c *serverConfig) { c.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithCapabilities overrides the capabilities reported by initialize.
func WithCapabilities(caps mcp.ServerCapabilities) Option {
	return func(c *serverConfig) { c.caps = caps }
}

func WithInstructions(s string) Option { return func(c *serverConfig) { c.instr = s } }

func WithLogger(l *slog.Logger) Option { return func(c *serverConfig) { c.log = l } }

// NewServer wires a server. seed may be nil.
func NewServer[S any](registry *sessions.Registry[S], dispatcher *tools.Dispatcher[S], seed SeedFunc[S], opts ...Option) *Server[S] {
	cfg := &serverConfig{
		ids:  sessions.UUIDs{},
		info: mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"},
		caps: mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.outbox == nil {
		cfg.outbox = memory.New()
	}
	dispatcher.Freeze()
	return &Server[S]{
		registry: registry,
		tools:    dispatcher,
		outbox:   cfg.outbox,
		ids:      cfg.ids,
		seed:     seed,
		info:     cfg.info,
		caps:     cfg.caps,
		instr:    cfg.instr,
		log:      logctx.Wrap(cfg.log),
	}
}

// Registry exposes the session table, for health reporting.
func (s *Server[S]) Registry() *sessions.Registry[S] { return s.registry }

// Open creates a session, constructs its connection and binds the two. The
// session state exists before Open returns, so the initialize handler can
// seed it.
func (s *Server[S]) Open(ctx context.Context, transport string) (*Conn[S], error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	if _, err := s.registry.Create(id); err != nil {
		if errors.Is(err, sessions.ErrSessionExists) {
			return nil, fmt.Errorf("%w: %w", ErrSessionConflict, err)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.outbox.Open(ctx, id); err != nil {
		_ = s.registry.Remove(ctx, id, sessions.ReasonTransportError)
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	conn := newConn(s, id, transport)
	if err := s.registry.Bind(id, conn); err != nil {
		// The entry belongs to whoever bound it; only our log is ours to drop.
		if errors.Is(err, sessions.ErrAlreadyBound) {
			return nil, fmt.Errorf("%w: %w", ErrSessionConflict, err)
		}
		_ = s.outbox.Cleanup(context.WithoutCancel(ctx), id)
		_ = s.registry.Remove(ctx, id, sessions.ReasonTransportError)
		return nil, fmt.Errorf("bind session: %w", err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: transport})
	s.log.InfoContext(ctx, "session.open.ok")
	return conn, nil
}

// Initialize opens a session for an initialize request and handles it. When
// the request fails the new session is removed again and the error response
// is returned with a nil connection.
func (s *Server[S]) Initialize(ctx context.Context, transport string, raw []byte) (*Conn[S], *jsonrpc.Response, error) {
	msg, err := decodeInitialize(raw)
	if err != nil {
		return nil, nil, err
	}

	conn, err := s.Open(ctx, transport)
	if err != nil {
		return nil, nil, err
	}
	res, err := conn.handle(ctx, msg)
	if err != nil {
		_ = conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError)
		return nil, nil, err
	}
	if res.Error != nil {
		_ = conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError)
		return nil, res, nil
	}
	return conn, res, nil
}

// Lookup returns the live connection of session id. Ids that the generator
// rejects never reach the table.
func (s *Server[S]) Lookup(ctx context.Context, id string) (*Conn[S], error) {
	if id == "" || !s.ids.Valid(id) {
		return nil, fmt.Errorf("%w: %q", sessions.ErrInvalidID, id)
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	conn, ok := sess.Conn.(*Conn[S])
	if !ok || conn == nil {
		return nil, fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, id)
	}
	return conn, nil
}

// Terminate removes session id through the registry, the same path the
// sweep uses.
func (s *Server[S]) Terminate(ctx context.Context, id string, reason sessions.Reason) error {
	return s.registry.Remove(ctx, id, reason)
}

// Shutdown closes every session.
func (s *Server[S]) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

func decodeInitialize(raw []byte) (*jsonrpc.AnyMessage, error) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInitialize, err)
	}
	if msg.Kind() != jsonrpc.KindRequest || msg.Method != string(mcp.InitializeMethod) {
		return nil, ErrNotInitialize
	}
	return msg, nil
}
