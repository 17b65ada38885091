package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
)

var errCancelledByPeer = errors.New("request cancelled by peer")

// Conn is the protocol connection of one session. It decodes inbound
// messages, routes requests with the session's own state and owns the
// session's push channel.
type Conn[S any] struct {
	srv       *Server[S]
	id        string
	transport string

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	protocolVersion string
	initialized     bool
	inflight        map[string]context.CancelCauseFunc
	onClose         []func(sessions.Reason)
	closed          bool
	closeReason     sessions.Reason
}

func newConn[S any](srv *Server[S], id, transport string) *Conn[S] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn[S]{
		srv:       srv,
		id:        id,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]context.CancelCauseFunc),
	}
}

func (c *Conn[S]) ID() string { return c.id }

func (c *Conn[S]) Transport() string { return c.transport }

// ProtocolVersion is the negotiated revision, empty before initialize.
func (c *Conn[S]) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// Done is closed once the session has been removed.
func (c *Conn[S]) Done() <-chan struct{} { return c.ctx.Done() }

// OnClose registers fn to run once when the session is removed, with the
// removal reason. Registering on a closed connection runs fn immediately.
func (c *Conn[S]) OnClose(fn func(sessions.Reason)) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Terminate removes the session through the registry. It is safe to call
// any number of times from any goroutine; only the first has an effect.
func (c *Conn[S]) Terminate(ctx context.Context, reason sessions.Reason) error {
	return c.srv.registry.Remove(ctx, c.id, reason)
}

// Close is the release hook the registry runs exactly once after the entry
// has left the table. Transports call Terminate instead.
func (c *Conn[S]) Close(ctx context.Context, reason sessions.Reason) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeReason = reason
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.cancel()
	err := c.srv.outbox.Cleanup(ctx, c.id)
	for _, fn := range callbacks {
		fn(reason)
	}
	return err
}

func (c *Conn[S]) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       c.id,
		Transport:       c.transport,
		ProtocolVersion: c.ProtocolVersion(),
	})
}

// HandleMessage processes one inbound message. Requests yield a response;
// notifications and client responses yield nil. Malformed input yields a
// parse or invalid-request error response with a null id. The only errors
// returned are ErrSessionClosed and its wrappings.
func (c *Conn[S]) HandleMessage(ctx context.Context, raw []byte) (*jsonrpc.Response, error) {
	if c.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		c.srv.log.InfoContext(c.logContext(ctx), "rpc.inbound.invalid", slog.String("err", err.Error()))
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) || errors.Is(err, jsonrpc.ErrEmptyMessage) {
			return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", nil), nil
		}
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", nil), nil
	}
	return c.handle(ctx, msg)
}

func (c *Conn[S]) handle(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	ctx = c.logContext(ctx)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Kind: string(msg.Kind())})

	switch msg.Kind() {
	case jsonrpc.KindNotification:
		c.handleNotification(ctx, msg.AsRequest())
		if err := c.srv.registry.Touch(c.id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return nil, nil
	case jsonrpc.KindResponse:
		c.srv.log.DebugContext(ctx, "rpc.response.ignored")
		return nil, nil
	}

	start := time.Now()
	res, err := c.handleRequest(ctx, msg.AsRequest())
	if err != nil {
		c.srv.log.InfoContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	if err := c.srv.registry.Touch(c.id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	c.srv.log.InfoContext(ctx, "rpc.inbound.ok", slog.Bool("error", res.Error != nil), slog.Duration("dur", time.Since(start)))
	return res, nil
}

func (c *Conn[S]) handleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)
	stop := context.AfterFunc(c.ctx, func() { cancel(ErrSessionClosed) })
	defer stop()

	key := req.ID.String()
	c.mu.Lock()
	if _, dup := c.inflight[key]; dup {
		c.mu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Duplicate request id", nil), nil
	}
	c.inflight[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	var (
		res *jsonrpc.Response
		err error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		res, err = c.handleInitialize(reqCtx, req)
	case mcp.PingMethod:
		res, err = jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		res, err = c.handleToolsList(reqCtx, req)
	case mcp.ToolsCallMethod:
		res, err = c.handleToolCall(reqCtx, req)
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	switch cause := context.Cause(reqCtx); {
	case errors.Is(cause, ErrSessionClosed):
		return nil, ErrSessionClosed
	case errors.Is(cause, errCancelledByPeer):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Request cancelled", nil), nil
	}
	if errors.Is(err, ErrSessionClosed) {
		return nil, err
	}
	if err != nil {
		c.srv.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil), nil
	}
	return res, nil
}

func (c *Conn[S]) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	c.mu.Lock()
	already := c.protocolVersion != ""
	c.mu.Unlock()
	if already {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Session already initialized", nil), nil
	}

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params", nil), nil
		}
	}

	state, err := c.srv.registry.State(c.id)
	if err != nil {
		return nil, ErrSessionClosed
	}
	if c.srv.seed != nil {
		if err := c.srv.seed(ctx, state, params.InitializationOptions); err != nil {
			c.srv.log.InfoContext(ctx, "session.seed.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	c.mu.Lock()
	c.protocolVersion = version
	c.mu.Unlock()

	c.srv.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", version))

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    c.srv.caps,
		ServerInfo:      c.srv.info,
		Instructions:    c.srv.instr,
	})
}

func (c *Conn[S]) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params", nil), nil
		}
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: c.srv.tools.ListDefinitions()})
}

func (c *Conn[S]) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params", nil), nil
	}

	state, err := c.srv.registry.State(c.id)
	if err != nil {
		return nil, ErrSessionClosed
	}
	res := c.srv.tools.Dispatch(ctx, params.Name, params.Arguments, state)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (c *Conn[S]) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		c.mu.Lock()
		c.initialized = true
		c.mu.Unlock()
		c.srv.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.srv.log.InfoContext(ctx, "notification.cancelled.invalid", slog.String("err", err.Error()))
			return
		}
		key := jsonrpc.NewRequestID(params.RequestID).String()
		c.mu.Lock()
		cancel, ok := c.inflight[key]
		c.mu.Unlock()
		if ok {
			cancel(errCancelledByPeer)
		}
		c.srv.log.InfoContext(ctx, "notification.cancelled", slog.String("request_id", key), slog.Bool("found", ok))
	default:
		c.srv.log.DebugContext(ctx, "notification.ignored")
	}
}

// Initialized reports whether the peer sent notifications/initialized.
func (c *Conn[S]) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Push appends msg to the session's outbox and returns its event id.
func (c *Conn[S]) Push(ctx context.Context, msg any) (string, error) {
	if c.ctx.Err() != nil {
		return "", ErrSessionClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal push: %w", err)
	}
	id, err := c.srv.outbox.Publish(ctx, c.id, b)
	if errors.Is(err, outbox.ErrUnknownSession) {
		return "", fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return id, err
}

// Ack releases every pushed message up to and including eventID. Streams
// that cannot be resumed call it after each delivery.
func (c *Conn[S]) Ack(ctx context.Context, eventID string) error {
	err := c.srv.outbox.Trim(ctx, c.id, eventID)
	if errors.Is(err, outbox.ErrUnknownSession) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

// Subscribe streams pushed messages after lastEventID to fn until ctx ends
// or the session closes. A session closing ends it with ErrSessionClosed.
func (c *Conn[S]) Subscribe(ctx context.Context, lastEventID string, fn outbox.Handler) error {
	subCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)
	stop := context.AfterFunc(c.ctx, func() { cancel(ErrSessionClosed) })
	defer stop()

	err := c.srv.outbox.Subscribe(subCtx, c.id, lastEventID, fn)
	if errors.Is(context.Cause(subCtx), ErrSessionClosed) || errors.Is(err, outbox.ErrUnknownSession) || (err == nil && c.ctx.Err() != nil) {
		return ErrSessionClosed
	}
	return err
}
