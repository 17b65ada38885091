// Package client is an MCP client for servers that speak either HTTP
// transport. Initialize tries the legacy HTTP+SSE handshake first and falls
// back to the streamable HTTP transport; the mode that succeeds is kept for
// the life of the Client.
//
// Requests carry monotonically increasing integer ids and resolve exactly
// once: with the correlated response, with ErrRequestTimeout, or with
// ErrClosed when the client closes first.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrRequestTimeout rejects a request that got no response in time.
	ErrRequestTimeout = errors.New("Request timeout")

	// ErrClosed rejects requests after Close, including those still pending.
	ErrClosed = errors.New("client: closed")

	// ErrNegotiationFailed is returned by Initialize when neither transport
	// could complete the handshake.
	ErrNegotiationFailed = errors.New("client: transport negotiation failed")

	// ErrNotInitialized is returned for calls made before Initialize.
	ErrNotInitialized = errors.New("client: not initialized")

	// ErrStreamClosed rejects pending legacy requests when the server closes
	// the push stream.
	ErrStreamClosed = errors.New("client: stream closed")

	errAttemptDeadline = errors.New("client: negotiation attempt deadline exceeded")
)

// Mode is the transport a client has committed to.
type Mode int32

const (
	ModeUnknown Mode = iota
	ModeLegacy
	ModeModern
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeModern:
		return "modern"
	default:
		return "unknown"
	}
}

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"

	DefaultNegotiationTimeout = 5 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
)

type Option func(*Client)

// WithLegacyEndpoint sets the legacy stream URL. Defaults to /sse on the
// host of the endpoint.
func WithLegacyEndpoint(u string) Option { return func(c *Client) { c.legacyURL = u } }

// WithoutLegacy skips the legacy handshake.
func WithoutLegacy() Option { return func(c *Client) { c.legacyURL = "" } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithClock(clock clockwork.Clock) Option { return func(c *Client) { c.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithNegotiationTimeout bounds each handshake attempt.
func WithNegotiationTimeout(d time.Duration) Option { return func(c *Client) { c.negotiate = d } }

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInitializationOptions attaches v as initializationOptions to the
// initialize request.
func WithInitializationOptions(v any) Option { return func(c *Client) { c.initOpts = v } }

// Client is safe for concurrent use once Initialize has returned.
type Client struct {
	endpoint  string
	legacyURL string
	http      *http.Client
	clock     clockwork.Clock
	log       *slog.Logger
	negotiate time.Duration
	timeout   time.Duration
	info      mcp.ImplementationInfo
	initOpts  any

	nextID atomic.Int64

	mu              sync.Mutex
	mode            Mode
	sessionID       string
	protocolVersion string
	postURL         string
	pending         map[string]*pendingRequest
	closed          bool
	stopStream      context.CancelFunc
}

type outcome struct {
	res *jsonrpc.Response
	err error
}

type pendingRequest struct {
	done chan outcome
}

func (p *pendingRequest) resolve(o outcome) { p.done <- o }

// New returns a client for the streamable HTTP endpoint, for example
// http://localhost:3000/mcp.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	c := &Client{
		endpoint:  endpoint,
		legacyURL: u.ResolveReference(&url.URL{Path: "/sse"}).String(),
		http:      http.DefaultClient,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		negotiate: DefaultNegotiationTimeout,
		timeout:   DefaultRequestTimeout,
		info:      mcp.ImplementationInfo{Name: "ontap-mcp-client", Version: "2.0.0"},
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode reports the committed transport, ModeUnknown before Initialize.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Pending reports how many requests await a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Initialize negotiates the transport and performs the MCP handshake,
// including the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.mode != ModeUnknown:
		c.mu.Unlock()
		return nil, errors.New("client: already initialized")
	}
	c.mu.Unlock()

	var errs []error
	if c.legacyURL != "" {
		res, err := c.initializeLegacy(ctx)
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("legacy: %w", err))
		c.log.InfoContext(ctx, "client.negotiate.legacy.fail", slog.String("err", err.Error()))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	res, err := c.initializeModern(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("modern: %w", err))
		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, errors.Join(errs...))
	}
	return res, nil
}

func (c *Client) initializeParams(version string) map[string]any {
	params := map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{},
		"clientInfo":      c.info,
	}
	if c.initOpts != nil {
		params["initializationOptions"] = c.initOpts
	}
	return params
}

// attempt derives a context that ends after the negotiation timeout. The
// returned stop reports false when the deadline already fired.
func (c *Client) attempt(ctx context.Context) (context.Context, func() bool) {
	actx, cancel := context.WithCancelCause(ctx)
	timer := c.clock.AfterFunc(c.negotiate, func() { cancel(errAttemptDeadline) })
	return actx, func() bool {
		ok := timer.Stop()
		cancel(nil)
		return ok
	}
}

func (c *Client) initializeModern(ctx context.Context) (*mcp.InitializeResult, error) {
	actx, stop := c.attempt(ctx)
	raw, err := c.call(actx, ModeModern, string(mcp.InitializeMethod), c.initializeParams(mcp.LatestProtocolVersion))
	if ok := stop(); err == nil && !ok {
		err = errAttemptDeadline
	}
	if err != nil {
		return nil, err
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return nil, errors.New("server did not return a session id")
	}
	c.mode = ModeModern
	c.protocolVersion = res.ProtocolVersion
	c.mu.Unlock()

	if err := c.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	c.log.InfoContext(ctx, "client.negotiate.ok", slog.String("mode", ModeModern.String()), slog.String("session_id", c.SessionID()))
	return &res, nil
}

// SendRequest sends method and waits for the correlated result. JSON-RPC
// error responses are returned as *jsonrpc.Error.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode == ModeUnknown {
		return nil, ErrNotInitialized
	}
	return c.call(ctx, mode, method, params)
}

func (c *Client) call(ctx context.Context, mode Mode, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{done: make(chan outcome, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[key] = p
	c.mu.Unlock()

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	timer := c.clock.AfterFunc(c.timeout, func() {
		if p := c.take(key); p != nil {
			p.resolve(outcome{err: ErrRequestTimeout})
		}
		cancel(ErrRequestTimeout)
	})
	defer timer.Stop()

	go func() {
		if err := c.transmit(callCtx, mode, req); err != nil {
			if p := c.take(key); p != nil {
				p.resolve(outcome{err: err})
			}
		}
	}()

	select {
	case o := <-p.done:
		if o.err != nil {
			return nil, o.err
		}
		if o.res.Error != nil {
			return nil, o.res.Error
		}
		return o.res.Result, nil
	case <-ctx.Done():
		c.take(key)
		return nil, context.Cause(ctx)
	}
}

// take removes and returns the pending entry for key. Whoever takes the
// entry resolves it, so a response and a timeout never both fire.
func (c *Client) take(key string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return p
}

// deliver resolves the request a response answers. Responses for unknown
// ids are dropped.
func (c *Client) deliver(res *jsonrpc.Response) {
	if res.ID.IsNil() {
		c.log.Warn("client.response.orphan", slog.Any("error", res.Error))
		return
	}
	if p := c.take(res.ID.String()); p != nil {
		p.resolve(outcome{res: res})
		return
	}
	c.log.Debug("client.response.late", slog.String("id", res.ID.String()))
}

// Notify sends a notification. It never waits for a response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	mode, closed := c.mode, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if mode == ModeUnknown {
		return ErrNotInitialized
	}
	note, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.transmit(ctx, mode, note)
}

func (c *Client) transmit(ctx context.Context, mode Mode, req *jsonrpc.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	switch mode {
	case ModeLegacy:
		return c.postLegacy(ctx, body)
	case ModeModern:
		return c.postModern(ctx, body)
	default:
		return ErrNotInitialized
	}
}

func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	raw, err := c.SendRequest(ctx, string(mcp.ToolsListMethod), map[string]any{})
	if err != nil {
		return nil, err
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return &res, nil
}

// CallTool invokes a tool. Tool failures come back as a result with IsError
// set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.SendRequest(ctx, string(mcp.ToolsCallMethod), params)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &res, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendRequest(ctx, string(mcp.PingMethod), nil)
	return err
}

// Close rejects every pending request with ErrClosed and ends the session:
// a DELETE in modern mode, closing the stream in legacy mode.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	mode, sessionID, stopStream := c.mode, c.sessionID, c.stopStream
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(outcome{err: ErrClosed})
	}

	switch mode {
	case ModeLegacy:
		if stopStream != nil {
			stopStream()
		}
	case ModeModern:
		if sessionID == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
		if err != nil {
			return err
		}
		c.setModernHeaders(req)
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		res.Body.Close()
		if res.StatusCode >= 300 && res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusBadRequest {
			return fmt.Errorf("delete session: unexpected status %d", res.StatusCode)
		}
	}
	return nil
}
