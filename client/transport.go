package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/internal/sse"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
)

func (c *Client) setModernHeaders(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(protocolVersionHeader, c.protocolVersion)
	}
}

// postModern sends one message to the streamable endpoint. Replies in the
// body, JSON or an event stream, are delivered before it returns.
func (c *Client) postModern(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setModernHeaders(req)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer res.Body.Close()

	if sid := res.Header.Get(sessionIDHeader); sid != "" {
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = sid
		}
		c.mu.Unlock()
	}

	switch {
	case res.StatusCode == http.StatusAccepted || res.StatusCode == http.StatusNoContent:
		return nil
	case res.StatusCode >= 300:
		return statusError(res)
	}

	ctype, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	switch ctype {
	case "text/event-stream":
		return sse.Read(res.Body, func(ev sse.Event) error {
			c.handleFrame(ctx, []byte(ev.Data))
			return nil
		})
	case "application/json":
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		c.handleFrame(ctx, b)
		return nil
	default:
		return fmt.Errorf("unsupported response content type %q", ctype)
	}
}

// statusError turns a rejected POST into an error, keeping the JSON-RPC
// error the server sent with it.
func statusError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if msg, err := jsonrpc.Decode(b); err == nil {
		if r := msg.AsResponse(); r != nil && r.Error != nil {
			return fmt.Errorf("status %d: %w", res.StatusCode, r.Error)
		}
	}
	return fmt.Errorf("unexpected status %d: %s", res.StatusCode, bytes.TrimSpace(b))
}

// handleFrame routes one inbound message. Only responses matter to this
// client; server requests and notifications are logged and dropped.
func (c *Client) handleFrame(ctx context.Context, b []byte) {
	msg, err := jsonrpc.Decode(b)
	if err != nil {
		c.log.WarnContext(ctx, "client.frame.invalid", slog.String("err", err.Error()))
		return
	}
	if res := msg.AsResponse(); res != nil {
		c.deliver(res)
		return
	}
	c.log.DebugContext(ctx, "client.frame.ignored", slog.String("method", msg.Method))
}

func (c *Client) postLegacy(ctx context.Context, body []byte) error {
	c.mu.Lock()
	target := c.postURL
	c.mu.Unlock()
	if target == "" {
		return ErrNotInitialized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return statusError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// initializeLegacy opens the push stream, waits for the endpoint event and
// sends initialize to the announced URL, all within one negotiation
// deadline. On failure the stream is closed and the reader has exited
// before it returns, so nothing leaks into the modern attempt.
func (c *Client) initializeLegacy(ctx context.Context) (*mcp.InitializeResult, error) {
	actx, stop := c.attempt(ctx)
	defer stop()

	streamCtx, stopStream := context.WithCancel(context.Background())
	unlink := context.AfterFunc(actx, stopStream)

	fail := func(err error, readerDone <-chan struct{}) (*mcp.InitializeResult, error) {
		unlink()
		stopStream()
		if readerDone != nil {
			<-readerDone
		}
		c.mu.Lock()
		c.postURL = ""
		c.mu.Unlock()
		if cause := context.Cause(actx); cause != nil {
			return nil, cause
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.legacyURL, nil)
	if err != nil {
		return fail(err, nil)
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("open stream: %w", err), nil)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return fail(fmt.Errorf("open stream: unexpected status %d", res.StatusCode), nil)
	}

	endpoints := make(chan string, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer res.Body.Close()
		c.readLegacy(streamCtx, res.Body, endpoints)
	}()

	var endpoint string
	select {
	case endpoint = <-endpoints:
	case <-readerDone:
		return fail(errors.New("stream ended before the endpoint event"), readerDone)
	case <-actx.Done():
		return fail(context.Cause(actx), readerDone)
	}

	postURL, sessionID, err := resolveEndpoint(c.legacyURL, endpoint)
	if err != nil {
		return fail(err, readerDone)
	}
	c.mu.Lock()
	c.postURL = postURL
	c.mu.Unlock()

	raw, err := c.call(actx, ModeLegacy, string(mcp.InitializeMethod), c.initializeParams(mcp.ProtocolVersion20241105))
	if err != nil {
		return fail(err, readerDone)
	}
	if !unlink() || !stop() {
		return fail(errAttemptDeadline, readerDone)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fail(fmt.Errorf("decode initialize result: %w", err), readerDone)
	}

	c.mu.Lock()
	c.mode = ModeLegacy
	c.sessionID = sessionID
	c.protocolVersion = result.ProtocolVersion
	c.stopStream = stopStream
	c.mu.Unlock()

	if err := c.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	c.log.InfoContext(ctx, "client.negotiate.ok", slog.String("mode", ModeLegacy.String()), slog.String("session_id", sessionID))
	return &result, nil
}

// resolveEndpoint turns the endpoint event payload into an absolute POST
// URL. The payload must carry a sessionId query parameter.
func resolveEndpoint(base, endpoint string) (string, string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint event %q: %w", endpoint, err)
	}
	sessionID := ref.Query().Get("sessionId")
	if sessionID == "" {
		return "", "", fmt.Errorf("endpoint event %q carries no sessionId", endpoint)
	}
	return b.ResolveReference(ref).String(), sessionID, nil
}

// readLegacy is the read loop of the legacy stream. The first endpoint
// event goes to endpoints; message events are routed as responses. When
// the stream ends after the mode is committed, pending requests fail with
// ErrStreamClosed.
func (c *Client) readLegacy(ctx context.Context, body io.Reader, endpoints chan<- string) {
	sent := false
	err := sse.Read(body, func(ev sse.Event) error {
		switch ev.Name {
		case "endpoint":
			if !sent {
				sent = true
				endpoints <- ev.Data
			}
		case "", "message":
			c.handleFrame(ctx, []byte(ev.Data))
		}
		return nil
	})

	c.mu.Lock()
	committed := c.mode == ModeLegacy && !c.closed
	var pending map[string]*pendingRequest
	if committed {
		pending = c.pending
		c.pending = make(map[string]*pendingRequest)
	}
	c.mu.Unlock()

	if !committed {
		return
	}
	cause := ErrStreamClosed
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	c.log.WarnContext(ctx, "client.stream.closed", slog.Int("pending", len(pending)))
	for _, p := range pending {
		p.resolve(outcome{err: cause})
	}
}
