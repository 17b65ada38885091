package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/internal/sse"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/google/uuid"
)

// TransportName labels sessions opened through this handler.
const TransportName = "streamable-http"

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// BadSessionMessage is the message of the error returned for calls that carry
// no usable session and are not an initialize request.
const BadSessionMessage = "Bad Request: No valid session ID provided or not an initialization request"

// ConflictMessage is returned when a new session loses the race for its id.
const ConflictMessage = "Conflict: session ID already in use"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a transport-level rejection that is not JSON-RPC
// framed. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error response with a null id.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

func writeBadSession(w http.ResponseWriter) {
	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadSession, BadSessionMessage)
}

func writeInternalError(w http.ResponseWriter) {
	writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
}

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	log       *slog.Logger
	path      string
	keepAlive time.Duration
	maxBody   int64
}

func WithLogger(l *slog.Logger) Option { return func(c *handlerConfig) { c.log = l } }

// WithEndpointPath sets the path the handler serves. Defaults to /mcp.
func WithEndpointPath(p string) Option { return func(c *handlerConfig) { c.path = p } }

// WithKeepAlive sets the interval of comment frames on idle GET streams. Zero
// disables them.
func WithKeepAlive(d time.Duration) Option { return func(c *handlerConfig) { c.keepAlive = d } }

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option { return func(c *handlerConfig) { c.maxBody = n } }

// Handler implements the streamable HTTP transport (protocol revision
// 2025-06-18) on top of a protocol.Server.
type Handler[S any] struct {
	srv       *protocol.Server[S]
	mux       *http.ServeMux
	log       *slog.Logger
	keepAlive time.Duration
	maxBody   int64
}

var _ http.Handler = (*Handler[struct{}])(nil)

// New mounts POST, GET and DELETE on the endpoint path.
func New[S any](srv *protocol.Server[S], opts ...Option) *Handler[S] {
	cfg := &handlerConfig{
		log:       slog.Default(),
		path:      "/mcp",
		keepAlive: 25 * time.Second,
		maxBody:   4 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler[S]{
		srv:       srv,
		mux:       http.NewServeMux(),
		log:       logctx.Wrap(cfg.log),
		keepAlive: cfg.keepAlive,
		maxBody:   cfg.maxBody,
	}
	h.mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGet)
	h.mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	return h
}

func (h *Handler[S]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePost accepts one JSON-RPC message. Without a session header the
// message must be initialize, which opens a session. Responses go out as a
// single SSE event when the client accepts event streams and as a JSON body
// otherwise; notifications are acknowledged with 202.
func (h *Handler[S]) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		conn, res, err := h.srv.Initialize(ctx, TransportName, body)
		switch {
		case errors.Is(err, protocol.ErrNotInitialize):
			writeBadSession(w)
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		case errors.Is(err, protocol.ErrSessionConflict):
			writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeBadSession, ConflictMessage)
			h.log.WarnContext(ctx, "session.initialize.conflict", slog.String("err", err.Error()))
			return
		case err != nil:
			writeInternalError(w)
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
			return
		}
		if conn == nil {
			h.writeResponse(ctx, w, r, nil, res)
			h.log.InfoContext(ctx, "session.initialize.rejected", slog.Duration("dur", time.Since(start)))
			return
		}

		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: conn.ID(), Transport: TransportName, ProtocolVersion: conn.ProtocolVersion()})
		w.Header().Set(mcpSessionIDHeader, conn.ID())
		w.Header().Set(mcpProtocolVersionHeader, conn.ProtocolVersion())
		h.writeResponse(ctx, w, r, conn, res)
		h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	conn, ok := h.lookup(ctx, w, r, sessID)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: TransportName, ProtocolVersion: conn.ProtocolVersion()})

	res, err := conn.HandleMessage(ctx, body)
	switch {
	case errors.Is(err, protocol.ErrSessionClosed):
		writeBadSession(w)
		h.log.InfoContext(ctx, "session.closed")
		return
	case err != nil:
		writeInternalError(w)
		h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
		return
	}

	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	h.writeResponse(ctx, w, r, conn, res)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// lookup resolves the session header, rejecting unknown sessions and
// protocol versions that differ from the negotiated one.
func (h *Handler[S]) lookup(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string) (*protocol.Conn[S], bool) {
	conn, err := h.srv.Lookup(ctx, sessID)
	if err != nil {
		writeBadSession(w)
		if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrInvalidID) {
			h.log.InfoContext(ctx, "session.load.miss")
		} else {
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		}
		return nil, false
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if !slices.Contains(mcp.SupportedProtocolVersions, pv) {
			writeJSONError(w, http.StatusBadRequest, "unsupported protocol version: "+pv)
			h.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", pv))
			return nil, false
		}
		if spv := conn.ProtocolVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusPreconditionFailed, "protocol version does not match the session")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil, false
		}
	}
	return conn, true
}

// writeResponse sends res in the representation the client asked for. A
// failed write terminates the session, since the peer never saw the answer.
func (h *Handler[S]) writeResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *protocol.Conn[S], res *jsonrpc.Response) {
	payload, err := json.Marshal(res)
	if err != nil {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "jsonrpc.response.encode.fail", slog.String("err", err.Error()))
		return
	}

	if acceptsEventStream(r) {
		var sw *sse.Writer
		sw, err = sse.Start(ctx, w)
		if err == nil {
			err = sw.Event("", "message", payload)
		}
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(payload)
	}
	if err == nil {
		return
	}

	h.log.WarnContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
	if conn != nil {
		if err := conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError); err != nil {
			h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		}
	}
}

// acceptsEventStream reports whether the client explicitly lists
// text/event-stream as acceptable. Wildcards alone select JSON.
func acceptsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if !strings.Contains(strings.ToLower(accept), eventStreamMediaType.String()) {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// handleGet opens the push stream of an existing session. Messages already
// delivered can be skipped with Last-Event-ID. A client that hangs up only
// detaches, so it may reconnect and resume; a failed write ends the session.
func (h *Handler[S]) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeBadSession(w)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	conn, ok := h.lookup(ctx, w, r, sessID)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: TransportName, ProtocolVersion: conn.ProtocolVersion()})

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if spv := conn.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	sw, err := sse.Start(streamCtx, w)
	if err != nil {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	if h.keepAlive > 0 {
		go func() {
			t := time.NewTicker(h.keepAlive)
			defer t.Stop()
			for {
				select {
				case <-streamCtx.Done():
					return
				case <-t.C:
					if err := sw.Comment("keepalive"); err != nil {
						cancel(err)
						return
					}
				}
			}
		}()
	}

	err = conn.Subscribe(streamCtx, r.Header.Get(lastEventIDHeader), func(cbCtx context.Context, eventID string, data []byte) error {
		if err := sw.Event(eventID, "message", data); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", eventID))
		return nil
	})
	if streamCtx.Err() != nil && r.Context().Err() == nil {
		err = context.Cause(streamCtx)
	}

	switch {
	case err == nil, errors.Is(err, protocol.ErrSessionClosed):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case r.Context().Err() != nil:
		h.log.InfoContext(ctx, "sse.stream.detach", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, outbox.ErrUnknownEventID):
		h.log.WarnContext(ctx, "sse.stream.resume.fail", slog.String("last_event_id", r.Header.Get(lastEventIDHeader)))
	default:
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		if err := conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError); err != nil {
			h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		}
	}
}

// handleDelete terminates a session through the same removal path the sweep
// uses.
func (h *Handler[S]) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeBadSession(w)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	conn, ok := h.lookup(ctx, w, r, sessID)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: TransportName})

	if err := conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonManualClose); err != nil {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.Duration("dur", time.Since(start)))
}
