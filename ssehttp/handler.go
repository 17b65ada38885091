// Package ssehttp implements the legacy HTTP+SSE transport (protocol
// revision 2024-11-05). A GET on the stream path opens a session and its push
// stream; the first event, "endpoint", tells the client where to POST. Every
// response is delivered on the stream as a "message" event and matched by id.
//
// The stream is the session: when it ends, for any reason, the session is
// terminated with reason transport_error.
package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/internal/sse"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/google/uuid"
)

// TransportName labels sessions opened through this handler.
const TransportName = "sse"

const sessionIDParam = "sessionId"

var eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type Option func(*handlerConfig)

type handlerConfig struct {
	log          *slog.Logger
	streamPath   string
	messagesPath string
	keepAlive    time.Duration
	maxBody      int64
}

func WithLogger(l *slog.Logger) Option { return func(c *handlerConfig) { c.log = l } }

// WithStreamPath sets the GET path. Defaults to /sse.
func WithStreamPath(p string) Option { return func(c *handlerConfig) { c.streamPath = p } }

// WithMessagesPath sets the POST path announced in the endpoint event.
// Defaults to /messages.
func WithMessagesPath(p string) Option { return func(c *handlerConfig) { c.messagesPath = p } }

// WithKeepAlive sets the interval of comment frames on idle streams. Zero
// disables them.
func WithKeepAlive(d time.Duration) Option { return func(c *handlerConfig) { c.keepAlive = d } }

// Handler serves the stream and messages paths.
type Handler[S any] struct {
	srv          *protocol.Server[S]
	mux          *http.ServeMux
	log          *slog.Logger
	messagesPath string
	keepAlive    time.Duration
	maxBody      int64
}

var _ http.Handler = (*Handler[struct{}])(nil)

func New[S any](srv *protocol.Server[S], opts ...Option) *Handler[S] {
	cfg := &handlerConfig{
		log:          slog.Default(),
		streamPath:   "/sse",
		messagesPath: "/messages",
		keepAlive:    25 * time.Second,
		maxBody:      4 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler[S]{
		srv:          srv,
		mux:          http.NewServeMux(),
		log:          logctx.Wrap(cfg.log),
		messagesPath: cfg.messagesPath,
		keepAlive:    cfg.keepAlive,
		maxBody:      cfg.maxBody,
	}
	h.mux.HandleFunc(fmt.Sprintf("GET %s", cfg.streamPath), h.handleStream)
	h.mux.HandleFunc(fmt.Sprintf("POST %s", cfg.messagesPath), h.handleMessage)
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

func (h *Handler[S]) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeError(w, http.StatusNotAcceptable, "Client must accept text/event-stream")
			h.log.WarnContext(ctx, "http.get.unsupported_media_type")
			return
		}
	}

	conn, err := h.srv.Open(ctx, TransportName)
	if errors.Is(err, protocol.ErrSessionConflict) {
		writeError(w, http.StatusConflict, "Session id conflict")
		h.log.WarnContext(ctx, "session.open.conflict", slog.String("err", err.Error()))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: conn.ID(), Transport: TransportName})

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sw, err := sse.Start(streamCtx, w)
	if err != nil {
		_ = conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {conn.ID()}}.Encode()
	if err := sw.Event("", "endpoint", []byte(endpoint)); err != nil {
		h.terminate(ctx, conn, err)
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

	// The session is new, so replaying its whole log cannot repeat anything
	// and nothing posted before the subscription settles is lost.
	// The stream cannot be resumed, so delivered messages are released at
	// once instead of waiting for the retention bound.
	err = conn.Subscribe(streamCtx, outbox.FromStart, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := sw.Event("", "message", data); err != nil {
			return err
		}
		if err := conn.Ack(cbCtx, eventID); err != nil && !errors.Is(err, protocol.ErrSessionClosed) {
			h.log.WarnContext(cbCtx, "outbox.trim.fail", slog.String("err", err.Error()))
		}
		return nil
	})
	if errors.Is(err, protocol.ErrSessionClosed) {
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
		return
	}
	if err == nil {
		err = context.Cause(streamCtx)
	}
	h.terminate(ctx, conn, err)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler[S]) terminate(ctx context.Context, conn *protocol.Conn[S], cause error) {
	if cause != nil && !errors.Is(cause, context.Canceled) {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", cause.Error()))
	}
	if err := conn.Terminate(context.WithoutCancel(ctx), sessions.ReasonTransportError); err != nil {
		h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
	}
}

// handleMessage accepts one JSON-RPC message for the session named in the
// query string. The reply, if any, is pushed onto the session stream.
func (h *Handler[S]) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId parameter")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	conn, err := h.srv.Lookup(ctx, sessID)
	if err != nil || conn.Transport() != TransportName {
		writeError(w, http.StatusNotFound, "Session not found or expired")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: TransportName, ProtocolVersion: conn.ProtocolVersion()})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	res, err := conn.HandleMessage(ctx, body)
	switch {
	case errors.Is(err, protocol.ErrSessionClosed):
		writeError(w, http.StatusNotFound, "Session not found or expired")
		h.log.InfoContext(ctx, "session.closed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal server error")
		h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
		return
	}

	if res != nil {
		if _, err := conn.Push(ctx, res); err != nil {
			if errors.Is(err, protocol.ErrSessionClosed) {
				writeError(w, http.StatusNotFound, "Session not found or expired")
			} else {
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
			h.log.ErrorContext(ctx, "outbox.publish.fail", slog.String("err", err.Error()))
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
}
