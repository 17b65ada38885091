// Package logctx enriches slog records with request, session and RPC
// attributes carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates another slog.Handler. Wrap once at construction time:
//
//	log := slog.New(logctx.Handler{Handler: base.Handler()})
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("user_agent", rd.UserAgent),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		attrs := []any{slog.String("id", sd.SessionID)}
		if sd.Transport != "" {
			attrs = append(attrs, slog.String("transport", sd.Transport))
		}
		if sd.ProtocolVersion != "" {
			attrs = append(attrs, slog.String("protocol_version", sd.ProtocolVersion))
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("kind", msg.Kind),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
			slog.String("category", td.Category),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID       string
	Transport       string
	ProtocolVersion string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Kind   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
	Category string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}

// Wrap returns logger with a Handler installed, or a discarding logger when
// logger is nil.
func Wrap(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	if _, ok := logger.Handler().(Handler); ok {
		return logger
	}
	return slog.New(Handler{Handler: logger.Handler()})
}
