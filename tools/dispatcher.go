// Package tools implements the static tool registry and its dispatcher.
//
// Every tool is registered once, before the server starts accepting
// connections. Descriptors are global and identical for every session while
// handler execution is scoped to the calling session's state S.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrFrozen        = errors.New("tool registry is frozen")
	ErrInvalidTool   = errors.New("invalid tool registration")
)

// Schema is what a SchemaFactory contributes to a tool descriptor.
type Schema struct {
	Description string
	Input       mcp.ToolInputSchema
}

// SchemaFactory is evaluated once at registration time.
type SchemaFactory func() Schema

// Handler executes one tool call against the calling session's state. A
// returned error becomes a failed tool result carrying only err.Error().
type Handler[S any] func(ctx context.Context, args json.RawMessage, state S) (*mcp.CallToolResult, error)

// Observer receives one callback per dispatched call.
type Observer interface {
	ToolCalled(name, category string, failed bool, dur time.Duration)
}

type registration[S any] struct {
	category string
	def      mcp.Tool
	handler  Handler[S]
}

// Dispatcher maps tool names to descriptors and handlers.
type Dispatcher[S any] struct {
	mu     sync.Mutex
	frozen atomic.Bool
	byName map[string]*registration[S]
	order  []*registration[S]

	log *slog.Logger
	obs Observer
}

type Option func(*config)

type config struct {
	log *slog.Logger
	obs Observer
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

func WithObserver(o Observer) Option {
	return func(c *config) { c.obs = o }
}

// New returns an empty Dispatcher.
func New[S any](opts ...Option) *Dispatcher[S] {
	cfg := &config{log: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Dispatcher[S]{
		byName: make(map[string]*registration[S]),
		log:    logctx.Wrap(cfg.log),
		obs:    cfg.obs,
	}
}

// Register adds a tool. It fails when name is already taken or once the
// dispatcher has been frozen.
func (d *Dispatcher[S]) Register(name, category string, schema SchemaFactory, h Handler[S]) error {
	name = strings.TrimSpace(name)
	if name == "" || schema == nil || h == nil {
		return fmt.Errorf("%w: name, schema and handler are required", ErrInvalidTool)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrFrozen, name)
	}
	if _, ok := d.byName[name]; ok {
		return fmt.Errorf("%w: tool %q is already registered", ErrDuplicateTool, name)
	}

	s := schema()
	if s.Input.Type == "" {
		s.Input.Type = "object"
	}
	if s.Input.Properties == nil {
		s.Input.Properties = map[string]mcp.SchemaProperty{}
	}
	reg := &registration[S]{
		category: category,
		def:      mcp.Tool{Name: name, Description: s.Description, InputSchema: s.Input},
		handler:  h,
	}
	d.byName[name] = reg
	d.order = append(d.order, reg)
	return nil
}

// MustRegister is Register for startup code: a duplicate is fatal.
func (d *Dispatcher[S]) MustRegister(name, category string, schema SchemaFactory, h Handler[S]) {
	if err := d.Register(name, category, schema, h); err != nil {
		panic(err)
	}
}

// Freeze ends the registration phase. It is called implicitly by the first
// ListDefinitions or Dispatch.
func (d *Dispatcher[S]) Freeze() {
	if d.frozen.Load() {
		return
	}
	d.mu.Lock()
	d.frozen.Store(true)
	d.mu.Unlock()
}

// Len reports the number of registered tools.
func (d *Dispatcher[S]) Len() int {
	d.Freeze()
	return len(d.order)
}

// ListDefinitions returns every descriptor in registration order.
func (d *Dispatcher[S]) ListDefinitions() []mcp.Tool {
	d.Freeze()
	out := make([]mcp.Tool, 0, len(d.order))
	for _, reg := range d.order {
		out = append(out, reg.def)
	}
	return out
}

// Categories groups tool names by category.
func (d *Dispatcher[S]) Categories() map[string][]string {
	d.Freeze()
	out := make(map[string][]string)
	for _, reg := range d.order {
		out[reg.category] = append(out[reg.category], reg.def.Name)
	}
	return out
}

// Dispatch runs the named tool. It never returns a Go error: unknown tools,
// handler errors and handler panics all come back as failed tool results.
func (d *Dispatcher[S]) Dispatch(ctx context.Context, name string, args json.RawMessage, state S) (res *mcp.CallToolResult) {
	d.Freeze()

	reg, ok := d.byName[name]
	if !ok {
		d.log.WarnContext(ctx, "tool.dispatch.unknown", slog.String("tool", name))
		return Errorf("Unknown tool: %s", name)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name, Category: reg.category})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "tool.dispatch.panic", slog.Any("panic", r))
			res = Errorf("%v", r)
		}
		if d.obs != nil {
			d.obs.ToolCalled(name, reg.category, res.IsError, time.Since(start))
		}
	}()

	out, err := reg.handler(ctx, args, state)
	if err != nil {
		d.log.InfoContext(ctx, "tool.dispatch.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return Errorf("%s", err.Error())
	}
	if out == nil {
		out = &mcp.CallToolResult{}
	}
	if out.Content == nil {
		out.Content = []mcp.ContentBlock{}
	}
	d.log.DebugContext(ctx, "tool.dispatch.ok", slog.Bool("is_error", out.IsError), slog.Duration("dur", time.Since(start)))
	return out
}
