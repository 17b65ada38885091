package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/ontap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
)

// TransportName labels the session opened by Serve.
const TransportName = "stdio"

const maxLine = 8 << 20

// Handler is a single-session transport reading JSON-RPC lines from an
// io.Reader and writing replies and pushed messages to an io.Writer.
type Handler[S any] struct {
	srv   *protocol.Server[S]
	r     io.Reader
	w     io.Writer
	log   *slog.Logger
	users UserProvider

	wmu sync.Mutex
}

type Option func(*handlerConfig)

type handlerConfig struct {
	r     io.Reader
	w     io.Writer
	log   *slog.Logger
	users UserProvider
}

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *handlerConfig) {
		if r != nil {
			c.r = r
		}
		if w != nil {
			c.w = w
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(c *handlerConfig) { c.log = l } }

// WithUserProvider overrides how the peer is named in logs.
func WithUserProvider(up UserProvider) Option {
	return func(c *handlerConfig) {
		if up != nil {
			c.users = up
		}
	}
}

// New returns a Handler on os.Stdin and os.Stdout unless WithIO says
// otherwise.
func New[S any](srv *protocol.Server[S], opts ...Option) *Handler[S] {
	cfg := handlerConfig{r: os.Stdin, w: os.Stdout, users: OSUserProvider{}}
	for _, o := range opts {
		o(&cfg)
	}
	return &Handler[S]{
		srv:   srv,
		r:     cfg.r,
		w:     cfg.w,
		log:   logctx.Wrap(cfg.log),
		users: cfg.users,
	}
}

// Serve opens the session and runs it until the reader reaches EOF, the
// session is closed or ctx ends. Requests are handled concurrently; each
// reply is written as one line once it is ready.
//
// EOF closes the session with reason manual_close after in-flight requests
// finish. Cancelling ctx closes it with reason shutdown. Serve returns nil in
// both cases.
func (h *Handler[S]) Serve(ctx context.Context) error {
	peer, err := h.users.CurrentUserID()
	if err != nil {
		h.log.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
		peer = "unknown"
	}

	conn, err := h.srv.Open(ctx, TransportName)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: conn.ID(), Transport: TransportName})
	h.log.InfoContext(ctx, "stdio.start", slog.String("user", peer))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		err := conn.Subscribe(runCtx, outbox.FromStart, func(cbCtx context.Context, eventID string, data []byte) error {
			if err := h.writeLine(data); err != nil {
				return err
			}
			if err := conn.Ack(cbCtx, eventID); err != nil && !errors.Is(err, protocol.ErrSessionClosed) {
				h.log.WarnContext(cbCtx, "outbox.trim.fail", slog.String("err", err.Error()))
			}
			return nil
		})
		if err == nil {
			err = protocol.ErrSessionClosed
		}
		cancel(err)
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.read(runCtx, lines, readErr)

	var (
		inflight sync.WaitGroup
		eof      bool
	)
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				eof = runCtx.Err() == nil
				break loop
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				h.handle(runCtx, conn, line, cancel)
			}()
		}
	}
	inflight.Wait()

	reason := sessions.ReasonShutdown
	var result error
	switch cause := context.Cause(runCtx); {
	case eof:
		reason = sessions.ReasonManualClose
		if err := <-readErr; err != nil {
			reason, result = sessions.ReasonTransportError, fmt.Errorf("read: %w", err)
		}
	case errors.Is(cause, protocol.ErrSessionClosed):
		h.log.InfoContext(ctx, "stdio.session.closed")
	case ctx.Err() == nil:
		reason, result = sessions.ReasonTransportError, cause
	}
	if err := conn.Terminate(context.WithoutCancel(ctx), reason); err != nil {
		h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
	}
	cancel(nil)
	<-pushDone

	h.log.InfoContext(ctx, "stdio.end", slog.String("reason", string(reason)))
	return result
}

// read feeds non-blank lines to out and closes it at EOF, reporting any
// scanner error on errs.
func (h *Handler[S]) read(ctx context.Context, out chan<- []byte, errs chan<- error) {
	defer close(out)
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case out <- bytes.Clone(line):
		case <-ctx.Done():
			errs <- nil
			return
		}
	}
	errs <- sc.Err()
}

func (h *Handler[S]) handle(ctx context.Context, conn *protocol.Conn[S], line []byte, fail context.CancelCauseFunc) {
	res, err := conn.HandleMessage(ctx, line)
	if err != nil {
		h.log.InfoContext(ctx, "stdio.message.fail", slog.String("err", err.Error()))
		fail(err)
		return
	}
	if res == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.writeLine(b); err != nil {
		h.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
		fail(err)
	}
}

func (h *Handler[S]) writeLine(b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(line, b...)
	line = append(line, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.w.Write(line)
	return err
}
