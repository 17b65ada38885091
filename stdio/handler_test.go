package stdio_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/ggoodman/ontap-mcp-server-go/stdio"
	"github.com/ggoodman/ontap-mcp-server-go/tools"
)

type tally struct{ n int }

type addArgs struct {
	By int `json:"by"`
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// harness runs one Handler over a pair of pipes.
type harness struct {
	t      *testing.T
	srv    *protocol.Server[*tally]
	stdin  *io.PipeWriter
	out    *bufio.Scanner
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := tools.New[*tally]()
	d.MustRegister("add", "test", tools.Reflect[addArgs]("Add to the session tally"), tools.Bind(func(ctx context.Context, s *tally, args addArgs) (*mcp.CallToolResult, error) {
		s.n += args.By
		return tools.Text(fmt.Sprintf("total %d", s.n)), nil
	}))
	srv := protocol.NewServer(sessions.NewRegistry(func() *tally { return &tally{} }, sessions.WithLogger(log)), d, nil, protocol.WithLogger(log))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, srv: srv, stdin: inW, out: bufio.NewScanner(outR), cancel: cancel, done: make(chan error, 1)}

	handler := stdio.New(srv, stdio.WithIO(inR, outW), stdio.WithLogger(log), stdio.WithUserProvider(stdio.StaticUser("tester")))
	go func() {
		h.done <- handler.Serve(ctx)
		_ = outW.Close()
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
		_ = srv.Shutdown(context.Background())
	})
	return h
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		h.t.Fatalf("write stdin: %v", err)
	}
}

func (h *harness) response() *jsonrpc.Response {
	h.t.Helper()
	lines := make(chan string, 1)
	go func() {
		if h.out.Scan() {
			lines <- h.out.Text()
		}
		close(lines)
	}()
	select {
	case line, ok := <-lines:
		if !ok {
			h.t.Fatalf("stdout closed: %v", h.out.Err())
		}
		var res jsonrpc.Response
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			h.t.Fatalf("decode %q: %v", line, err)
		}
		return &res
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a response")
		return nil
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

func (h *harness) initialize() {
	h.t.Helper()
	h.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`, mcp.LatestProtocolVersion))
	res := h.response()
	if res.Error != nil {
		h.t.Fatalf("initialize: %v", res.Error)
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &init); err != nil {
		h.t.Fatal(err)
	}
	if init.ProtocolVersion != mcp.LatestProtocolVersion {
		h.t.Fatalf("protocol version: got %q", init.ProtocolVersion)
	}
	h.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func callText(t *testing.T, res *jsonrpc.Response) string {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("call: %v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.IsError || len(out.Content) != 1 {
		t.Fatalf("unexpected result: %+v", out)
	}
	return out.Content[0].Text
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.initialize()

	if n := h.srv.Registry().Len(); n != 1 {
		t.Fatalf("sessions: want 1, got %d", n)
	}

	h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var list mcp.ListToolsResult
	if err := json.Unmarshal(h.response().Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "add" {
		t.Fatalf("tools: %+v", list.Tools)
	}

	h.send(``)
	h.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add","arguments":{"by":2}}}`)
	if got := callText(t, h.response()); got != "total 2" {
		t.Fatalf("first call: %q", got)
	}
	h.send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"add","arguments":{"by":3}}}`)
	if got := callText(t, h.response()); got != "total 5" {
		t.Fatalf("second call: %q", got)
	}

	_ = h.stdin.Close()
	if err := h.wait(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := h.srv.Registry().Len(); n != 0 {
		t.Fatalf("sessions after EOF: want 0, got %d", n)
	}
}

func TestMalformedLine(t *testing.T) {
	h := newHarness(t)
	h.initialize()

	h.send(`{"jsonrpc":`)
	res := h.response()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", res)
	}
	if res.ID != nil && !res.ID.IsNil() {
		t.Fatalf("want null id, got %v", res.ID)
	}

	h.send(`{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if res := h.response(); res.Error != nil || res.ID.String() != "p" {
		t.Fatalf("ping after parse error: %+v", res)
	}
}

func TestCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	h.initialize()

	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := h.srv.Registry().Len(); n != 0 {
		t.Fatalf("sessions after cancel: want 0, got %d", n)
	}
}

func TestTerminatedSessionEndsServe(t *testing.T) {
	h := newHarness(t)
	h.initialize()

	var id string
	h.srv.Registry().Range(func(s *sessions.Session[*tally]) bool {
		id = s.ID
		return false
	})
	if id == "" {
		t.Fatal("no session registered")
	}
	if err := h.srv.Terminate(context.Background(), id, sessions.ReasonInactivityTimeout); err != nil {
		t.Fatal(err)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
