package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/memory"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/ggoodman/ontap-mcp-server-go/tools"
)

type notebook struct {
	mu    sync.Mutex
	notes map[string]string
}

func newNotebook() *notebook { return &notebook{notes: map[string]string{}} }

type rememberArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type recallArgs struct {
	Key string `json:"key"`
}

type waitArgs struct {
	Tag string `json:"tag"`
}

type testServer struct {
	srv     *protocol.Server[*notebook]
	started chan string
}

func newTestServer(t *testing.T, opts ...protocol.Option) *testServer {
	t.Helper()
	ts := &testServer{started: make(chan string, 8)}

	d := tools.New[*notebook]()
	d.MustRegister("remember", "notes", tools.Reflect[rememberArgs]("Store a note"), tools.Bind(func(ctx context.Context, nb *notebook, args rememberArgs) (*mcp.CallToolResult, error) {
		nb.mu.Lock()
		defer nb.mu.Unlock()
		nb.notes[args.Key] = args.Value
		return tools.Text("stored"), nil
	}))
	d.MustRegister("recall", "notes", tools.Reflect[recallArgs]("Read a note"), tools.Bind(func(ctx context.Context, nb *notebook, args recallArgs) (*mcp.CallToolResult, error) {
		nb.mu.Lock()
		defer nb.mu.Unlock()
		v, ok := nb.notes[args.Key]
		if !ok {
			return nil, fmt.Errorf("no note %q", args.Key)
		}
		return tools.Text(v), nil
	}))
	d.MustRegister("wait", "notes", tools.Reflect[waitArgs]("Block until cancelled"), tools.Bind(func(ctx context.Context, nb *notebook, args waitArgs) (*mcp.CallToolResult, error) {
		ts.started <- args.Tag
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	seed := func(ctx context.Context, nb *notebook, raw json.RawMessage) error {
		if len(raw) == 0 {
			return nil
		}
		var opts struct {
			Notes map[string]string `json:"notes"`
		}
		if err := json.Unmarshal(raw, &opts); err != nil {
			return fmt.Errorf("invalid initializationOptions: %w", err)
		}
		for k, v := range opts.Notes {
			nb.notes[k] = v
		}
		return nil
	}

	reg := sessions.NewRegistry(newNotebook, sessions.WithLogger(testLogger(t)))
	ts.srv = protocol.NewServer(reg, d, seed, append([]protocol.Option{
		protocol.WithServerInfo("netapp-ontap-mcp", "2.0.0"),
		protocol.WithCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}, Resources: &mcp.ResourcesCapability{}}),
		protocol.WithLogger(testLogger(t)),
	}, opts...)...)
	return ts
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func initializeBody(t *testing.T, id int, version string, opts any) []byte {
	t.Helper()
	params := map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1"},
	}
	if opts != nil {
		params["initializationOptions"] = opts
	}
	return mustRequest(t, id, "initialize", params)
}

func mustRequest(t *testing.T, id any, method string, params any) []byte {
	t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return b
}

func mustInitialize(t *testing.T, ts *testServer, opts any) *protocol.Conn[*notebook] {
	t.Helper()
	conn, res, err := ts.srv.Initialize(t.Context(), "test", initializeBody(t, 1, mcp.LatestProtocolVersion, opts))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	return conn
}

func callTool(t *testing.T, conn *protocol.Conn[*notebook], id int, name string, args any) *mcp.CallToolResult {
	t.Helper()
	res, err := conn.HandleMessage(t.Context(), mustRequest(t, id, "tools/call", map[string]any{"name": name, "arguments": args}))
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	return &out
}

func TestInitializeCreatesDistinctSessions(t *testing.T) {
	ts := newTestServer(t)

	a := mustInitialize(t, ts, nil)
	b := mustInitialize(t, ts, nil)

	if a.ID() == b.ID() {
		t.Fatalf("expected distinct session ids, got %s twice", a.ID())
	}
	if got := ts.srv.Registry().Len(); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
	if a.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected negotiated version %q", a.ProtocolVersion())
	}
}

func TestInitializeResult(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]string{
		mcp.ProtocolVersion20250326: mcp.ProtocolVersion20250326,
		mcp.ProtocolVersion20241105: mcp.ProtocolVersion20241105,
		"1999-01-01":                mcp.LatestProtocolVersion,
	}
	for requested, want := range cases {
		t.Run(requested, func(t *testing.T) {
			_, res, err := ts.srv.Initialize(t.Context(), "test", initializeBody(t, 7, requested, nil))
			if err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if res.ID.String() != "7" {
				t.Fatalf("response id not correlated: %s", res.ID.String())
			}
			var out struct {
				ProtocolVersion string          `json:"protocolVersion"`
				Capabilities    json.RawMessage `json:"capabilities"`
				ServerInfo      struct {
					Name    string `json:"name"`
					Version string `json:"version"`
				} `json:"serverInfo"`
			}
			if err := json.Unmarshal(res.Result, &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.ProtocolVersion != want {
				t.Fatalf("want %s got %s", want, out.ProtocolVersion)
			}
			if out.ServerInfo.Name != "netapp-ontap-mcp" || out.ServerInfo.Version != "2.0.0" {
				t.Fatalf("unexpected server info %+v", out.ServerInfo)
			}
			if string(out.Capabilities) != `{"tools":{},"resources":{}}` {
				t.Fatalf("unexpected capabilities %s", out.Capabilities)
			}
		})
	}
}

func TestInitializeRejectsOtherMessages(t *testing.T) {
	ts := newTestServer(t)
	for name, body := range map[string][]byte{
		"tools/list":   mustRequest(t, 1, "tools/list", nil),
		"notification": mustRequest(t, nil, "initialize", nil),
		"garbage":      []byte(`{not json`),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ts.srv.Initialize(t.Context(), "test", body)
			if !errors.Is(err, protocol.ErrNotInitialize) {
				t.Fatalf("want ErrNotInitialize got %v", err)
			}
		})
	}
	if ts.srv.Registry().Len() != 0 {
		t.Fatalf("rejected messages must not create sessions")
	}
}

func TestInitializeSeedFailureRemovesSession(t *testing.T) {
	ts := newTestServer(t)
	conn, res, err := ts.srv.Initialize(t.Context(), "test", initializeBody(t, 1, mcp.LatestProtocolVersion, "not an object"))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if conn != nil {
		t.Fatalf("failed initialize must not return a connection")
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", res)
	}
	if ts.srv.Registry().Len() != 0 {
		t.Fatalf("failed initialize must not leave a session behind")
	}
}

func TestSeedFromInitializationOptions(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, map[string]any{"notes": map[string]string{"motd": "hello"}})

	res := callTool(t, conn, 2, "recall", map[string]any{"key": "motd"})
	if res.IsError || res.Content[0].Text != "hello" {
		t.Fatalf("seeded note missing: %+v", res)
	}
}

func TestSecondInitializeIsRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)
	res, err := conn.HandleMessage(t.Context(), initializeBody(t, 2, mcp.LatestProtocolVersion, nil))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", res)
	}
}

func TestToolsList(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)
	res, err := conn.HandleMessage(t.Context(), mustRequest(t, 2, "tools/list", nil))
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	var out mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) != 3 || out.Tools[0].Name != "remember" {
		t.Fatalf("unexpected tools %+v", out.Tools)
	}
}

func TestUnknownTool(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)
	res := callTool(t, conn, 2, "does_not_exist", map[string]any{})
	if !res.IsError {
		t.Fatalf("want failure flag")
	}
	if res.Content[0].Type != "text" || res.Content[0].Text != "Unknown tool: does_not_exist" {
		t.Fatalf("unexpected content %+v", res.Content)
	}
}

func TestSessionIsolation(t *testing.T) {
	ts := newTestServer(t)
	a := mustInitialize(t, ts, nil)
	b := mustInitialize(t, ts, nil)

	if res := callTool(t, a, 2, "remember", map[string]any{"key": "k", "value": "from-a"}); res.IsError {
		t.Fatalf("remember failed: %+v", res)
	}
	res := callTool(t, b, 2, "recall", map[string]any{"key": "k"})
	if !res.IsError {
		t.Fatalf("session b observed session a's note: %+v", res)
	}
	res = callTool(t, a, 3, "recall", map[string]any{"key": "k"})
	if res.IsError || res.Content[0].Text != "from-a" {
		t.Fatalf("session a lost its note: %+v", res)
	}
}

func TestProtocolErrors(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	cases := []struct {
		name string
		body []byte
		code jsonrpc.ErrorCode
		id   string
	}{
		{"parse", []byte(`{"jsonrpc":`), jsonrpc.ErrorCodeParseError, ""},
		{"batch", []byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`), jsonrpc.ErrorCodeInvalidRequest, ""},
		{"unknown method", mustRequest(t, 9, "resources/list", nil), jsonrpc.ErrorCodeMethodNotFound, "9"},
		{"tools/call without name", mustRequest(t, 10, "tools/call", map[string]any{}), jsonrpc.ErrorCodeInvalidParams, "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := conn.HandleMessage(t.Context(), tc.body)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if res.Error == nil || res.Error.Code != tc.code {
				t.Fatalf("want code %d got %+v", tc.code, res)
			}
			if res.ID.String() != tc.id {
				t.Fatalf("want id %q got %q", tc.id, res.ID.String())
			}
		})
	}
}

func TestNotificationsAreNeverAnswered(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	for _, method := range []string{"notifications/initialized", "notifications/unknown"} {
		res, err := conn.HandleMessage(t.Context(), mustRequest(t, nil, method, map[string]any{}))
		if err != nil || res != nil {
			t.Fatalf("%s: want no response, got %+v, %v", method, res, err)
		}
	}
	if !conn.Initialized() {
		t.Fatalf("initialized notification not recorded")
	}
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)
	res, err := conn.HandleMessage(t.Context(), mustRequest(t, "p-1", "ping", nil))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(res.Result) != "{}" || res.ID.String() != "p-1" {
		t.Fatalf("unexpected ping response %+v", res)
	}
}

func TestInFlightRequestFailsWhenSessionCloses(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	body := mustRequest(t, 5, "tools/call", map[string]any{"name": "wait", "arguments": map[string]any{"tag": "x"}})
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.HandleMessage(context.Background(), body)
		errCh <- err
	}()
	<-ts.started

	if err := conn.Terminate(t.Context(), sessions.ReasonManualClose); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, protocol.ErrSessionClosed) {
			t.Fatalf("want ErrSessionClosed got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request hung after close")
	}

	if _, err := conn.HandleMessage(t.Context(), mustRequest(t, 6, "ping", nil)); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	if _, err := ts.srv.Lookup(t.Context(), conn.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound got %v", err)
	}
}

func TestCancelledNotification(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	body := mustRequest(t, 11, "tools/call", map[string]any{"name": "wait", "arguments": map[string]any{"tag": "y"}})
	resCh := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := conn.HandleMessage(context.Background(), body)
		resCh <- res
	}()
	<-ts.started

	if res, err := conn.HandleMessage(t.Context(), mustRequest(t, nil, "notifications/cancelled", map[string]any{"requestId": 11})); err != nil || res != nil {
		t.Fatalf("cancel notification: %+v %v", res, err)
	}

	select {
	case res := <-resCh:
		if res == nil || res.Error == nil || res.ID.String() != "11" {
			t.Fatalf("expected an error response for id 11, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not return")
	}
}

func TestPushAndSubscribe(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	reasons := make(chan sessions.Reason, 1)
	conn.OnClose(func(r sessions.Reason) { reasons <- r })

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- conn.Subscribe(context.Background(), "", func(ctx context.Context, eventID string, data []byte) error {
			got <- string(data)
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := conn.Push(t.Context(), map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case data := <-got:
		if data != `{"hello":"world"}` {
			t.Fatalf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushed message not delivered")
	}

	if err := ts.srv.Terminate(t.Context(), conn.ID(), sessions.ReasonManualClose); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := <-done; !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	if r := <-reasons; r != sessions.ReasonManualClose {
		t.Fatalf("want manual_close got %s", r)
	}
	if _, err := conn.Push(t.Context(), "late"); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("push after close: want ErrSessionClosed got %v", err)
	}
}

func TestLookup(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)

	got, err := ts.srv.Lookup(t.Context(), conn.ID())
	if err != nil || got != conn {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := ts.srv.Lookup(t.Context(), "not-a-session"); !errors.Is(err, sessions.ErrInvalidID) {
		t.Fatalf("want ErrInvalidID got %v", err)
	}
	if _, err := ts.srv.Lookup(t.Context(), ""); !errors.Is(err, sessions.ErrInvalidID) {
		t.Fatalf("want ErrInvalidID got %v", err)
	}
}

func TestRemovalReasonReachesCallbacks(t *testing.T) {
	ts := newTestServer(t)
	conn := mustInitialize(t, ts, nil)
	reasons := make(chan sessions.Reason, 1)
	conn.OnClose(func(r sessions.Reason) { reasons <- r })

	if err := ts.srv.Terminate(t.Context(), conn.ID(), sessions.ReasonInactivityTimeout); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if r := <-reasons; r != sessions.ReasonInactivityTimeout {
		t.Fatalf("want inactivity_timeout got %s", r)
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not closed")
	}
}

func TestClosedSessionLeavesNoOutboxLog(t *testing.T) {
	box := memory.New()
	ts := newTestServer(t, protocol.WithOutbox(box))
	conn := mustInitialize(t, ts, nil)
	if box.Len() != 1 {
		t.Fatalf("want one log after initialize, got %d", box.Len())
	}

	if err := ts.srv.Terminate(t.Context(), conn.ID(), sessions.ReasonManualClose); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// A GET that passed Lookup just before the DELETE.
	if err := conn.Subscribe(t.Context(), "", func(context.Context, string, []byte) error { return nil }); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("subscribe: want ErrSessionClosed got %v", err)
	}
	if box.Len() != 0 {
		t.Fatalf("closed session log was recreated: %d logs", box.Len())
	}
}

func TestPushAfterOutboxCleanup(t *testing.T) {
	box := memory.New()
	ts := newTestServer(t, protocol.WithOutbox(box))
	conn := mustInitialize(t, ts, nil)

	// The log goes first while the connection is still being torn down.
	if err := box.Cleanup(t.Context(), conn.ID()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := conn.Push(t.Context(), "late reply"); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("push: want ErrSessionClosed got %v", err)
	}
	if box.Len() != 0 {
		t.Fatalf("late push recreated the log: %d logs", box.Len())
	}
}

func TestAckReleasesDelivered(t *testing.T) {
	box := memory.New()
	ts := newTestServer(t, protocol.WithOutbox(box))
	conn := mustInitialize(t, ts, nil)

	first, err := conn.Push(t.Context(), "one")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := conn.Push(t.Context(), "two"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := conn.Ack(t.Context(), first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := box.Retained(conn.ID()); n != 1 {
		t.Fatalf("want one retained message, got %d", n)
	}

	_ = ts.srv.Terminate(t.Context(), conn.ID(), sessions.ReasonManualClose)
	if err := conn.Ack(t.Context(), first); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("ack after close: want ErrSessionClosed got %v", err)
	}
}

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }
func (f fixedIDs) Valid(id string) bool   { return id == string(f) }

func TestDuplicateIDIsAConflict(t *testing.T) {
	ts := newTestServer(t, protocol.WithIDGenerator(fixedIDs("only-one")))
	first := mustInitialize(t, ts, nil)

	_, _, err := ts.srv.Initialize(t.Context(), "test", initializeBody(t, 1, mcp.LatestProtocolVersion, nil))
	if !errors.Is(err, protocol.ErrSessionConflict) {
		t.Fatalf("want ErrSessionConflict got %v", err)
	}
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("want the registry cause kept, got %v", err)
	}

	// The winner is untouched.
	if got, err := ts.srv.Lookup(t.Context(), "only-one"); err != nil || got != first {
		t.Fatalf("lookup winner: %v", err)
	}
	if out := callTool(t, first, 2, "remember", map[string]string{"key": "k", "value": "v"}); out.IsError {
		t.Fatalf("winner call failed: %+v", out)
	}
}
