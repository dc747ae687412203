package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/adapters/adapterstest"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/metrics"
	"go2tv.app/syncview/internal/session"
	"go2tv.app/syncview/internal/syncbus"
)

type fakeTargetLister struct {
	timeout            time.Duration
	includeUnreachable bool
	targets            []domain.RenderTarget
	err                error
}

func (f *fakeTargetLister) ListRenderTargets(ctx context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.RenderTarget, error) {
	f.timeout = timeout
	f.includeUnreachable = includeUnreachable
	return f.targets, f.err
}

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager(session.ManagerOptions{
		Resolver: &adapterstest.Resolver{URLs: map[string]string{
			"/api/channels/onboard/": "https://cdn.example/onboard.m3u8",
		}},
		Engine: &adapterstest.Factory{},
		Mirror: &adapterstest.Factory{},
		Bus:    syncbus.New(),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func runRequests(t *testing.T, cfg Config, reqs ...map[string]any) []map[string]any {
	t.Helper()
	input := bytes.NewBuffer(nil)
	output := bytes.NewBuffer(nil)
	for _, req := range reqs {
		writeRequest(t, input, req)
	}
	srv := New(input, output, cfg)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("run server: %v", err)
	}
	responses := readResponses(t, output.Bytes())
	if len(responses) != len(reqs) {
		t.Fatalf("expected %d responses, got %d", len(reqs), len(responses))
	}
	return responses
}

func toolCall(id int, name string, args map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}
}

func openSession(t *testing.T, cfg Config) string {
	t.Helper()
	resp := runRequests(t, cfg, toolCall(1, "open_session", map[string]any{
		"token":   "jwt-1",
		"channel": "/api/channels/onboard/",
	}))[0]
	result := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("open_session failed: %#v", result)
	}
	structured := result["structuredContent"].(map[string]any)
	id, _ := structured["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id: %#v", structured)
	}
	return id
}

func toolErrorCode(t *testing.T, resp map[string]any) string {
	t.Helper()
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected tool error, got %#v", result)
	}
	errObj := result["structuredContent"].(map[string]any)["error"].(map[string]any)
	return errObj["code"].(string)
}

func TestInitializeAndToolsList(t *testing.T) {
	responses := runRequests(t, Config{ServerName: "syncview", ServerVersion: "1.0.0-test"},
		map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{}},
		map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"},
	)

	if responses[0]["id"].(float64) != 1 {
		t.Fatalf("initialize response id mismatch: %#v", responses[0]["id"])
	}
	initResult := responses[0]["result"].(map[string]any)
	if initResult["protocolVersion"].(string) == "" {
		t.Fatal("protocolVersion must not be empty")
	}
	info := initResult["serverInfo"].(map[string]any)
	if info["version"] != "1.0.0-test" {
		t.Fatalf("unexpected server version: %v", info["version"])
	}

	tools := responses[1]["result"].(map[string]any)["tools"].([]any)
	if len(tools) != len(staticTools()) {
		t.Fatalf("expected %d tools, got %d", len(staticTools()), len(tools))
	}
	srv := New(strings.NewReader(""), io.Discard, Config{})
	for _, raw := range tools {
		name := raw.(map[string]any)["name"].(string)
		if _, ok := srv.handlers[name]; !ok {
			t.Fatalf("tool %s has no handler", name)
		}
	}
}

func TestInitializeJSONLineRequest(t *testing.T) {
	input := bytes.NewBuffer(nil)
	output := bytes.NewBuffer(nil)

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  map[string]any{},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := input.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	srv := New(input, output, Config{})
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("run server: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 response line, got %d", len(lines))
	}
	resp := map[string]any{}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["id"].(float64) != 1 {
		t.Fatalf("initialize response id mismatch: %#v", resp["id"])
	}
}

func TestUnknownMethod(t *testing.T) {
	responses := runRequests(t, Config{}, map[string]any{
		"jsonrpc": "2.0",
		"id":      "abc",
		"method":  "does/not/exist",
	})
	errObj := responses[0]["error"].(map[string]any)
	if errObj["code"].(float64) != -32601 {
		t.Fatalf("expected -32601, got %v", errObj["code"])
	}
	if data := errObj["data"].(map[string]any); data["method"] != "does/not/exist" {
		t.Fatalf("expected method in error data, got %#v", data)
	}
}

func TestToolAnnotations(t *testing.T) {
	responses := runRequests(t, Config{}, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})

	hints := map[string]map[string]any{}
	for _, raw := range responses[0]["result"].(map[string]any)["tools"].([]any) {
		entry := raw.(map[string]any)
		hints[entry["name"].(string)], _ = entry["annotations"].(map[string]any)
	}
	if hints["session_state"]["readOnlyHint"] != true {
		t.Fatalf("session_state should be read-only: %#v", hints["session_state"])
	}
	if hints["close_session"]["destructiveHint"] != true {
		t.Fatalf("close_session should be destructive: %#v", hints["close_session"])
	}
	if hints["cast"]["openWorldHint"] != true || hints["cast"]["readOnlyHint"] != false {
		t.Fatalf("unexpected cast hints: %#v", hints["cast"])
	}
}

func TestPing(t *testing.T) {
	responses := runRequests(t, Config{}, map[string]any{"jsonrpc": "2.0", "id": 9, "method": "ping"})
	if _, ok := responses[0]["result"].(map[string]any); !ok {
		t.Fatalf("expected empty object result, got %#v", responses[0])
	}
}

func TestInvalidRequestJSONRPCVersion(t *testing.T) {
	responses := runRequests(t, Config{}, map[string]any{
		"jsonrpc": "1.0",
		"id":      "badver",
		"method":  "tools/list",
	})
	errObj := responses[0]["error"].(map[string]any)
	if errObj["code"].(float64) != -32600 {
		t.Fatalf("expected -32600, got %v", errObj["code"])
	}
}

func TestUnknownTool(t *testing.T) {
	responses := runRequests(t, Config{}, toolCall(3, "beam_media", map[string]any{}))
	if code := toolErrorCode(t, responses[0]); code != "TOOL_NOT_FOUND" {
		t.Fatalf("expected TOOL_NOT_FOUND, got %s", code)
	}
}

func TestOpenSessionThenSessionState(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t), Metrics: metrics.New()}
	id := openSession(t, cfg)

	responses := runRequests(t, cfg,
		toolCall(2, "session_state", map[string]any{"session_id": id}),
		toolCall(3, "list_sessions", nil),
	)

	state := responses[0]["result"].(map[string]any)["structuredContent"].(map[string]any)
	if state["playing"] != true {
		t.Fatalf("expected playing session, got %#v", state)
	}
	if state["sync_subscribed"] != true {
		t.Fatalf("expected sync subscription, got %#v", state)
	}
	if state["channel"] != "/api/channels/onboard/" {
		t.Fatalf("unexpected channel: %v", state["channel"])
	}

	list := responses[1]["result"].(map[string]any)["structuredContent"].(map[string]any)
	if list["count"].(float64) != 1 {
		t.Fatalf("expected one session, got %v", list["count"])
	}
}

func TestOpenSessionResolutionFailure(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t)}
	responses := runRequests(t, cfg, toolCall(1, "open_session", map[string]any{
		"token":   "jwt-1",
		"channel": "/api/channels/unknown/",
	}))
	if code := toolErrorCode(t, responses[0]); code != "RESOLUTION_FAILED" {
		t.Fatalf("expected RESOLUTION_FAILED, got %s", code)
	}
	if n := len(cfg.Sessions.List()); n != 0 {
		t.Fatalf("failed open must not register a session, got %d", n)
	}
}

func TestOpenSessionInvalidParams(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t)}
	responses := runRequests(t, cfg,
		toolCall(1, "open_session", map[string]any{"channel": "/api/channels/onboard/"}),
		toolCall(2, "open_session", map[string]any{"token": "t", "channel": "c", "extra": true}),
	)
	for _, resp := range responses {
		errObj := resp["error"].(map[string]any)
		if errObj["code"].(float64) != -32602 {
			t.Fatalf("expected -32602, got %v", errObj["code"])
		}
	}
}

func TestSessionToolsOnUnknownSession(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t)}
	responses := runRequests(t, cfg,
		toolCall(1, "pause", map[string]any{"session_id": "nope"}),
		toolCall(2, "close_session", map[string]any{"session_id": "nope"}),
		toolCall(3, "select_audio_track", map[string]any{"session_id": "nope", "track_id": 1}),
	)
	for _, resp := range responses {
		if code := toolErrorCode(t, resp); code != "SESSION_NOT_FOUND" {
			t.Fatalf("expected SESSION_NOT_FOUND, got %s", code)
		}
	}
}

func TestCastWithoutTargetIsPrecondition(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t)}
	id := openSession(t, cfg)

	responses := runRequests(t, cfg,
		toolCall(2, "cast", map[string]any{"session_id": id}),
		toolCall(3, "select_render_target", map[string]any{"session_id": id, "target_id": "rt_missing"}),
		toolCall(4, "select_video_track", map[string]any{"session_id": id, "track_id": 7}),
	)
	if code := toolErrorCode(t, responses[0]); code != "PRECONDITION_FAILED" {
		t.Fatalf("expected PRECONDITION_FAILED for cast, got %s", code)
	}
	if code := toolErrorCode(t, responses[1]); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown target, got %s", code)
	}
	if code := toolErrorCode(t, responses[2]); code != "PRECONDITION_FAILED" {
		t.Fatalf("expected PRECONDITION_FAILED for unknown track, got %s", code)
	}

	details := responses[0]["result"].(map[string]any)["structuredContent"].(map[string]any)["error"].(map[string]any)["details"].(map[string]any)
	if details["session_id"] != id {
		t.Fatalf("expected session_id detail, got %#v", details)
	}
}

func TestPauseRequestSyncAndClose(t *testing.T) {
	cfg := Config{Sessions: newTestManager(t)}
	id := openSession(t, cfg)

	responses := runRequests(t, cfg,
		toolCall(2, "pause", map[string]any{"session_id": id}),
		toolCall(3, "request_sync", map[string]any{"session_id": id}),
		toolCall(4, "close_session", map[string]any{"session_id": id}),
		toolCall(5, "session_state", map[string]any{"session_id": id}),
	)
	for i, resp := range responses[:3] {
		result := resp["result"].(map[string]any)
		if result["isError"] == true {
			t.Fatalf("call %d failed: %#v", i, result)
		}
	}
	paused := responses[0]["result"].(map[string]any)["structuredContent"].(map[string]any)
	if paused["playing"] != false {
		t.Fatalf("expected paused session, got %#v", paused)
	}
	if code := toolErrorCode(t, responses[3]); code != "SESSION_NOT_FOUND" {
		t.Fatalf("expected SESSION_NOT_FOUND after close, got %s", code)
	}
}

func TestListRenderTargetsForwardsArguments(t *testing.T) {
	lister := &fakeTargetLister{targets: []domain.RenderTarget{
		{ID: "rt_a", Name: "Living Room TV", Protocol: "chromecast", Address: "192.168.1.20:8009", CanRenderVideo: true},
	}}

	responses := runRequests(t, Config{Targets: lister}, map[string]any{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "tools/call",
		"params": map[string]any{
			"name":                "list_render_targets",
			"timeout_ms":          3200,
			"include_unreachable": true,
			"_meta":               map[string]any{"progressToken": "p1"},
		},
	})
	if responses[0]["error"] != nil {
		t.Fatalf("expected successful tools/call, got error: %#v", responses[0]["error"])
	}
	if lister.timeout != 3200*time.Millisecond {
		t.Fatalf("expected timeout 3.2s, got %v", lister.timeout)
	}
	if !lister.includeUnreachable {
		t.Fatal("expected include_unreachable=true to be forwarded")
	}
	result := responses[0]["result"].(map[string]any)
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "id=rt_a name=Living Room TV") {
		t.Fatalf("unexpected summary: %q", text)
	}
}

func TestListRenderTargetsDefaultsAndErrors(t *testing.T) {
	lister := &fakeTargetLister{}
	runRequests(t, Config{Targets: lister}, toolCall(1, "list_render_targets", nil))
	if lister.timeout != defaultDiscoveryTimeoutMS*time.Millisecond {
		t.Fatalf("expected default timeout, got %v", lister.timeout)
	}

	responses := runRequests(t, Config{Targets: lister}, toolCall(2, "list_render_targets", map[string]any{"timeout_ms": 99}))
	errObj := responses[0]["error"].(map[string]any)
	if errObj["code"].(float64) != -32602 {
		t.Fatalf("expected -32602, got %v", errObj["code"])
	}

	lister.err = errors.New("mdns socket closed")
	responses = runRequests(t, Config{Targets: lister}, toolCall(3, "list_render_targets", nil))
	if code := toolErrorCode(t, responses[0]); code != "INTERNAL_ERROR" {
		t.Fatalf("expected INTERNAL_ERROR, got %s", code)
	}
}

func TestToolCallStructuredLog(t *testing.T) {
	logOutput := bytes.NewBuffer(nil)
	cfg := Config{Targets: &fakeTargetLister{}, Logger: zerolog.New(logOutput)}
	runRequests(t, cfg, toolCall(10, "list_render_targets", nil))

	var logEntry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logOutput.String()), "\n") {
		candidate := map[string]any{}
		if err := json.Unmarshal([]byte(line), &candidate); err != nil {
			t.Fatalf("unmarshal log line: %v", err)
		}
		if candidate["message"] == "mcp_call" {
			logEntry = candidate
			break
		}
	}
	if len(logEntry) == 0 {
		t.Fatal("missing mcp_call log entry")
	}
	if logEntry["level"] != "info" {
		t.Fatalf("expected info level, got %v", logEntry["level"])
	}
	if logEntry["method"] != "list_render_targets" {
		t.Fatalf("unexpected method: %v", logEntry["method"])
	}
	if _, ok := logEntry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms field")
	}
	if logEntry["error_code"] != "" {
		t.Fatalf("expected empty error_code, got %v", logEntry["error_code"])
	}
}

func TestNotificationGetsNoReply(t *testing.T) {
	input := bytes.NewBuffer(nil)
	output := bytes.NewBuffer(nil)
	writeRequest(t, input, map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})

	if err := New(input, output, Config{}).Run(context.Background()); err != nil {
		t.Fatalf("run server: %v", err)
	}
	if output.Len() != 0 {
		t.Fatalf("expected no output, got %q", output.String())
	}
}

func TestDecodeStrictRejectsTrailingJSON(t *testing.T) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeStrict(json.RawMessage(`{"session_id":"a"} {"session_id":"b"}`), &out); err == nil {
		t.Fatal("expected trailing JSON to be rejected")
	}
	if err := decodeStrict(json.RawMessage(`{"session_id":"a"}`), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	raw := "Content-Length: " + strconv.Itoa(maxMessageBytes+1) + "\r\n\r\n"
	if _, _, err := readMessage(bufio.NewReader(strings.NewReader(raw))); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func writeRequest(t *testing.T, w io.Writer, req map[string]any) {
	t.Helper()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := w.Write([]byte("Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n")); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func readResponses(t *testing.T, output []byte) []map[string]any {
	t.Helper()

	reader := bufio.NewReader(bytes.NewReader(output))
	var responses []map[string]any
	for {
		msg, _, err := readMessage(reader)
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("read response: %v", err)
		}

		resp := map[string]any{}
		if err := json.Unmarshal(msg, &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestReadMessageFormats(t *testing.T) {
	raw := "\r\n{\"id\":1,\n \"method\":\"ping\"}\n" +
		"Content-Length: 11\r\ncontent-type: application/json\r\n\r\n{\"id\":2}   " +
		"{\"id\":3}"
	reader := bufio.NewReader(strings.NewReader(raw))

	want := []struct {
		body   string
		format wireFormat
	}{
		{`{"id":1,` + "\n" + ` "method":"ping"}`, wireJSONLine},
		{`{"id":2}   `, wireFramed},
		{`{"id":3}`, wireJSONLine},
	}
	for i, w := range want {
		body, format, err := readMessage(reader)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(body) != w.body || format != w.format {
			t.Fatalf("message %d: got %q (%s), want %q (%s)", i, body, format, w.body, w.format)
		}
	}
	if _, _, err := readMessage(reader); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadMessageTruncatedInput(t *testing.T) {
	for _, raw := range []string{
		"{\"id\":1",
		"Content-Length: 20\r\n\r\n{}",
		"Content-Type: application/json\r\n\r\n{}",
	} {
		if _, _, err := readMessage(bufio.NewReader(strings.NewReader(raw))); err == nil || err == io.EOF {
			t.Fatalf("%q: expected a read error, got %v", raw, err)
		}
	}
}
