package toolserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/mcpserver"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

type stubInspector struct {
	probeFn    func(target core.Target) (core.ProbeResult, error)
	listFn     func(target core.Target) ([]core.ToolDescriptor, error)
	describeFn func(target core.Target, tool string) (core.DescribeResult, error)
	callFn     func(req core.CallRequest) (core.CallResult, error)
}

func (s stubInspector) Probe(_ context.Context, target core.Target) (core.ProbeResult, error) {
	return s.probeFn(target)
}

func (s stubInspector) ListTools(_ context.Context, target core.Target) ([]core.ToolDescriptor, error) {
	return s.listFn(target)
}

func (s stubInspector) Describe(_ context.Context, target core.Target, tool string) (core.DescribeResult, error) {
	return s.describeFn(target, tool)
}

func (s stubInspector) Call(_ context.Context, req core.CallRequest) (core.CallResult, error) {
	return s.callFn(req)
}

type silentProgress struct{}

func (silentProgress) Enabled() bool { return false }

func (silentProgress) Report(context.Context, float64, *float64, string) error { return nil }

func call(t *testing.T, handler *Handler, name, args string) protocol.CallToolResult {
	t.Helper()
	result, err := handler.CallTool(context.Background(), mcpserver.Call{
		Name:      name,
		Arguments: json.RawMessage(args),
		Progress:  silentProgress{},
	})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return result
}

func TestHandler_ListsCanonicalTools(t *testing.T) {
	tools, _ := NewHandler(stubInspector{}).ListTools(context.Background())
	want := []string{ToolHelp, ToolProbe, ToolListTools, ToolDescribe, ToolCall}
	if len(tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(tools))
	}
	for i, tool := range tools {
		if tool.Name != want[i] {
			t.Fatalf("tool %d: expected %s, got %s", i, want[i], tool.Name)
		}
		if !json.Valid(tool.InputSchema) {
			t.Fatalf("tool %s has an invalid schema", tool.Name)
		}
	}
}

func TestHandler_HelpIsJSONL(t *testing.T) {
	result := call(t, NewHandler(stubInspector{}, WithVersion("1.2.3")), "help", "")
	var payload struct {
		Format string   `json:"format"`
		Lines  []string `json:"lines"`
	}
	if err := json.Unmarshal(result.StructuredContent, &payload); err != nil {
		t.Fatalf("decode help: %v", err)
	}
	if payload.Format != "jsonl" || len(payload.Lines) < 6 {
		t.Fatalf("unexpected help payload: %+v", payload)
	}
	sections := []string{}
	for _, line := range payload.Lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("help line is not json: %s", line)
		}
		section, _ := entry["section"].(string)
		sections = append(sections, section)
	}
	if strings.Join(sections, ",") != "server,tldr,quick_start,constraints,env,tools,notes,errors" {
		t.Fatalf("unexpected sections: %v", sections)
	}
	if !strings.Contains(payload.Lines[0], `"version":"1.2.3"`) {
		t.Fatalf("expected server version in first line: %s", payload.Lines[0])
	}
}

func TestHandler_ProbeAcceptsDottedAlias(t *testing.T) {
	var seen core.Target
	handler := NewHandler(stubInspector{probeFn: func(target core.Target) (core.ProbeResult, error) {
		seen = target
		name := "mock"
		return core.ProbeResult{OK: true, Transport: string(target.Kind()), ServerName: &name}, nil
	}})
	result := call(t, handler, "inspector.probe", `{"transport":"http","url":" http://127.0.0.1:9101/mcp "}`)
	if result.IsError || seen.Kind() != core.TransportHTTP || seen.URL != "http://127.0.0.1:9101/mcp" {
		t.Fatalf("unexpected probe: %+v %+v", result, seen)
	}
	if !strings.Contains(string(result.StructuredContent), `"server_name":"mock"`) {
		t.Fatalf("unexpected probe payload: %s", result.StructuredContent)
	}
}

func TestHandler_CallPicksTargetOverride(t *testing.T) {
	var seen core.CallRequest
	handler := NewHandler(stubInspector{callFn: func(req core.CallRequest) (core.CallResult, error) {
		seen = req
		return core.CallResult{Content: protocol.TextContents("ok"), StructuredContent: json.RawMessage(`{"ok":true}`)}, nil
	}})
	result := call(t, handler, ToolCall, `{"tool_name":"echo","arguments_json":{"text":"x"},"idempotency_key":"k1","sse":{"url":"http://srv/sse"}}`)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.StructuredContent)
	}
	if seen.Target.Kind() != core.TransportSSE || seen.ToolName != "echo" || seen.IdempotencyKey != "k1" {
		t.Fatalf("unexpected call request: %+v", seen)
	}
	var payload core.CallResult
	if err := json.Unmarshal(result.StructuredContent, &payload); err != nil || string(payload.StructuredContent) != `{"ok":true}` {
		t.Fatalf("expected the call result as structured content: %s", result.StructuredContent)
	}
}

func TestHandler_BusinessErrorsBecomeErrorResults(t *testing.T) {
	handler := NewHandler(stubInspector{listFn: func(core.Target) ([]core.ToolDescriptor, error) {
		return nil, core.NewValidationError("missing command for stdio")
	}})
	result := call(t, handler, ToolListTools, `{}`)
	var failure map[string]string
	if err := json.Unmarshal(result.StructuredContent, &failure); err != nil || !result.IsError {
		t.Fatalf("unexpected error result: %s", result.StructuredContent)
	}
	if !strings.Contains(failure["error"], "missing command for stdio") || failure["kind"] != "validation" {
		t.Fatalf("unexpected error payload: %v", failure)
	}

	unknown := call(t, handler, "shell_exec", `{}`)
	if !unknown.IsError || string(unknown.StructuredContent) != `{"error":"unknown tool"}` {
		t.Fatalf("unexpected unknown tool result: %s", unknown.StructuredContent)
	}

	bad := call(t, handler, ToolDescribe, `{"tool_name":`)
	if !bad.IsError || !strings.Contains(string(bad.StructuredContent), "invalid arguments") {
		t.Fatalf("expected invalid arguments, got %s", bad.StructuredContent)
	}
}

func TestNew_NotifiesListChangedAfterInitialized(t *testing.T) {
	server := New(stubInspector{})
	sent := make(chan string, 1)
	notifier := mcpserver.NotifierFunc(func(_ context.Context, method string, _ any) error {
		sent <- method
		return nil
	})
	initialized, _ := protocol.NewNotification(protocol.MethodInitialized, nil)
	server.Handle(context.Background(), initialized, notifier)
	select {
	case method := <-sent:
		if method != protocol.MethodToolsListChanged {
			t.Fatalf("unexpected notification %s", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a list_changed notification")
	}
}
