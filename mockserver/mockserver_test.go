package mockserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/goliatone/go-mcp-inspector/mcpserver"
)

type recordingProgress struct {
	messages []string
}

func (*recordingProgress) Enabled() bool { return true }

func (p *recordingProgress) Report(_ context.Context, _ float64, _ *float64, message string) error {
	p.messages = append(p.messages, message)
	return nil
}

type silentProgress struct{}

func (silentProgress) Enabled() bool { return false }

func (silentProgress) Report(context.Context, float64, *float64, string) error { return nil }

func TestHandler_Tools(t *testing.T) {
	tools, err := Handler{}.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := []string{}
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if len(names) != 3 || names[0] != "help" || names[1] != "echo" || names[2] != "add" {
		t.Fatalf("unexpected tools: %v", names)
	}
}

func TestHandler_EchoAndAdd(t *testing.T) {
	ctx := context.Background()
	echo, _ := Handler{}.CallTool(ctx, mcpserver.Call{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`), Progress: silentProgress{}})
	if string(echo.StructuredContent) != `{"echoed":"hi"}` || echo.IsError {
		t.Fatalf("unexpected echo result: %s", echo.StructuredContent)
	}
	add, _ := Handler{}.CallTool(ctx, mcpserver.Call{Name: "add", Arguments: json.RawMessage(`{"values":[1,2,3.5]}`), Progress: silentProgress{}})
	if string(add.StructuredContent) != `{"count":3,"sum":6.5}` {
		t.Fatalf("unexpected add result: %s", add.StructuredContent)
	}
}

func TestHandler_HelpReportsProgressWhenStreamed(t *testing.T) {
	progress := &recordingProgress{}
	result, err := Handler{}.CallTool(context.Background(), mcpserver.Call{Name: "help", Progress: progress})
	if err != nil {
		t.Fatalf("call help: %v", err)
	}
	if len(progress.messages) != 2 {
		t.Fatalf("expected two progress notifications, got %v", progress.messages)
	}
	var payload struct {
		Tools []map[string]string `json:"tools"`
	}
	if err := json.Unmarshal(result.StructuredContent, &payload); err != nil || len(payload.Tools) != 3 {
		t.Fatalf("unexpected help payload: %s", result.StructuredContent)
	}
}

func TestHandler_UnknownTool(t *testing.T) {
	result, _ := Handler{}.CallTool(context.Background(), mcpserver.Call{Name: "nope", Progress: silentProgress{}})
	if !result.IsError || string(result.StructuredContent) != `{"error":"unknown tool: nope"}` {
		t.Fatalf("unexpected unknown tool result: %+v", result)
	}
}
