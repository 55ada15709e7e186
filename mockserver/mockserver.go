// Package mockserver is the reference MCP server the compliance suite runs
// against. It serves help, echo and add.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goliatone/go-mcp-inspector/mcpserver"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

const (
	Name    = "mock-mcp-server"
	Title   = "Mock MCP Server"
	Version = "0.1.0"
)

type Handler struct{}

var _ mcpserver.Handler = Handler{}

func New(opts ...mcpserver.Option) *mcpserver.Server {
	return mcpserver.New(Handler{}, opts...)
}

func (Handler) Info() protocol.Implementation {
	return protocol.Implementation{Name: Name, Title: Title, Version: Version}
}

func (Handler) ListTools(context.Context) ([]protocol.Tool, error) {
	return []protocol.Tool{
		{
			Name:        "help",
			Description: "Return a list of mock tools and usage hints.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "echo",
			Description: "Echo back the supplied text payload.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","default":""}}}`),
		},
		{
			Name:        "add",
			Description: "Sum a list of numbers and return the total.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"values":{"type":"array","items":{"type":"number"},"default":[]}}}`),
		},
	}, nil
}

func (Handler) CallTool(ctx context.Context, call mcpserver.Call) (protocol.CallToolResult, error) {
	switch call.Name {
	case "help":
		if call.Progress.Enabled() {
			total := 2.0
			_ = call.Progress.Report(ctx, 1, &total, "collecting tools")
			_ = call.Progress.Report(ctx, 2, &total, "rendering usage")
		}
		return structured(map[string]any{
			"tools": []map[string]string{
				{"name": "help", "usage": "help"},
				{"name": "echo", "usage": `echo text="hello"`},
				{"name": "add", "usage": "add values=[1,2,3]"},
			},
		}, false), nil
	case "echo":
		var args struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		return structured(map[string]any{"echoed": args.Text}, false), nil
	case "add":
		var args struct {
			Values []float64 `json:"values"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		sum := 0.0
		for _, value := range args.Values {
			sum += value
		}
		return structured(map[string]any{"sum": sum, "count": len(args.Values)}, false), nil
	}
	return structured(map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)}, true), nil
}

// structured mirrors the payload as a text block so clients that ignore
// structuredContent still see it.
func structured(payload any, isError bool) protocol.CallToolResult {
	raw, _ := json.Marshal(payload)
	return protocol.CallToolResult{
		Content:           protocol.TextContents(string(raw)),
		StructuredContent: raw,
		IsError:           isError,
	}
}
