package toolserver

import (
	"encoding/json"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

const (
	ToolHelp      = "help"
	ToolProbe     = "inspector_probe"
	ToolListTools = "inspector_list_tools"
	ToolDescribe  = "inspector_describe"
	ToolCall      = "inspector_call"
)

// aliases maps accepted spellings onto the canonical tool name. Dotted names
// predate clients that reject dots in tool names.
var aliases = map[string]string{
	"help":                 ToolHelp,
	"inspector_help":       ToolHelp,
	"inspector_probe":      ToolProbe,
	"inspector.probe":      ToolProbe,
	"inspector_list_tools": ToolListTools,
	"inspector.list_tools": ToolListTools,
	"inspector_describe":   ToolDescribe,
	"inspector.describe":   ToolDescribe,
	"inspector_call":       ToolCall,
	"inspector.call":       ToolCall,
}

const targetProperties = `
"transport":{"type":"string","enum":["stdio","sse","http"],"default":"stdio"},
"command":{"type":"string"},
"args":{"type":"array","items":{"type":"string"}},
"env":{"type":"object","additionalProperties":{"type":"string"}},
"cwd":{"type":"string"},
"url":{"type":"string"},
"headers":{"type":"object","additionalProperties":{"type":"string"}},
"auth_token":{"type":"string"},
"handshake_timeout_ms":{"type":"integer","minimum":0,"default":15000}`

const networkTarget = `{"type":"object","properties":{
"url":{"type":"string"},
"headers":{"type":"object","additionalProperties":{"type":"string"}},
"auth_token":{"type":"string"},
"handshake_timeout_ms":{"type":"integer","minimum":0}},"required":["url"]}`

var (
	helpSchema     = json.RawMessage(`{"type":"object","properties":{}}`)
	targetSchema   = json.RawMessage(`{"type":"object","properties":{` + targetProperties + `}}`)
	describeSchema = json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string"},` + targetProperties + `},"required":["tool_name"]}`)
	callSchema     = json.RawMessage(`{"type":"object","properties":{
"tool_name":{"type":"string"},
"arguments_json":{"type":"object"},
"idempotency_key":{"type":"string"},
"external_reference":{"type":"string"},
"stream":{"type":"boolean","default":false},
"stdio":{"type":"object","properties":{"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}},"env":{"type":"object","additionalProperties":{"type":"string"}},"cwd":{"type":"string"}},"required":["command"]},
"sse":` + networkTarget + `,
"http":` + networkTarget + `},"required":["tool_name"]}`)
)

func readOnly() *core.ToolAnnotations {
	yes := true
	return &core.ToolAnnotations{ReadOnlyHint: &yes}
}

func catalog() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        ToolHelp,
			Description: "Deterministic reference manual for every tool exposed by this server.",
			InputSchema: helpSchema,
			Annotations: readOnly(),
		},
		{
			Name:        ToolProbe,
			Description: "Connect to a target MCP and retrieve version/latency details.",
			InputSchema: targetSchema,
			Annotations: readOnly(),
		},
		{
			Name:        ToolListTools,
			Description: "List target MCP tools across stdio/SSE/HTTP transports.",
			InputSchema: targetSchema,
			Annotations: readOnly(),
		},
		{
			Name:        ToolDescribe,
			Description: "Describe a target MCP tool including schemas and annotations.",
			InputSchema: describeSchema,
			Annotations: readOnly(),
		},
		{
			Name:        ToolCall,
			Description: "Call a target MCP tool via stdio/SSE/HTTP transports.",
			InputSchema: callSchema,
		},
	}
}
