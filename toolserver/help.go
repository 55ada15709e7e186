package toolserver

import (
	"encoding/json"
)

// helpSections is written one JSON object per line so agents can stream it.
func helpSections(version string) []map[string]any {
	return []map[string]any{
		{
			"section": "server",
			"name":    ServerName,
			"version": version,
			"protocol": map[string]any{
				"name":    "MCP",
				"version": "2025-03-26",
			},
			"transports": []string{"stdio"},
		},
		{
			"section": "tldr",
			"steps": []string{
				"1) help -> review examples",
				"2) inspector_probe (stdio|sse|http)",
				"3) inspector_list_tools / inspector_describe (stdio|sse|http)",
				"4) inspector_call (stdio|sse|http, pass idempotency_key to dedupe)",
			},
		},
		{
			"section": "quick_start",
			"examples": []map[string]any{
				{"tool": ToolProbe, "arguments": map[string]any{"transport": "stdio", "command": "uvx", "args": []string{"mcp-server-git"}}, "expect": map[string]any{"ok": true}},
				{"tool": ToolListTools, "arguments": map[string]any{"command": "uvx mcp-server-git"}, "expect": map[string]any{"tools_min": 1}},
				{"tool": ToolDescribe, "arguments": map[string]any{"transport": "http", "url": "http://127.0.0.1:9101/mcp", "tool_name": "echo"}, "expect": map[string]any{"validated": true}},
				{"tool": ToolCall, "env": map[string]string{"INSPECTOR_STDIO_CMD": "uvx mcp-server-git"}, "arguments": map[string]any{"tool_name": "git_status", "arguments_json": map[string]any{"repo_path": "."}}, "expect": map[string]any{"structured_or_text": true}},
			},
		},
		{
			"section": "constraints",
			"tools": map[string]any{
				ToolProbe:     map[string]any{"transports": []string{"stdio", "sse", "http"}, "stdio_fallback": false},
				ToolListTools: map[string]any{"transports": []string{"stdio", "sse", "http"}, "stdio_fallback": true},
				ToolDescribe:  map[string]any{"transports": []string{"stdio", "sse", "http"}, "stdio_fallback": true},
				ToolCall:      map[string]any{"transports": []string{"stdio", "sse", "http"}, "target_priority": []string{"stdio", "sse", "http", "INSPECTOR_STDIO_CMD"}},
			},
		},
		{
			"section": "env",
			"variables": map[string]any{
				"INSPECTOR_STDIO_CMD":            map[string]any{"used_by": []string{ToolListTools, ToolDescribe, ToolCall}, "format": "<command> [args...]"},
				"IDEMPOTENCY_CONFLICT_POLICY":    map[string]any{"values": []string{"return_existing", "wait", "409", "conflict_409", "conflict", "reject"}, "default": "reject"},
				"OUTBOX_PATH":                    map[string]any{"default": "data/outbox/events.jsonl"},
				"OUTBOX_DLQ_PATH":                map[string]any{"default": "data/outbox/dlq.jsonl"},
				"OUTBOX_DB_PATH":                 map[string]any{"default": nil, "note": "switches the outbox to sqlite"},
				"ERROR_BUDGET_ENABLED":           map[string]any{"default": false},
				"ERROR_BUDGET_SUCCESS_THRESHOLD": map[string]any{"default": 0.8},
				"METRICS_ADDR":                   map[string]any{"default": nil, "example": "127.0.0.1:9464"},
			},
		},
		{
			"section": "tools",
			"tools": map[string]any{
				ToolHelp:      map[string]any{"purpose": "Return this reference manual.", "returns": "jsonl sections"},
				ToolProbe:     map[string]any{"purpose": "Check connectivity to a target MCP and capture version/latency.", "returns": map[string]string{"ok": "bool", "transport": "string", "server_name": "string|null", "version": "string|null", "latency_ms": "integer|null", "error": "string|null"}},
				ToolListTools: map[string]any{"purpose": "List tools exposed by the target MCP.", "returns": map[string]string{"tools": "array<Tool>"}},
				ToolDescribe:  map[string]any{"purpose": "Describe one tool and validate its input schema.", "returns": map[string]string{"tool": "Tool", "schema": "object", "validated": "bool", "issues": "array<string>"}},
				ToolCall:      map[string]any{"purpose": "Invoke a tool on the target MCP with idempotency and outbox tracing.", "returns": map[string]string{"content": "array<Content>", "structured_content": "object|null", "is_error": "bool", "trace": "object"}},
			},
		},
		{
			"section": "notes",
			"notes": map[string]string{
				"http_auth":   "HTTP and SSE transports send auth_token as a Bearer Authorization header.",
				"idempotency": "Repeated calls with the same idempotency_key replay the first result.",
				"streaming":   "stream=true collects progress notifications as trace.stream_events.",
			},
		},
		{
			"section": "errors",
			"errors": []map[string]string{
				{"code": "MISSING_COMMAND", "tool": ToolListTools, "reason": "command was not provided", "action": "Pass command (and args if needed)"},
				{"code": "MISSING_STDIO_CMD", "tool": ToolCall, "reason": "INSPECTOR_STDIO_CMD not set", "action": "Export the environment variable or provide a target override"},
				{"code": "INSPECTOR_CONFLICT", "tool": ToolCall, "reason": "idempotency key is in flight", "action": "Retry later or use IDEMPOTENCY_CONFLICT_POLICY=wait"},
				{"code": "ERROR_BUDGET_EXHAUSTED", "tool": ToolCall, "reason": "success rate fell under the threshold", "action": "Wait for frozen_until"},
				{"code": "UNKNOWN_TOOL", "tool": "*", "reason": "Requested tool is not registered", "action": "Use help or inspector_list_tools"},
			},
		},
	}
}

// HelpPayload renders the manual as {"format":"jsonl","lines":[...]}.
func HelpPayload(version string) (json.RawMessage, error) {
	sections := helpSections(version)
	lines := make([]string, 0, len(sections))
	for _, section := range sections {
		line, err := json.Marshal(section)
		if err != nil {
			return nil, err
		}
		lines = append(lines, string(line))
	}
	return json.Marshal(map[string]any{"format": "jsonl", "lines": lines})
}
