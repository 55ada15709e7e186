// Package toolserver exposes the inspector itself as an MCP server so agents
// can probe, list, describe and call other MCP servers through it.
package toolserver

import (
	"context"
	"encoding/json"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/mcpserver"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

const (
	ServerName  = "mcp-inspector"
	ServerTitle = "MCP Inspector"
)

// Inspector is the slice of core.Service the tool server drives.
type Inspector interface {
	Probe(ctx context.Context, target core.Target) (core.ProbeResult, error)
	ListTools(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error)
	Describe(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error)
	Call(ctx context.Context, req core.CallRequest) (core.CallResult, error)
}

var _ Inspector = (*core.Service)(nil)

type Handler struct {
	inspector Inspector
	version   string
	logger    core.Logger
}

var _ mcpserver.Handler = (*Handler)(nil)

type Option func(*Handler)

func WithVersion(version string) Option {
	return func(h *Handler) {
		if version != "" {
			h.version = version
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(h *Handler) {
		h.logger = glog.Ensure(logger)
	}
}

func NewHandler(inspector Inspector, opts ...Option) *Handler {
	handler := &Handler{inspector: inspector, version: "0.1.0", logger: glog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler
}

// New builds the MCP server. Clients get a tools/list_changed notification
// right after initialization so they refresh any stale listing.
func New(inspector Inspector, opts ...Option) *mcpserver.Server {
	handler := NewHandler(inspector, opts...)
	return mcpserver.New(handler,
		mcpserver.WithLogger(handler.logger),
		mcpserver.WithInitializedHook(func(ctx context.Context, notifier mcpserver.Notifier) {
			if notifier == nil {
				return
			}
			if err := notifier.Notify(ctx, protocol.MethodToolsListChanged, nil); err != nil {
				handler.logger.Warn("tools/list_changed notify failed", "error", err.Error())
				return
			}
			handler.logger.Debug("tools/list_changed notified")
		}),
	)
}

func (h *Handler) Info() protocol.Implementation {
	return protocol.Implementation{Name: ServerName, Title: ServerTitle, Version: h.version}
}

func (h *Handler) ListTools(context.Context) ([]protocol.Tool, error) {
	return catalog(), nil
}

// CallTool never fails at the protocol level: business failures come back
// as is_error results carrying {"error": message}.
func (h *Handler) CallTool(ctx context.Context, call mcpserver.Call) (protocol.CallToolResult, error) {
	started := time.Now()
	name, known := aliases[call.Name]
	if !known {
		h.logger.Warn("call_tool unknown tool", "tool_name", call.Name)
		return failure("unknown tool", ""), nil
	}

	result, err := h.dispatch(ctx, name, call)
	if err != nil {
		h.logger.Warn("call_tool returned business error",
			"tool_name", name,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err.Error(),
		)
		return failure(err.Error(), string(core.KindOf(err))), nil
	}
	h.logger.Info("call_tool success", "tool_name", name, "duration_ms", time.Since(started).Milliseconds())
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, name string, call mcpserver.Call) (protocol.CallToolResult, error) {
	switch name {
	case ToolHelp:
		payload, err := HelpPayload(h.version)
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		return structuredRaw(payload, false), nil

	case ToolProbe:
		var args TargetArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return protocol.CallToolResult{}, err
		}
		target, err := args.Target()
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		result, err := h.inspector.Probe(ctx, target)
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		return structured(result, !result.OK)

	case ToolListTools:
		var args TargetArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return protocol.CallToolResult{}, err
		}
		target, err := args.Target()
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		tools, err := h.inspector.ListTools(ctx, target)
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		return structured(map[string]any{"tools": tools}, false)

	case ToolDescribe:
		var args DescribeArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return protocol.CallToolResult{}, err
		}
		target, err := args.Target()
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		result, err := h.inspector.Describe(ctx, target, args.ToolName)
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		return structured(result, false)

	case ToolCall:
		var args CallArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return protocol.CallToolResult{}, err
		}
		result, err := h.inspector.Call(ctx, args.Request())
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return protocol.CallToolResult{}, err
		}
		return protocol.CallToolResult{
			Content:           result.Content,
			StructuredContent: raw,
			IsError:           result.IsError,
		}, nil
	}
	return failure("unknown tool", ""), nil
}

func structured(payload any, isError bool) (protocol.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.CallToolResult{}, err
	}
	return structuredRaw(raw, isError), nil
}

func structuredRaw(raw json.RawMessage, isError bool) protocol.CallToolResult {
	return protocol.CallToolResult{
		Content:           protocol.TextContents(string(raw)),
		StructuredContent: raw,
		IsError:           isError,
	}
}

func failure(message, kind string) protocol.CallToolResult {
	payload := map[string]string{"error": message}
	if kind != "" {
		payload["kind"] = kind
	}
	raw, _ := json.Marshal(payload)
	return structuredRaw(raw, true)
}
