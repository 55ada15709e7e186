// Package mcpserver serves MCP tools over stdio, HTTP+SSE and streamable
// HTTP. It backs the mock server used by compliance runs and the inspector's
// own tool server.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

// ErrUnknownTool is returned by handlers for tool names they do not serve.
var ErrUnknownTool = errors.New("mcpserver: unknown tool")

// Call is one tools/call request. Progress is never nil; it drops reports
// when the client did not send a progress token.
type Call struct {
	Name      string
	Arguments json.RawMessage
	Progress  Progress
}

type Handler interface {
	Info() protocol.Implementation
	ListTools(ctx context.Context) ([]protocol.Tool, error)
	CallTool(ctx context.Context, call Call) (protocol.CallToolResult, error)
}

type Progress interface {
	Enabled() bool
	Report(ctx context.Context, progress float64, total *float64, message string) error
}

// Notifier sends a server notification on the transport a session uses.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

type NotifierFunc func(ctx context.Context, method string, params any) error

func (fn NotifierFunc) Notify(ctx context.Context, method string, params any) error {
	return fn(ctx, method, params)
}

type Option func(*Server)

func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		s.logger = glog.Ensure(logger)
	}
}

func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPageSize splits tools/list into pages of size tools.
func WithPageSize(size int) Option {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithInitializedHook runs after the client sends notifications/initialized.
func WithInitializedHook(hook func(ctx context.Context, notifier Notifier)) Option {
	return func(s *Server) {
		s.onInitialized = hook
	}
}

// Server dispatches JSON-RPC messages to a Handler. It is transport
// agnostic and safe for concurrent use.
type Server struct {
	handler       Handler
	logger        core.Logger
	instructions  string
	pageSize      int
	onInitialized func(ctx context.Context, notifier Notifier)
}

func New(handler Handler, opts ...Option) *Server {
	server := &Server{handler: handler, logger: glog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	return server
}

func (s *Server) Handler() Handler {
	return s.handler
}

// Handle processes one message. It returns nil for notifications and
// responses.
func (s *Server) Handle(ctx context.Context, message protocol.Message, notifier Notifier) *protocol.Message {
	if message.IsNotification() {
		if message.Method == protocol.MethodInitialized && s.onInitialized != nil {
			go s.onInitialized(context.WithoutCancel(ctx), notifier)
		}
		return nil
	}
	if !message.IsRequest() {
		return nil
	}

	result, rpcErr := s.dispatch(ctx, message, notifier)
	if rpcErr != nil {
		reply := protocol.NewErrorResponse(message.ID, rpcErr.Code, rpcErr.Message)
		return &reply
	}
	reply, err := protocol.NewResult(message.ID, result)
	if err != nil {
		failed := protocol.NewErrorResponse(message.ID, protocol.CodeInternalError, err.Error())
		return &failed
	}
	return &reply
}

func (s *Server) dispatch(ctx context.Context, message protocol.Message, notifier Notifier) (any, *protocol.Error) {
	switch message.Method {
	case protocol.MethodInitialize:
		return s.initialize(message.Params), nil
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.MethodToolsList:
		return s.listTools(ctx, message.Params)
	case protocol.MethodToolsCall:
		return s.callTool(ctx, message.Params, notifier)
	}
	return nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "method not found: " + message.Method}
}

func (s *Server) initialize(raw json.RawMessage) protocol.InitializeResult {
	var params protocol.InitializeParams
	_ = json.Unmarshal(raw, &params)
	version := params.ProtocolVersion
	if version == "" {
		version = core.ProtocolVersion
	}
	s.logger.Debug("initialize", "client", params.ClientInfo.Name, "protocol_version", version)
	return protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   s.handler.Info(),
		Instructions: s.instructions,
	}
}

func (s *Server) listTools(ctx context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params protocol.ListToolsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
	}
	tools, err := s.handler.ListTools(ctx)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
	if tools == nil {
		tools = []protocol.Tool{}
	}
	if s.pageSize <= 0 {
		return protocol.ListToolsResult{Tools: tools}, nil
	}

	start := 0
	if params.Cursor != "" {
		parsed, err := strconv.Atoi(params.Cursor)
		if err != nil || parsed < 0 || parsed > len(tools) {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid cursor"}
		}
		start = parsed
	}
	end := start + s.pageSize
	if end > len(tools) {
		end = len(tools)
	}
	page := protocol.ListToolsResult{Tools: tools[start:end]}
	if end < len(tools) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage, notifier Notifier) (any, *protocol.Error) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	}
	if params.Name == "" {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "tool name is required"}
	}
	progress := Progress(noProgress{})
	if params.Meta != nil && len(params.Meta.ProgressToken) > 0 && notifier != nil {
		progress = &tokenProgress{token: params.Meta.ProgressToken, notifier: notifier}
	}
	result, err := s.handler.CallTool(ctx, Call{Name: params.Name, Arguments: params.Arguments, Progress: progress})
	if err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
	if len(result.Content) == 0 {
		result.Content = json.RawMessage("[]")
	}
	return result, nil
}

type noProgress struct{}

func (noProgress) Enabled() bool { return false }

func (noProgress) Report(context.Context, float64, *float64, string) error { return nil }

type tokenProgress struct {
	mu       sync.Mutex
	token    json.RawMessage
	notifier Notifier
}

func (p *tokenProgress) Enabled() bool { return true }

func (p *tokenProgress) Report(ctx context.Context, progress float64, total *float64, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifier.Notify(ctx, protocol.MethodProgress, protocol.ProgressParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// encodeNotification renders a notification frame.
func encodeNotification(method string, params any) ([]byte, error) {
	message, err := protocol.NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(message)
}
