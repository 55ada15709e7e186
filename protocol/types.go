package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goliatone/go-mcp-inspector/core"
)

const JSONRPCVersion = "2.0"

const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodProgress         = "notifications/progress"
	MethodCancelled        = "notifications/cancelled"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a request, notification or response. Requests carry an ID and a
// Method, notifications only a Method, responses an ID and Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

func (m Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

func (m Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// IDKey returns a comparable form of the message id. Numeric and string ids
// with the same text are distinct.
func (m Message) IDKey() string {
	return IDKey(m.ID)
}

func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return ""
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return string(trimmed)
	}
	return compacted.String()
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

func NewResult(id json.RawMessage, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: marshal result: %w", err)
	}
	return Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

func NewErrorResponse(id json.RawMessage, code int, message string) Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params: %w", err)
	}
	return raw, nil
}

// Encode renders one message as a single compact JSON line without the
// trailing newline.
func Encode(message Message) ([]byte, error) {
	if message.JSONRPC == "" {
		message.JSONRPC = JSONRPCVersion
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	return raw, nil
}

// Decode parses a frame holding one message or a batch array.
func Decode(frame []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("protocol: empty frame")
	}
	if trimmed[0] == '[' {
		var batch []Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("protocol: decode batch: %w", err)
		}
		return batch, nil
	}
	var message Message
	if err := json.Unmarshal(trimmed, &message); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if message.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("protocol: unsupported jsonrpc version %q", message.JSONRPC)
	}
	return []Message{message}, nil
}

type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type Tool struct {
	Name         string                `json:"name"`
	Description  string                `json:"description,omitempty"`
	InputSchema  json.RawMessage       `json:"inputSchema"`
	OutputSchema json.RawMessage       `json:"outputSchema,omitempty"`
	Annotations  *core.ToolAnnotations `json:"annotations,omitempty"`
}

func (t Tool) Descriptor() core.ToolDescriptor {
	return core.ToolDescriptor{
		Name:         t.Name,
		Description:  t.Description,
		Schema:       t.InputSchema,
		OutputSchema: t.OutputSchema,
		Annotations:  t.Annotations,
	}
}

func ToolFromDescriptor(descriptor core.ToolDescriptor) Tool {
	schema := descriptor.Schema
	if len(bytes.TrimSpace(schema)) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return Tool{
		Name:         descriptor.Name,
		Description:  descriptor.Description,
		InputSchema:  schema,
		OutputSchema: descriptor.OutputSchema,
		Annotations:  descriptor.Annotations,
	}
}

type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type RequestMeta struct {
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

type CallToolResult struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

func (r CallToolResult) ToolResult() core.ToolResult {
	content := r.Content
	if len(bytes.TrimSpace(content)) == 0 || string(bytes.TrimSpace(content)) == "null" {
		content = json.RawMessage("[]")
	}
	return core.ToolResult{
		Content:           content,
		StructuredContent: r.StructuredContent,
		IsError:           r.IsError,
	}
}

type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextContents renders texts as a content array of text blocks.
func TextContents(texts ...string) json.RawMessage {
	blocks := make([]TextContent, 0, len(texts))
	for _, text := range texts {
		blocks = append(blocks, TextContent{Type: "text", Text: text})
	}
	raw, _ := json.Marshal(blocks)
	return raw
}
