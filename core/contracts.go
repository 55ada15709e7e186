package core

import (
	"context"
	"encoding/json"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// ProtocolVersion is the MCP revision the inspector negotiates.
const ProtocolVersion = "2025-03-26"

type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

type Operation string

const (
	OperationProbe    Operation = "probe"
	OperationList     Operation = "list"
	OperationDescribe Operation = "describe"
	OperationCall     Operation = "call"
	OperationStream   Operation = "stream"
)

type ServerInfo struct {
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

type ToolDescriptor struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Schema       json.RawMessage  `json:"schema,omitempty"`
	OutputSchema json.RawMessage  `json:"output_schema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// ProbeResult keeps nullable fields as pointers so absent values encode as null.
type ProbeResult struct {
	OK         bool    `json:"ok"`
	Transport  string  `json:"transport"`
	ServerName *string `json:"server_name"`
	Version    *string `json:"version"`
	LatencyMS  *int64  `json:"latency_ms"`
	Error      *string `json:"error"`
}

type DescribeResult struct {
	Tool      ToolDescriptor  `json:"tool"`
	Schema    json.RawMessage `json:"schema"`
	Validated bool            `json:"validated"`
	Issues    []string        `json:"issues,omitempty"`
}

type StreamEventKind string

// A stream is any number of chunk events followed by exactly one final
// event. A failed stream still ends in a final event with Error set.
const (
	StreamEventChunk StreamEventKind = "chunk"
	StreamEventFinal StreamEventKind = "final"
)

type StreamEvent struct {
	Event      StreamEventKind `json:"event"`
	Progress   *float64        `json:"progress,omitempty"`
	Total      *float64        `json:"total,omitempty"`
	Message    string          `json:"message,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ToolResult is the normalized tools/call result every transport returns.
type ToolResult struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	IsError           bool            `json:"is_error"`
	StreamEvents      []StreamEvent   `json:"stream_events,omitempty"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Session is one negotiated connection to a target server.
type Session interface {
	ServerInfo() ServerInfo
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, params CallParams) (ToolResult, error)
	StreamTool(ctx context.Context, params CallParams, onEvent func(StreamEvent)) (ToolResult, error)
	Close() error
}

type TransportClient interface {
	Kind() TransportKind
	Connect(ctx context.Context, target Target) (Session, error)
}

type TransportResolver interface {
	Resolve(kind TransportKind) (TransportClient, error)
}

type SchemaValidator interface {
	ValidateToolSchema(schema json.RawMessage) (bool, []string)
}

// ToolCatalog caches tool listings per target.
type ToolCatalog interface {
	Tools(ctx context.Context, target Target, fetch func(ctx context.Context) ([]ToolDescriptor, error)) ([]ToolDescriptor, error)
}

// Outbox is the durable sink port: append plus read-unacknowledged.
type Outbox interface {
	Append(ctx context.Context, entry OutboxEntry) error
	ReadUndelivered(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, eventIDs ...string) error
}

type OutboxHistory interface {
	Latest(ctx context.Context, eventTypes ...OutboxEventType) (OutboxEntry, bool, error)
}

type OutboxBacklog interface {
	Backlog(ctx context.Context) (int, error)
}

type ReplaySink interface {
	Deliver(ctx context.Context, entry OutboxEntry) error
}

type ReplaySinkFunc func(ctx context.Context, entry OutboxEntry) error

func (fn ReplaySinkFunc) Deliver(ctx context.Context, entry OutboxEntry) error {
	return fn(ctx, entry)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
	SetGauge(ctx context.Context, name string, value float64, tags map[string]string)
	AddGauge(ctx context.Context, name string, delta float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type Clock func() time.Time

// LockWaitObserver receives how long a caller waited for a component mutex.
type LockWaitObserver func(component string, waited time.Duration)

func systemClock() time.Time {
	return time.Now().UTC()
}
