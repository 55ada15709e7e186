package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

// manualClock is a settable clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubSession struct {
	info    ServerInfo
	tools   []ToolDescriptor
	call    func(ctx context.Context, params CallParams) (ToolResult, error)
	events  []StreamEvent
	closed  atomic.Int32
	release chan struct{}
}

func (s *stubSession) ServerInfo() ServerInfo { return s.info }

func (s *stubSession) ListTools(context.Context) ([]ToolDescriptor, error) {
	return s.tools, nil
}

func (s *stubSession) CallTool(ctx context.Context, params CallParams) (ToolResult, error) {
	if s.release != nil {
		<-s.release
	}
	if s.call != nil {
		return s.call(ctx, params)
	}
	return ToolResult{
		Content:           json.RawMessage(`[{"type":"text","text":"ok"}]`),
		StructuredContent: json.RawMessage(`{"echo":` + string(params.Arguments) + `}`),
	}, nil
}

func (s *stubSession) StreamTool(ctx context.Context, params CallParams, onEvent func(StreamEvent)) (ToolResult, error) {
	for _, event := range s.events {
		if onEvent != nil {
			onEvent(event)
		}
	}
	result, err := s.CallTool(ctx, params)
	result.StreamEvents = append([]StreamEvent(nil), s.events...)
	return result, err
}

func (s *stubSession) Close() error {
	s.closed.Add(1)
	return nil
}

type stubTransport struct {
	kind       TransportKind
	session    *stubSession
	connectErr error
	connects   atomic.Int32
}

func (t *stubTransport) Kind() TransportKind { return t.kind }

func (t *stubTransport) Connect(context.Context, Target) (Session, error) {
	t.connects.Add(1)
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.session, nil
}

type stubResolver struct {
	clients map[TransportKind]TransportClient
}

func newStubResolver(clients ...*stubTransport) *stubResolver {
	resolver := &stubResolver{clients: map[TransportKind]TransportClient{}}
	for _, client := range clients {
		resolver.clients[client.kind] = client
	}
	return resolver
}

func (r *stubResolver) Resolve(kind TransportKind) (TransportClient, error) {
	client, ok := r.clients[kind]
	if !ok {
		return nil, NewTransportError("unsupported transport "+quote(string(kind)), nil)
	}
	return client, nil
}

// flakyOutbox fails the first failures appends, then delegates.
type flakyOutbox struct {
	*MemoryOutbox
	mu       sync.Mutex
	failures int
}

func (o *flakyOutbox) Append(ctx context.Context, entry OutboxEntry) error {
	o.mu.Lock()
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return errors.New("disk full")
	}
	o.mu.Unlock()
	return o.MemoryOutbox.Append(ctx, entry)
}

type gaugeSample struct {
	name  string
	value float64
}

type captureMetricsRecorder struct {
	mu       sync.Mutex
	counters []capturedCounter
	gauges   []gaugeSample
	levels   map[string]float64
}

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *captureMetricsRecorder) SetGauge(_ context.Context, name string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = map[string]float64{}
	}
	m.levels[name] = value
	m.gauges = append(m.gauges, gaugeSample{name: name, value: value})
}

func (m *captureMetricsRecorder) AddGauge(_ context.Context, name string, delta float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = map[string]float64{}
	}
	m.levels[name] += delta
}

func (m *captureMetricsRecorder) counterTotal(name string, tags map[string]string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, counter := range m.counters {
		if counter.name != name {
			continue
		}
		matched := true
		for key, value := range tags {
			if counter.tags[key] != value {
				matched = false
				break
			}
		}
		if matched {
			total += counter.value
		}
	}
	return total
}

func (m *captureMetricsRecorder) level(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[name]
}

func stdioTarget() Target {
	return Target{Transport: TransportStdio, Command: "mock-mcp-server"}
}

func boolPtr(value bool) *bool {
	return &value
}

func entriesOfType(entries []OutboxEntry, eventType OutboxEventType) []OutboxEntry {
	var out []OutboxEntry
	for _, entry := range entries {
		if entry.EventType == eventType {
			out = append(out, entry)
		}
	}
	return out
}

// gateOutbox blocks the first append until release is closed.
type gateOutbox struct {
	*MemoryOutbox
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateOutbox() *gateOutbox {
	return &gateOutbox{
		MemoryOutbox: NewMemoryOutbox(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (o *gateOutbox) Append(ctx context.Context, entry OutboxEntry) error {
	first := false
	o.once.Do(func() { first = true })
	if first {
		close(o.entered)
		<-o.release
	}
	return o.MemoryOutbox.Append(ctx, entry)
}
