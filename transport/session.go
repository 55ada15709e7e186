package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

// Conn moves raw JSON-RPC frames. Frames is never closed; Done closes when
// the underlying stream ends and Err reports why.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// resetNotifier is implemented by connections that re-establish their
// stream on their own. endpointChanged reports a fresh server session.
type resetNotifier interface {
	onReset(fn func(endpointChanged bool))
}

type rpcReply struct {
	message protocol.Message
	err     error
}

// Session is a negotiated MCP session over a Conn.
type Session struct {
	kind             core.TransportKind
	conn             Conn
	logger           core.Logger
	requestTimeout   time.Duration
	handshakeTimeout time.Duration

	nextID    atomic.Int64
	streamSeq atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan rpcReply
	progress map[string]func(protocol.ProgressParams)
	info     core.ServerInfo
	tools    []core.ToolDescriptor
	closed   bool
	closeErr error

	listChanged   atomic.Int64
	resets        atomic.Int64
	onListChanged func()

	done      chan struct{}
	closeOnce sync.Once
}

var _ core.Session = (*Session)(nil)

func newSession(kind core.TransportKind, conn Conn, options Options, handshakeTimeout time.Duration) *Session {
	session := &Session{
		kind:             kind,
		conn:             conn,
		logger:           glog.Ensure(options.Logger),
		requestTimeout:   options.RequestTimeout,
		handshakeTimeout: handshakeTimeout,
		pending:          map[string]chan rpcReply{},
		progress:         map[string]func(protocol.ProgressParams){},
		done:             make(chan struct{}),
	}
	if notifier, ok := conn.(resetNotifier); ok {
		notifier.onReset(session.reset)
	}
	go session.readLoop()
	return session
}

func (s *Session) Kind() core.TransportKind {
	return s.kind
}

func (s *Session) ServerInfo() core.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ListChanged counts tools/list_changed notifications received.
func (s *Session) ListChanged() int64 {
	return s.listChanged.Load()
}

// Resets counts stream resets observed on this session.
func (s *Session) Resets() int64 {
	return s.resets.Load()
}

// CachedTools returns the last full listing, nil after a list_changed.
func (s *Session) CachedTools() []core.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ToolDescriptor(nil), s.tools...)
}

func (s *Session) OnListChanged(fn func()) {
	s.mu.Lock()
	s.onListChanged = fn
	s.mu.Unlock()
}

func (s *Session) initialize(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = core.DefaultHandshakeTimeout
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := s.call(handshakeCtx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: core.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      protocol.Implementation{Name: ClientName, Version: ClientVersion},
	})
	if err != nil {
		if errors.Is(handshakeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return handshakeTimeoutError(s.kind, timeout)
		}
		return err
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return externalError(s.kind, "invalid initialize result", err, "")
	}
	if strings.TrimSpace(result.ProtocolVersion) == "" {
		return externalError(s.kind, "server did not negotiate a protocol version", nil, "")
	}

	s.mu.Lock()
	s.info = core.ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	s.mu.Unlock()
	return s.notify(ctx, protocol.MethodInitialized, nil)
}

func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, protocol.MethodPing, struct{}{})
	return err
}

// ListTools follows nextCursor until exhausted.
func (s *Session) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) {
	tools := []core.ToolDescriptor{}
	seen := map[string]struct{}{}
	cursor := ""
	for {
		raw, err := s.call(ctx, protocol.MethodToolsList, protocol.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var page protocol.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, externalError(s.kind, "invalid tools/list result", err, "")
		}
		for _, tool := range page.Tools {
			tools = append(tools, tool.Descriptor())
		}
		if page.NextCursor == "" {
			break
		}
		if _, repeated := seen[page.NextCursor]; repeated {
			return nil, externalError(s.kind, "tools/list repeated cursor "+strconv.Quote(page.NextCursor), nil, "")
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}

	s.mu.Lock()
	s.tools = append([]core.ToolDescriptor(nil), tools...)
	s.mu.Unlock()
	return tools, nil
}

func (s *Session) CallTool(ctx context.Context, params core.CallParams) (core.ToolResult, error) {
	raw, err := s.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      params.Name,
		Arguments: params.Arguments,
	})
	if err != nil {
		return core.ToolResult{}, err
	}
	return s.decodeCallResult(raw)
}

// StreamTool attaches a progress token to the call. Progress notifications
// become chunk events and the response becomes the final event.
func (s *Session) StreamTool(ctx context.Context, params core.CallParams, onEvent func(core.StreamEvent)) (core.ToolResult, error) {
	token := json.RawMessage(strconv.Quote(fmt.Sprintf("stream-%d", s.streamSeq.Add(1))))
	key := protocol.IDKey(token)

	var (
		eventsMu sync.Mutex
		events   []core.StreamEvent
	)
	emit := func(event core.StreamEvent) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
		if onEvent != nil {
			onEvent(event)
		}
	}
	collected := func() []core.StreamEvent {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		return append([]core.StreamEvent(nil), events...)
	}

	s.mu.Lock()
	s.progress[key] = func(progress protocol.ProgressParams) {
		value := progress.Progress
		emit(core.StreamEvent{
			Event:    core.StreamEventChunk,
			Progress: &value,
			Total:    progress.Total,
			Message:  progress.Message,
		})
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.progress, key)
		s.mu.Unlock()
	}()

	raw, err := s.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      params.Name,
		Arguments: params.Arguments,
		Meta:      &protocol.RequestMeta{ProgressToken: token},
	})
	if err != nil {
		emit(core.StreamEvent{Event: core.StreamEventFinal, Error: err.Error()})
		return core.ToolResult{StreamEvents: collected()}, err
	}
	result, err := s.decodeCallResult(raw)
	if err != nil {
		emit(core.StreamEvent{Event: core.StreamEventFinal, Error: err.Error()})
		return core.ToolResult{StreamEvents: collected()}, err
	}
	emit(core.StreamEvent{
		Event:      core.StreamEventFinal,
		Structured: result.StructuredContent,
		Content:    result.Content,
	})
	result.StreamEvents = collected()
	return result, nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.shutdown(externalError(s.kind, "session closed", nil, ReasonConnectionClosed))
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) decodeCallResult(raw json.RawMessage) (core.ToolResult, error) {
	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return core.ToolResult{}, externalError(s.kind, "invalid tools/call result", err, "")
	}
	return result.ToolResult(), nil
}

func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	message, err := protocol.NewRequest(s.nextID.Add(1), method, params)
	if err != nil {
		return nil, core.NewValidationError(err.Error())
	}
	frame, err := protocol.Encode(message)
	if err != nil {
		return nil, core.NewValidationError(err.Error())
	}

	key := message.IDKey()
	reply := make(chan rpcReply, 1)
	s.mu.Lock()
	if s.closed {
		closeErr := s.closeErr
		s.mu.Unlock()
		return nil, closeErr
	}
	s.pending[key] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	started := time.Now()

	if err := s.conn.Send(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(s.kind, method, time.Since(started), ctx.Err())
		}
		var rich *goerrors.Error
		if goerrors.As(err, &rich) {
			return nil, err
		}
		return nil, externalError(s.kind, method+" send failed", err, "")
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		if r.message.Error != nil {
			return nil, transportWrapError(
				r.message.Error,
				goerrors.CategoryExternal,
				fmt.Sprintf("%s %s failed: %s", s.kind, method, r.message.Error.Message),
				http.StatusBadGateway,
				map[string]any{"transport": string(s.kind), "rpc_code": r.message.Error.Code},
			)
		}
		return r.message.Result, nil
	case <-ctx.Done():
		s.cancelRequest(message.ID, ctx.Err())
		return nil, contextError(s.kind, method, time.Since(started), ctx.Err())
	}
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	message, err := protocol.NewNotification(method, params)
	if err != nil {
		return core.NewValidationError(err.Error())
	}
	frame, err := protocol.Encode(message)
	if err != nil {
		return core.NewValidationError(err.Error())
	}
	if err := s.conn.Send(ctx, frame); err != nil {
		return externalError(s.kind, method+" send failed", err, "")
	}
	return nil
}

func (s *Session) cancelRequest(id json.RawMessage, cause error) {
	reason := "request cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.notify(ctx, protocol.MethodCancelled, protocol.CancelledParams{RequestID: id, Reason: reason})
}

func (s *Session) readLoop() {
	frames := s.conn.Frames()
	for {
		select {
		case frame := <-frames:
			s.dispatch(frame)
		case <-s.conn.Done():
			s.drain(frames)
			s.shutdown(externalError(s.kind, "connection closed", s.conn.Err(), ReasonConnectionClosed))
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) drain(frames <-chan []byte) {
	for {
		select {
		case frame := <-frames:
			s.dispatch(frame)
		default:
			return
		}
	}
}

func (s *Session) dispatch(frame []byte) {
	messages, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "transport", string(s.kind), "error", err.Error())
		return
	}
	for _, message := range messages {
		switch {
		case message.IsResponse():
			s.deliver(message)
		case message.IsNotification():
			s.handleNotification(message)
		case message.IsRequest():
			go s.answer(message)
		}
	}
}

func (s *Session) deliver(message protocol.Message) {
	s.mu.Lock()
	reply, ok := s.pending[message.IDKey()]
	if ok {
		delete(s.pending, message.IDKey())
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("dropping response without a pending request", "transport", string(s.kind), "id", message.IDKey())
		return
	}
	reply <- rpcReply{message: message}
}

func (s *Session) handleNotification(message protocol.Message) {
	switch message.Method {
	case protocol.MethodProgress:
		var params protocol.ProgressParams
		if err := json.Unmarshal(message.Params, &params); err != nil {
			return
		}
		s.mu.Lock()
		handler := s.progress[protocol.IDKey(params.ProgressToken)]
		s.mu.Unlock()
		if handler != nil {
			handler(params)
		}
	case protocol.MethodToolsListChanged:
		s.listChanged.Add(1)
		s.mu.Lock()
		s.tools = nil
		handler := s.onListChanged
		s.mu.Unlock()
		if handler != nil {
			handler()
		}
	}
}

// answer replies to server-initiated requests. Only ping is supported.
func (s *Session) answer(request protocol.Message) {
	var reply protocol.Message
	if request.Method == protocol.MethodPing {
		var err error
		reply, err = protocol.NewResult(request.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		reply = protocol.NewErrorResponse(request.ID, protocol.CodeMethodNotFound, "method not found: "+request.Method)
	}
	frame, err := protocol.Encode(reply)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.conn.Send(ctx, frame)
}

// reset fails in-flight requests; a new endpoint also re-runs the
// handshake and a full tools/list resync.
func (s *Session) reset(endpointChanged bool) {
	s.resets.Add(1)
	s.failPending(externalError(s.kind, "stream reset while request was in flight", nil, ReasonStreamReset))
	if !endpointChanged {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout+s.requestTimeout)
		defer cancel()
		if err := s.initialize(ctx, s.handshakeTimeout); err != nil {
			s.logger.Warn("re-handshake after stream reset failed", "transport", string(s.kind), "error", err.Error())
			return
		}
		if _, err := s.ListTools(ctx); err != nil {
			s.logger.Warn("tools resync after stream reset failed", "transport", string(s.kind), "error", err.Error())
		}
	}()
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]chan rpcReply{}
	s.mu.Unlock()
	for _, reply := range pending {
		reply <- rpcReply{err: err}
	}
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	pending := s.pending
	s.pending = map[string]chan rpcReply{}
	s.mu.Unlock()
	for _, reply := range pending {
		reply <- rpcReply{err: err}
	}
}

// heartbeat pings the server every interval and closes the session after
// misses consecutive failures.
func (s *Session) heartbeat(interval time.Duration, misses int) {
	if interval <= 0 {
		return
	}
	if misses <= 0 {
		misses = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-s.done:
			return
		case <-s.conn.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.Ping(ctx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			s.logger.Warn("heartbeat ping failed", "transport", string(s.kind), "missed", missed, "error", err.Error())
			if missed >= misses {
				s.shutdown(externalError(s.kind, fmt.Sprintf("%s heartbeat missed %d times", s.kind, missed), err, ReasonHeartbeatMissed))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// establish dials and handshakes, retrying transient failures.
func establish(ctx context.Context, kind core.TransportKind, target core.Target, options Options, dial func(ctx context.Context) (Conn, error)) (*Session, error) {
	logger := glog.Ensure(options.Logger)
	return retry(ctx, options.ConnectAttempts, options.Backoff, func(ctx context.Context, attempt int) (*Session, error) {
		conn, err := dial(ctx)
		if err != nil {
			logger.Debug("connect attempt failed", "transport", string(kind), "attempt", attempt, "error", err.Error())
			return nil, err
		}
		session := newSession(kind, conn, options, target.HandshakeTimeout())
		if err := session.initialize(ctx, target.HandshakeTimeout()); err != nil {
			_ = session.Close()
			logger.Debug("handshake attempt failed", "transport", string(kind), "attempt", attempt, "error", err.Error())
			return nil, err
		}
		return session, nil
	})
}
