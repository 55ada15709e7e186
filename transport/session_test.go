package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

// fakeConn is driven by the test acting as the server.
type fakeConn struct {
	sent   chan protocol.Message
	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	err       error
	resetFn   func(bool)
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan protocol.Message, 16),
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, frame []byte) error {
	messages, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	for _, message := range messages {
		c.sent <- message
	}
	return nil
}

func (c *fakeConn) Frames() <-chan []byte { return c.frames }

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.drop(errors.New("closed"))
	return nil
}

func (c *fakeConn) onReset(fn func(bool)) {
	c.mu.Lock()
	c.resetFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) drop(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) push(t *testing.T, message protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(message)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.frames <- frame
}

func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case message := <-c.sent:
		return message
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a client frame")
		return protocol.Message{}
	}
}

func newTestSession(conn Conn) *Session {
	options := testOptions()
	return newSession(core.TransportHTTP, conn, options, time.Second)
}

func TestSession_RoutesProgressToStream(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)
	defer session.Close()

	type outcome struct {
		result core.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := session.StreamTool(context.Background(), core.CallParams{Name: "slow"}, nil)
		done <- outcome{result, err}
	}()

	request := conn.next(t)
	var params protocol.CallToolParams
	if err := json.Unmarshal(request.Params, &params); err != nil || params.Meta == nil {
		t.Fatalf("expected a progress token on the call: %s", request.Params)
	}
	progress, _ := protocol.NewNotification(protocol.MethodProgress, protocol.ProgressParams{
		ProgressToken: params.Meta.ProgressToken,
		Progress:      0.5,
		Message:       "half",
	})
	conn.push(t, progress)
	reply, _ := protocol.NewResult(request.ID, protocol.CallToolResult{StructuredContent: json.RawMessage(`{"ok":true}`)})
	conn.push(t, reply)

	got := <-done
	if got.err != nil {
		t.Fatalf("stream: %v", got.err)
	}
	events := got.result.StreamEvents
	if len(events) != 2 || events[0].Message != "half" || events[1].Event != core.StreamEventFinal {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSession_FailedStreamEndsWithFinalError(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)

	type outcome struct {
		result core.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := session.StreamTool(context.Background(), core.CallParams{Name: "broken"}, nil)
		done <- outcome{result, err}
	}()

	request := conn.next(t)
	conn.push(t, protocol.NewErrorResponse(request.ID, protocol.CodeInternalError, "tool exploded"))

	got := <-done
	if got.err == nil {
		t.Fatalf("expected stream failure")
	}
	events := got.result.StreamEvents
	if len(events) != 1 || events[0].Event != core.StreamEventFinal || !strings.Contains(events[0].Error, "tool exploded") {
		t.Fatalf("expected a single final event carrying the error, got %+v", events)
	}
}

func TestSession_ConnectionLossFailsPending(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)

	errs := make(chan error, 1)
	go func() {
		_, err := session.CallTool(context.Background(), core.CallParams{Name: "echo"})
		errs <- err
	}()
	conn.next(t)
	conn.drop(errors.New("eof"))

	select {
	case err := <-errs:
		if core.KindOf(err) != core.ErrorKindTransport || ReasonOf(err) != ReasonConnectionClosed {
			t.Fatalf("expected connection closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call was not failed")
	}

	if _, err := session.CallTool(context.Background(), core.CallParams{Name: "echo"}); ReasonOf(err) != ReasonConnectionClosed {
		t.Fatalf("expected calls after close to fail fast, got %v", err)
	}
}

func TestSession_ResetFailsInFlightWithStreamReset(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)
	defer session.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := session.CallTool(context.Background(), core.CallParams{Name: "echo"})
		errs <- err
	}()
	conn.next(t)

	conn.mu.Lock()
	reset := conn.resetFn
	conn.mu.Unlock()
	reset(false)

	if err := <-errs; ReasonOf(err) != ReasonStreamReset {
		t.Fatalf("expected stream reset, got %v", err)
	}
	if session.Resets() != 1 {
		t.Fatalf("expected one reset, got %d", session.Resets())
	}
}

func TestSession_AnswersServerPingAndCountsListChanged(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)
	defer session.Close()

	changed := make(chan struct{}, 1)
	session.OnListChanged(func() { changed <- struct{}{} })

	ping, _ := protocol.NewRequest(42, protocol.MethodPing, nil)
	conn.push(t, ping)
	answer := conn.next(t)
	if !answer.IsResponse() || answer.IDKey() != "42" || answer.Error != nil {
		t.Fatalf("expected a ping result, got %+v", answer)
	}

	notice, _ := protocol.NewNotification(protocol.MethodToolsListChanged, nil)
	conn.push(t, notice)
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected list_changed callback")
	}
	if session.ListChanged() != 1 {
		t.Fatalf("expected one list_changed, got %d", session.ListChanged())
	}
}

func TestSession_RPCErrorKeepsCode(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)
	defer session.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := session.ListTools(context.Background())
		errs <- err
	}()
	request := conn.next(t)
	conn.push(t, protocol.NewErrorResponse(request.ID, protocol.CodeInternalError, "exploded"))

	err := <-errs
	if core.KindOf(err) != core.ErrorKindTransport {
		t.Fatalf("expected transport kind, got %v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata["rpc_code"] != protocol.CodeInternalError {
		t.Fatalf("expected rpc_code metadata, got %v", err)
	}
}

func TestSession_InitializeRequiresProtocolVersion(t *testing.T) {
	conn := newFakeConn()
	session := newTestSession(conn)
	defer session.Close()

	errs := make(chan error, 1)
	go func() { errs <- session.initialize(context.Background(), time.Second) }()
	request := conn.next(t)
	if request.Method != protocol.MethodInitialize {
		t.Fatalf("expected initialize, got %s", request.Method)
	}
	reply, _ := protocol.NewResult(request.ID, protocol.InitializeResult{ServerInfo: protocol.Implementation{Name: "x"}})
	conn.push(t, reply)

	if err := <-errs; err == nil {
		t.Fatalf("expected an error for a missing protocol version")
	}
}
