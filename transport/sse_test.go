package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/mockserver"
)

func TestSSEClient_RoundTripAndStream(t *testing.T) {
	server := httptest.NewServer(mockserver.New().SSEHandler())
	defer server.Close()

	session, err := NewSSEClient(testOptions()).Connect(context.Background(), core.Target{
		Transport: core.TransportSSE,
		URL:       server.URL + "/sse",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(context.Background())
	if err != nil || len(tools) != 3 {
		t.Fatalf("list tools: %v %+v", err, tools)
	}

	result, err := session.CallTool(context.Background(), core.CallParams{Name: "add", Arguments: json.RawMessage(`{"values":[2,3]}`)})
	if err != nil {
		t.Fatalf("call add: %v", err)
	}
	if string(result.StructuredContent) != `{"count":2,"sum":5}` {
		t.Fatalf("unexpected add result: %s", result.StructuredContent)
	}

	streamed, err := session.StreamTool(context.Background(), core.CallParams{Name: "help"}, nil)
	if err != nil {
		t.Fatalf("stream help: %v", err)
	}
	if len(streamed.StreamEvents) != 3 || streamed.StreamEvents[2].Event != core.StreamEventFinal {
		t.Fatalf("unexpected stream events: %+v", streamed.StreamEvents)
	}
}

func TestSSEClient_ReconnectResyncsTools(t *testing.T) {
	handler := mockserver.New().SSEHandler()
	server := httptest.NewServer(handler)
	defer server.Close()

	raw, err := NewSSEClient(testOptions()).Connect(context.Background(), core.Target{
		Transport: core.TransportSSE,
		URL:       server.URL + "/sse",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer raw.Close()
	session := raw.(*Session)
	if len(session.CachedTools()) != 0 {
		t.Fatalf("expected no cached tools before listing")
	}

	handler.DropStreams()

	eventually(t, 5*time.Second, func() bool { return session.Resets() == 1 }, "stream reset observed")
	eventually(t, 5*time.Second, func() bool { return len(session.CachedTools()) == 3 }, "tools resynced after reconnect")

	result, err := session.CallTool(context.Background(), core.CallParams{Name: "echo", Arguments: json.RawMessage(`{"text":"again"}`)})
	if err != nil {
		t.Fatalf("call after reconnect: %v", err)
	}
	if string(result.StructuredContent) != `{"echoed":"again"}` {
		t.Fatalf("unexpected echo after reconnect: %s", result.StructuredContent)
	}
}

func TestSSEClient_GappedEventIDsDoNotStall(t *testing.T) {
	handler := mockserver.New().SSEHandler()
	handler.IDStep = 10
	server := httptest.NewServer(handler)
	defer server.Close()

	session, err := NewSSEClient(testOptions()).Connect(context.Background(), core.Target{
		Transport: core.TransportSSE,
		URL:       server.URL + "/sse",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		tools, err := session.ListTools(ctx)
		if err != nil || len(tools) != 3 {
			t.Fatalf("list tools #%d: %v %+v", i, err, tools)
		}
	}
}

// scriptedSSE serves an endpoint event followed by the given chunks, each
// flushed separately with a pause in between, then holds the stream open.
func scriptedSSE(t *testing.T, pause time.Duration, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer cannot flush")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		for _, chunk := range chunks {
			time.Sleep(pause)
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func nextFrame(t *testing.T, conn *sseConn, timeout time.Duration) string {
	t.Helper()
	select {
	case frame := <-conn.Frames():
		return string(frame)
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return ""
	}
}

func TestSSEConn_GapAcrossReadsWaitsForMissingEvent(t *testing.T) {
	server := scriptedSSE(t, 20*time.Millisecond,
		"id: 1\ndata: a\n\n",
		"id: 3\ndata: c\n\n",
		"id: 2\ndata: b\n\n",
	)
	defer server.Close()

	options := testOptions()
	options.ReorderFlush = time.Second
	conn, err := openSSE(context.Background(), core.Target{Transport: core.TransportSSE, URL: server.URL}, options.withDefaults())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, nextFrame(t, conn, 3*time.Second))
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("expected ordered frames, got %v", got)
	}
}

func TestSSEConn_UnfilledGapFlushesAfterGrace(t *testing.T) {
	server := scriptedSSE(t, 0,
		"id: 1\ndata: a\n\n",
		"id: 3\ndata: c\n\n",
	)
	defer server.Close()

	options := testOptions()
	options.ReorderFlush = 100 * time.Millisecond
	conn, err := openSSE(context.Background(), core.Target{Transport: core.TransportSSE, URL: server.URL}, options.withDefaults())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if got := nextFrame(t, conn, 3*time.Second); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
	if got := nextFrame(t, conn, 3*time.Second); got != "c" {
		t.Fatalf("expected held event to be released, got %q", got)
	}
}

func TestSSEClient_RejectsNonStreamResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	_, err := NewSSEClient(testOptions()).Connect(context.Background(), core.Target{Transport: core.TransportSSE, URL: server.URL})
	if err == nil || !strings.Contains(err.Error(), "content type") {
		t.Fatalf("expected content type error, got %v", err)
	}
}

func TestSSEClient_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no such stream", http.StatusUnauthorized)
	}))
	defer server.Close()

	options := testOptions()
	options.ConnectAttempts = 3
	_, err := NewSSEClient(options).Connect(context.Background(), core.Target{Transport: core.TransportSSE, URL: server.URL})
	if core.KindOf(err) != core.ErrorKindValidation {
		t.Fatalf("expected validation kind for 401, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestSSEClient_MissingURL(t *testing.T) {
	_, err := NewSSEClient(testOptions()).Connect(context.Background(), core.Target{Transport: core.TransportSSE})
	if err == nil || !strings.Contains(err.Error(), "missing sse url") {
		t.Fatalf("expected missing sse url, got %v", err)
	}
}

func TestApplyHeaders_AddsBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	applyHeaders(req, core.Target{Headers: map[string]string{" X-Trace ": " abc "}, AuthToken: "secret"})
	if req.Header.Get("X-Trace") != "abc" || req.Header.Get("Authorization") != "Bearer secret" {
		t.Fatalf("unexpected headers: %v", req.Header)
	}
}
