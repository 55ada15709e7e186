package mcpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-mcp-inspector/protocol"
	"github.com/google/uuid"
)

const maxRequestBody = 10 << 20

// SSEServer implements the HTTP+SSE transport: GET {prefix}/sse opens the
// event stream and announces {prefix}/messages?sessionId=... as the POST
// endpoint.
type SSEServer struct {
	server *Server
	// IDStep is the increment between event ids; zero means 1. Set it
	// before serving.
	IDStep int64

	mu       sync.Mutex
	sessions map[string]*sseSession
}

type sseSession struct {
	id      string
	outbox  chan []byte
	closed  chan struct{}
	once    sync.Once
	eventID int64
}

func (s *sseSession) close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *sseSession) enqueue(ctx context.Context, frame []byte) error {
	select {
	case s.outbox <- frame:
		return nil
	case <-s.closed:
		return fmt.Errorf("mcpserver: sse session %s closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) SSEHandler() *SSEServer {
	return &SSEServer{server: s, sessions: map[string]*sseSession{}}
}

func (h *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sse"):
		h.stream(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
		h.message(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Sessions reports the number of open event streams.
func (h *SSEServer) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// DropStreams closes every open event stream.
func (h *SSEServer) DropStreams() {
	h.mu.Lock()
	sessions := make([]*sseSession, 0, len(h.sessions))
	for id, session := range h.sessions {
		sessions = append(sessions, session)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

func (h *SSEServer) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	session := &sseSession{
		id:     uuid.NewString(),
		outbox: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, session.id)
		h.mu.Unlock()
		session.close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	endpoint := strings.TrimSuffix(r.URL.Path, "/sse") + "/messages?sessionId=" + session.id
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.closed:
			return
		case frame := <-session.outbox:
			step := h.IDStep
			if step <= 0 {
				step = 1
			}
			session.eventID += step
			fmt.Fprintf(w, "event: message\nid: %d\n", session.eventID)
			writeData(w, frame)
			flusher.Flush()
		}
	}
}

func (h *SSEServer) message(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	session := h.sessions[r.URL.Query().Get("sessionId")]
	h.mu.Unlock()
	if session == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages, err := protocol.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	notifier := NotifierFunc(func(ctx context.Context, method string, params any) error {
		frame, err := encodeNotification(method, params)
		if err != nil {
			return err
		}
		return session.enqueue(ctx, frame)
	})
	go func() {
		defer cancel()
		go func() {
			select {
			case <-session.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		for _, message := range messages {
			reply := h.server.Handle(ctx, message, notifier)
			if reply == nil {
				continue
			}
			frame, err := protocol.Encode(*reply)
			if err != nil {
				continue
			}
			_ = session.enqueue(ctx, frame)
		}
	}()
}

// writeData writes one data line per line of frame followed by the blank
// dispatch line.
func writeData(w io.Writer, frame []byte) {
	for _, line := range strings.Split(string(frame), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
