package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-mcp-inspector/protocol"
	"github.com/google/uuid"
)

const (
	headerSessionID     = "Mcp-Session-Id"
	maxQueuedNotices    = 16
	streamableEventType = "message"
)

// StreamableServer implements the streamable HTTP transport on one path.
// Calls carrying a progress token answer with an event stream, everything
// else with a JSON body.
type StreamableServer struct {
	server *Server

	mu       sync.Mutex
	sessions map[string]*httpSession
}

type httpSession struct {
	mu       sync.Mutex
	id       string
	listener chan []byte
	queued   [][]byte
}

// deliver hands a server-initiated frame to the GET stream, queueing a
// bounded backlog until one attaches.
func (s *httpSession) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		select {
		case s.listener <- frame:
			return
		default:
		}
	}
	if len(s.queued) < maxQueuedNotices {
		s.queued = append(s.queued, frame)
	}
}

func (s *Server) StreamableHandler() *StreamableServer {
	return &StreamableServer{server: s, sessions: map[string]*httpSession{}}
}

func (h *StreamableServer) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *StreamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.post(w, r)
	case http.MethodGet:
		h.listen(w, r)
	case http.MethodDelete:
		h.terminate(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StreamableServer) lookup(r *http.Request) (*httpSession, bool) {
	id := strings.TrimSpace(r.Header.Get(headerSessionID))
	if id == "" {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[id]
	return session, ok
}

func (h *StreamableServer) post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages, err := protocol.Decode(body)
	if err != nil {
		writeJSONMessage(w, http.StatusBadRequest, protocol.NewErrorResponse(nil, protocol.CodeParseError, err.Error()))
		return
	}

	session, known := h.lookup(r)
	initializing := len(messages) == 1 && messages[0].Method == protocol.MethodInitialize
	switch {
	case initializing:
		session = &httpSession{id: uuid.NewString()}
		h.mu.Lock()
		h.sessions[session.id] = session
		h.mu.Unlock()
		w.Header().Set(headerSessionID, session.id)
	case r.Header.Get(headerSessionID) != "" && !known:
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	background := NotifierFunc(func(_ context.Context, method string, params any) error {
		if session == nil {
			return nil
		}
		frame, err := encodeNotification(method, params)
		if err != nil {
			return err
		}
		session.deliver(frame)
		return nil
	})

	requests := 0
	for _, message := range messages {
		if message.IsRequest() {
			requests++
		}
	}
	if requests == 0 {
		for _, message := range messages {
			h.server.Handle(r.Context(), message, background)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if wantsStream(messages) {
		h.stream(w, r, messages, background)
		return
	}
	replies := make([]protocol.Message, 0, len(messages))
	for _, message := range messages {
		if reply := h.server.Handle(r.Context(), message, background); reply != nil {
			replies = append(replies, *reply)
		}
	}
	if len(replies) == 1 {
		writeJSONMessage(w, http.StatusOK, replies[0])
		return
	}
	writeJSON(w, http.StatusOK, replies)
}

// stream answers on an event stream so progress notifications for the
// request precede its response.
func (h *StreamableServer) stream(w http.ResponseWriter, r *http.Request, messages []protocol.Message, background Notifier) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	write := func(frame []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "event: %s\n", streamableEventType)
		writeData(w, frame)
		flusher.Flush()
	}
	inline := NotifierFunc(func(_ context.Context, method string, params any) error {
		if method != protocol.MethodProgress {
			return background.Notify(r.Context(), method, params)
		}
		frame, err := encodeNotification(method, params)
		if err != nil {
			return err
		}
		if r.Context().Err() != nil {
			return r.Context().Err()
		}
		write(frame)
		return nil
	})
	for _, message := range messages {
		reply := h.server.Handle(r.Context(), message, inline)
		if reply == nil {
			continue
		}
		if frame, err := protocol.Encode(*reply); err == nil {
			write(frame)
		}
	}
}

func (h *StreamableServer) listen(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(r)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusMethodNotAllowed)
		return
	}
	listener := make(chan []byte, maxQueuedNotices)
	session.mu.Lock()
	if session.listener != nil {
		session.mu.Unlock()
		http.Error(w, "stream already open", http.StatusConflict)
		return
	}
	session.listener = listener
	queued := session.queued
	session.queued = nil
	session.mu.Unlock()
	defer func() {
		session.mu.Lock()
		if session.listener == listener {
			session.listener = nil
		}
		session.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for _, frame := range queued {
		fmt.Fprintf(w, "event: %s\n", streamableEventType)
		writeData(w, frame)
	}
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-listener:
			fmt.Fprintf(w, "event: %s\n", streamableEventType)
			writeData(w, frame)
			flusher.Flush()
		}
	}
}

func (h *StreamableServer) terminate(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(r)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	h.mu.Lock()
	delete(h.sessions, session.id)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func wantsStream(messages []protocol.Message) bool {
	for _, message := range messages {
		if message.Method != protocol.MethodToolsCall {
			continue
		}
		var params protocol.CallToolParams
		if err := json.Unmarshal(message.Params, &params); err != nil {
			continue
		}
		if params.Meta != nil && len(params.Meta.ProgressToken) > 0 {
			return true
		}
	}
	return false
}

func writeJSONMessage(w http.ResponseWriter, status int, message protocol.Message) {
	frame, err := protocol.Encode(message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(frame)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
