package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
)

const sseEndpointEvent = "endpoint"

// SSEClient speaks the HTTP+SSE transport: a GET event stream announces the
// POST endpoint and carries every server message.
type SSEClient struct {
	options Options
}

var _ core.TransportClient = (*SSEClient)(nil)

func NewSSEClient(options Options) *SSEClient {
	return &SSEClient{options: options}
}

func (*SSEClient) Kind() core.TransportKind {
	return core.TransportSSE
}

func (c *SSEClient) Connect(ctx context.Context, target core.Target) (core.Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(target.URL); err != nil {
		return nil, core.NewValidationError("invalid sse url: " + err.Error())
	}
	options := c.options.withDefaults()
	options.Logger = glog.Ensure(options.Logger)
	session, err := establish(ctx, core.TransportSSE, target, options, func(ctx context.Context) (Conn, error) {
		return openSSE(ctx, target, options)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

type sseConn struct {
	target  core.Target
	options Options
	logger  core.Logger

	streamCtx context.Context
	cancel    context.CancelFunc

	mu               sync.Mutex
	endpoint         string
	lastEventID      string
	awaitingEndpoint bool
	resetFn          func(endpointChanged bool)
	reorder          *reorderBuffer
	flushTimer       *time.Timer
	flushGen         uint64

	// deliverMu keeps released events in order across the reader and the
	// flush timer.
	deliverMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	frames    chan []byte
	done      chan struct{}
	errOnce   sync.Once
	err       error
	closeOnce sync.Once
}

var _ Conn = (*sseConn)(nil)

func openSSE(ctx context.Context, target core.Target, options Options) (*sseConn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	conn := &sseConn{
		target:    target,
		options:   options,
		logger:    glog.Ensure(options.Logger),
		streamCtx: streamCtx,
		cancel:    cancel,
		reorder:   newReorderBuffer(options.ReorderWindow),
		ready:     make(chan struct{}),
		frames:    make(chan []byte, options.StreamBuffer),
		done:      make(chan struct{}),
	}

	body, err := conn.open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go conn.loop(body)

	select {
	case <-conn.ready:
		return conn, nil
	case <-conn.done:
		return nil, conn.Err()
	case <-ctx.Done():
		_ = conn.Close()
		return nil, externalError(core.TransportSSE, "sse connect interrupted before the endpoint event", ctx.Err(), "")
	}
}

// open issues the GET. The request lives on the stream context so it
// outlives the connect context.
func (c *sseConn) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(c.streamCtx, http.MethodGet, c.target.URL, nil)
	if err != nil {
		return nil, core.NewValidationError("invalid sse url: " + err.Error())
	}
	applyHeaders(req, c.target)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, c.cancelIfNotReady)
	defer stop()

	resp, err := c.options.StreamClient.Do(req)
	if err != nil {
		return nil, externalError(core.TransportSSE, "sse connect failed", err, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, statusError(core.TransportSSE, "sse connect", resp.StatusCode, snippet)
	}
	if contentType := resp.Header.Get("Content-Type"); !strings.Contains(contentType, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, externalError(core.TransportSSE, fmt.Sprintf("sse connect returned content type %q", contentType), nil, "")
	}
	return resp.Body, nil
}

func (c *sseConn) cancelIfNotReady() {
	select {
	case <-c.ready:
	default:
		c.cancel()
	}
}

func (c *sseConn) loop(body io.ReadCloser) {
	for {
		err := c.consume(body)
		_ = body.Close()
		if c.streamCtx.Err() != nil {
			c.finish(externalError(core.TransportSSE, "sse stream closed", nil, ReasonConnectionClosed))
			return
		}
		select {
		case <-c.ready:
		default:
			c.finish(externalError(core.TransportSSE, "sse stream ended before the endpoint event", err, ""))
			return
		}
		c.logger.Warn("sse stream dropped, reconnecting", "error", errString(err))

		c.mu.Lock()
		c.awaitingEndpoint = true
		c.mu.Unlock()
		body, err = retry(c.streamCtx, 1<<20, c.options.Backoff, func(ctx context.Context, _ int) (io.ReadCloser, error) {
			return c.open(ctx)
		})
		if err != nil {
			c.finish(externalError(core.TransportSSE, "sse reconnect failed", err, ReasonStreamReset))
			return
		}
	}
}

func (c *sseConn) consume(body io.Reader) error {
	reader := NewEventReader(body, int(c.options.MaxBodyBytes))
	for {
		event, err := reader.Next()
		if err != nil {
			return err
		}
		if event.ID != "" {
			c.mu.Lock()
			c.lastEventID = event.ID
			c.mu.Unlock()
		}
		switch event.Type {
		case sseEndpointEvent:
			if err := c.handleEndpoint(event.Data); err != nil {
				return err
			}
		case "message":
			c.deliverMu.Lock()
			c.mu.Lock()
			released := c.reorder.Push(event)
			c.scheduleFlushLocked(reader.Ready())
			c.mu.Unlock()
			err := c.deliver(released)
			c.deliverMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// scheduleFlushLocked arms the flush timer when a gap is open and nothing
// more is readable, and disarms it once the gap closes. c.mu must be held.
func (c *sseConn) scheduleFlushLocked(more bool) {
	switch {
	case c.reorder.Pending() == 0:
		if c.flushTimer != nil {
			c.flushTimer.Stop()
			c.flushTimer = nil
			c.flushGen++
		}
	case !more && c.flushTimer == nil:
		gen := c.flushGen
		c.flushTimer = time.AfterFunc(c.options.ReorderFlush, func() { c.flushHeld(gen) })
	}
}

func (c *sseConn) flushHeld(gen uint64) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if gen != c.flushGen {
		c.mu.Unlock()
		return
	}
	c.flushTimer = nil
	c.flushGen++
	released := c.reorder.Flush()
	c.mu.Unlock()
	if len(released) > 0 {
		c.logger.Debug("sse gap not filled, releasing held events", "count", len(released))
	}
	_ = c.deliver(released)
}

func (c *sseConn) deliver(events []Event) error {
	for _, event := range events {
		select {
		case c.frames <- []byte(event.Data):
		case <-c.streamCtx.Done():
			return c.streamCtx.Err()
		}
	}
	return nil
}

func (c *sseConn) handleEndpoint(raw string) error {
	base, err := url.Parse(c.target.URL)
	if err != nil {
		return err
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return externalError(core.TransportSSE, "invalid sse endpoint "+raw, err, "")
	}
	endpoint := base.ResolveReference(ref).String()

	c.mu.Lock()
	previous := c.endpoint
	reconnected := c.awaitingEndpoint
	c.endpoint = endpoint
	c.awaitingEndpoint = false
	changed := reconnected && previous != endpoint
	if changed {
		c.reorder.Reset()
		c.scheduleFlushLocked(true)
	}
	resetFn := c.resetFn
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	if reconnected && resetFn != nil {
		resetFn(changed)
	}
	return nil
}

func (c *sseConn) onReset(fn func(endpointChanged bool)) {
	c.mu.Lock()
	c.resetFn = fn
	c.mu.Unlock()
}

func (c *sseConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()
	if endpoint == "" {
		return externalError(core.TransportSSE, "sse endpoint not announced yet", nil, "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return externalError(core.TransportSSE, "sse post request", err, "")
	}
	applyHeaders(req, c.target)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return externalError(core.TransportSSE, "sse post failed", err, "")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(core.TransportSSE, "sse post", resp.StatusCode, readSnippet(resp.Body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.options.MaxBodyBytes))
	return nil
}

func (c *sseConn) Frames() <-chan []byte {
	return c.frames
}

func (c *sseConn) Done() <-chan struct{} {
	return c.done
}

func (c *sseConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *sseConn) finish(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.reorder.Reset()
		c.scheduleFlushLocked(true)
		c.mu.Unlock()
		c.finish(externalError(core.TransportSSE, "sse stream closed", nil, ReasonConnectionClosed))
	})
	return nil
}

func applyHeaders(req *http.Request, target core.Target) {
	for key, value := range target.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if token := strings.TrimSpace(target.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func readSnippet(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 512))
	return strings.TrimSpace(string(raw))
}

func statusError(kind core.TransportKind, operation string, status int, snippet string) error {
	message := fmt.Sprintf("%s returned status %d", operation, status)
	if snippet != "" {
		message += ": " + snippet
	}
	metadata := map[string]any{"transport": string(kind), "status": status}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		metadata["reason"] = "rejected"
		return transportError(message, goerrors.CategoryBadInput, status, metadata)
	}
	return transportError(message, goerrors.CategoryExternal, http.StatusBadGateway, metadata)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
