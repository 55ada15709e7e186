package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
	"golang.org/x/net/http2"
)

const (
	HeaderSessionID = "Mcp-Session-Id"
)

// HTTPClient speaks the streamable HTTP transport: every message is a POST
// and the answer is either a JSON body or an event stream.
type HTTPClient struct {
	options Options
}

var _ core.TransportClient = (*HTTPClient)(nil)

func NewHTTPClient(options Options) *HTTPClient {
	return &HTTPClient{options: options}
}

func (*HTTPClient) Kind() core.TransportKind {
	return core.TransportHTTP
}

func (c *HTTPClient) Connect(ctx context.Context, target core.Target) (core.Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	options := c.options.withDefaults()
	options.Logger = glog.Ensure(options.Logger)
	session, err := establish(ctx, core.TransportHTTP, target, options, func(context.Context) (Conn, error) {
		return newStreamableConn(target, options), nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// newHTTPClient enables HTTP/2 on the cloned default transport.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	_ = http2.ConfigureTransport(transport)
	return &http.Client{Timeout: timeout, Transport: transport}
}

type streamableConn struct {
	target  core.Target
	options Options
	logger  core.Logger

	root   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string
	listening bool

	streams   sync.WaitGroup
	frames    chan []byte
	done      chan struct{}
	errOnce   sync.Once
	err       error
	closeOnce sync.Once
}

var _ Conn = (*streamableConn)(nil)

func newStreamableConn(target core.Target, options Options) *streamableConn {
	root, cancel := context.WithCancel(context.Background())
	return &streamableConn{
		target:  target,
		options: options,
		logger:  glog.Ensure(options.Logger),
		root:    root,
		cancel:  cancel,
		frames:  make(chan []byte, options.StreamBuffer),
		done:    make(chan struct{}),
	}
}

// SessionID returns the Mcp-Session-Id assigned by the server.
func (c *streamableConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send posts one frame. A JSON answer is read whole within the body limit;
// an event stream is pumped into Frames until it ends or ctx is cancelled.
func (c *streamableConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	reqCtx, cancelReq := context.WithCancel(c.root)
	stop := context.AfterFunc(ctx, cancelReq)
	streaming := false
	defer func() {
		if !streaming {
			stop()
			cancelReq()
		}
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.target.URL, bytes.NewReader(frame))
	if err != nil {
		return core.NewValidationError("invalid http url: " + err.Error())
	}
	c.prepare(req)
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return externalError(core.TransportHTTP, "http post failed", err, "")
	}
	c.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		return nil
	case resp.StatusCode == http.StatusNotFound && c.SessionID() != "":
		_ = resp.Body.Close()
		return externalError(core.TransportHTTP, "http session expired", nil, ReasonConnectionClosed)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return statusError(core.TransportHTTP, "http post", resp.StatusCode, snippet)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		streaming = true
		c.streams.Add(1)
		go func() {
			defer c.streams.Done()
			defer stop()
			defer cancelReq()
			defer resp.Body.Close()
			c.pump(reqCtx, resp.Body)
		}()
		return nil
	default:
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.options.MaxBodyBytes+1))
		if err != nil {
			return externalError(core.TransportHTTP, "http read body failed", err, "")
		}
		if int64(len(body)) > c.options.MaxBodyBytes {
			return externalError(core.TransportHTTP, fmt.Sprintf("http response body exceeds limit of %d bytes", c.options.MaxBodyBytes), nil, ReasonBodyTooLarge)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return c.push(ctx, body)
	}
}

// pump forwards message events. Frames is bounded, so a slow consumer
// stalls the body reader instead of buffering without limit.
func (c *streamableConn) pump(ctx context.Context, body io.Reader) {
	reader := NewEventReader(body, int(c.options.MaxBodyBytes))
	for {
		event, err := reader.Next()
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				c.logger.Debug("http event stream ended", "error", err.Error())
			}
			return
		}
		if event.Type != "message" || strings.TrimSpace(event.Data) == "" {
			continue
		}
		if err := c.push(ctx, []byte(event.Data)); err != nil {
			return
		}
	}
}

func (c *streamableConn) push(ctx context.Context, frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-ctx.Done():
		return externalError(core.TransportHTTP, "http stream cancelled", ctx.Err(), "")
	case <-c.done:
		return c.Err()
	}
}

func (c *streamableConn) prepare(req *http.Request) {
	applyHeaders(req, c.target)
	if id := c.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

func (c *streamableConn) captureSession(resp *http.Response) {
	id := strings.TrimSpace(resp.Header.Get(HeaderSessionID))
	if id == "" {
		return
	}
	c.mu.Lock()
	first := c.sessionID == "" && !c.listening
	c.sessionID = id
	if first {
		c.listening = true
	}
	c.mu.Unlock()
	if first {
		c.streams.Add(1)
		go c.listen()
	}
}

// listen opens the optional GET stream for server-initiated messages such
// as tools/list_changed. Servers answering 405 do not offer one.
func (c *streamableConn) listen() {
	defer c.streams.Done()
	req, err := http.NewRequestWithContext(c.root, http.MethodGet, c.target.URL, nil)
	if err != nil {
		return
	}
	c.prepare(req)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.options.StreamClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType != "text/event-stream" {
		return
	}
	c.pump(c.root, resp.Body)
}

func (c *streamableConn) Frames() <-chan []byte {
	return c.frames
}

func (c *streamableConn) Done() <-chan struct{} {
	return c.done
}

func (c *streamableConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the server session with a DELETE and cancels open streams.
func (c *streamableConn) Close() error {
	c.closeOnce.Do(func() {
		if id := c.SessionID(); id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.target.URL, nil)
			if err == nil {
				c.prepare(req)
				if resp, err := c.options.HTTPClient.Do(req); err == nil {
					_ = resp.Body.Close()
				}
			}
			cancel()
		}
		c.cancel()
		c.errOnce.Do(func() {
			c.err = externalError(core.TransportHTTP, "http session closed", nil, ReasonConnectionClosed)
			close(c.done)
		})
		c.streams.Wait()
	})
	return nil
}
