package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/goliatone/go-mcp-inspector/protocol"
)

const maxStdioFrame = 4 << 20

// ServeStdio reads newline-delimited JSON-RPC from r and writes replies to w
// until r reaches EOF or ctx is cancelled. Requests run concurrently.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &lineWriter{w: w}
	notifier := NotifierFunc(func(_ context.Context, method string, params any) error {
		frame, err := encodeNotification(method, params)
		if err != nil {
			return err
		}
		return out.write(frame)
	})

	var inflight sync.WaitGroup
	defer inflight.Wait()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxStdioFrame)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), bytes.TrimSpace(scanner.Bytes())...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return err
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			messages, err := protocol.Decode(line)
			if err != nil {
				reply := protocol.NewErrorResponse(nil, protocol.CodeParseError, err.Error())
				if frame, encErr := protocol.Encode(reply); encErr == nil {
					_ = out.write(frame)
				}
				continue
			}
			for _, message := range messages {
				inflight.Add(1)
				go func(message protocol.Message) {
					defer inflight.Done()
					reply := s.Handle(ctx, message, notifier)
					if reply == nil {
						return
					}
					if frame, err := protocol.Encode(*reply); err == nil {
						_ = out.write(frame)
					}
				}(message)
			}
		}
	}
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}
