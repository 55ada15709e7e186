package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
)

const ReasonSpawnFailed = "spawn_failed"

// StdioClient spawns the target command and speaks newline-delimited
// JSON-RPC over its stdin and stdout.
type StdioClient struct {
	options Options
}

var _ core.TransportClient = (*StdioClient)(nil)

func NewStdioClient(options Options) *StdioClient {
	return &StdioClient{options: options}
}

func (*StdioClient) Kind() core.TransportKind {
	return core.TransportStdio
}

func (c *StdioClient) Connect(ctx context.Context, target core.Target) (core.Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	argv, err := CommandLine(target)
	if err != nil {
		return nil, err
	}
	options := c.options
	options.Logger = glog.Ensure(options.Logger)

	session, err := establish(ctx, core.TransportStdio, target, options, func(context.Context) (Conn, error) {
		return startProcess(argv, target, options)
	})
	if err != nil {
		return nil, err
	}
	go session.heartbeat(options.HeartbeatInterval, options.HeartbeatMisses)
	return session, nil
}

type processConn struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logger      core.Logger
	killTimeout time.Duration

	// writeSlot serializes frames on stdin; acquiring it honors ctx.
	writeSlot chan struct{}
	frames    chan []byte
	done    chan struct{}

	errOnce   sync.Once
	err       error
	closeOnce sync.Once
}

var _ Conn = (*processConn)(nil)

func startProcess(argv []string, target core.Target, options Options) (*processConn, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = target.Cwd
	cmd.Env = environ(os.Environ(), target.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, externalError(core.TransportStdio, "stdio stdin pipe", err, ReasonSpawnFailed)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, externalError(core.TransportStdio, "stdio stdout pipe", err, ReasonSpawnFailed)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, externalError(core.TransportStdio, "stdio stderr pipe", err, ReasonSpawnFailed)
	}
	if err := cmd.Start(); err != nil {
		return nil, externalError(core.TransportStdio, "failed to spawn "+argv[0], err, ReasonSpawnFailed)
	}

	killTimeout := options.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 2 * time.Second
	}
	maxFrame := options.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 4 << 20
	}
	conn := &processConn{
		cmd:         cmd,
		stdin:       stdin,
		logger:      glog.Ensure(options.Logger),
		killTimeout: killTimeout,
		writeSlot:   make(chan struct{}, 1),
		frames:      make(chan []byte, 64),
		done:        make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	var readErr error
	go func() {
		defer readers.Done()
		readErr = conn.readFrames(stdout, maxFrame)
	}()
	go func() {
		defer readers.Done()
		conn.forwardStderr(stderr)
	}()
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		if readErr != nil {
			conn.finish(readErr)
			return
		}
		if waitErr != nil {
			conn.finish(externalError(core.TransportStdio, "stdio server exited", waitErr, ReasonConnectionClosed))
			return
		}
		conn.finish(externalError(core.TransportStdio, "stdio server exited", io.EOF, ReasonConnectionClosed))
	}()
	return conn, nil
}

// readFrames splits stdout into newline-delimited frames of at most maxFrame
// bytes. An oversized frame ends the connection.
func (c *processConn) readFrames(stdout io.Reader, maxFrame int) error {
	scanner := bufio.NewScanner(stdout)
	initial := 64 << 10
	if initial > maxFrame+1 {
		initial = maxFrame + 1
	}
	scanner.Buffer(make([]byte, initial), maxFrame+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if len(line) > maxFrame {
			return c.oversized(maxFrame)
		}
		frame := append([]byte(nil), line...)
		select {
		case c.frames <- frame:
		case <-c.done:
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return c.oversized(maxFrame)
		}
		return externalError(core.TransportStdio, "stdio read failed", err, ReasonConnectionClosed)
	}
	return nil
}

func (c *processConn) oversized(maxFrame int) error {
	err := externalError(core.TransportStdio, fmt.Sprintf("stdio frame exceeds %d bytes", maxFrame), nil, ReasonFrameTooLarge)
	go c.Close()
	return err
}

func (c *processConn) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			c.logger.Debug("stdio server stderr", "line", string(line))
		}
	}
}

func (c *processConn) finish(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Send writes one frame. The write runs aside so a child that stops reading
// stdin cannot hold the caller past ctx; a frame abandoned half written
// leaves the stream unusable, so the connection is closed.
func (c *processConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	select {
	case c.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return externalError(core.TransportStdio, "stdio write not started", ctx.Err(), "")
	case <-c.done:
		return c.Err()
	}
	written := make(chan error, 1)
	go func() {
		defer func() { <-c.writeSlot }()
		_, err := c.stdin.Write(buf)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			return externalError(core.TransportStdio, "stdio write failed", err, ReasonConnectionClosed)
		}
		return nil
	case <-ctx.Done():
		go c.Close()
		return externalError(core.TransportStdio, "stdio write interrupted", ctx.Err(), ReasonConnectionClosed)
	case <-c.done:
		return c.Err()
	}
}

func (c *processConn) Frames() <-chan []byte {
	return c.frames
}

func (c *processConn) Done() <-chan struct{} {
	return c.done
}

func (c *processConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes stdin and kills the process if it has not exited within the
// kill timeout.
func (c *processConn) Close() error {
	c.closeOnce.Do(func() {
		// Closing the pipe also unblocks a write stuck on a full buffer.
		_ = c.stdin.Close()

		timer := time.NewTimer(c.killTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
			return
		case <-timer.C:
		}
		if c.cmd.Process != nil {
			c.logger.Warn("stdio server ignored stdin close, killing", "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
		}
		select {
		case <-c.done:
		case <-time.After(c.killTimeout):
		}
	})
	return nil
}
