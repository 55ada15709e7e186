package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/mockserver"
	"github.com/goliatone/go-mcp-inspector/protocol"
)

const mockModeEnv = "INSPECTOR_TRANSPORT_TEST_SERVER"

// TestMain lets the test binary double as the stdio mock server.
func TestMain(m *testing.M) {
	switch os.Getenv(mockModeEnv) {
	case "mock":
		_ = mockserver.New().ServeStdio(context.Background(), os.Stdin, os.Stdout)
		os.Exit(0)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case "crash":
		os.Exit(3)
	case "stall":
		stallAfterHandshake()
	}
	os.Exit(m.Run())
}

// stallAfterHandshake answers initialize, then stops reading stdin and
// ignores its closure.
func stallAfterHandshake() {
	line, _ := bufio.NewReader(os.Stdin).ReadBytes('\n')
	messages, _ := protocol.Decode(line)
	server := mockserver.New()
	for _, message := range messages {
		if reply := server.Handle(context.Background(), message, nil); reply != nil {
			frame, _ := protocol.Encode(*reply)
			_, _ = os.Stdout.Write(append(frame, '\n'))
		}
	}
	time.Sleep(time.Hour)
	os.Exit(0)
}

func mockStdioTarget(mode string) core.Target {
	return core.Target{
		Transport: core.TransportStdio,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{mockModeEnv: mode},
	}
}

func testOptions() Options {
	options := DefaultOptions()
	options.ConnectAttempts = 1
	options.Backoff.InitialDelay = 10 * time.Millisecond
	options.Backoff.MaxDelay = 50 * time.Millisecond
	options.Backoff.Jitter = 0
	options.Backoff.RetryWindow = 5 * time.Second
	options.RequestTimeout = 5 * time.Second
	options.HeartbeatInterval = 0
	options.KillTimeout = time.Second
	return options
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}
