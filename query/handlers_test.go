package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-mcp-inspector/core"
)

func TestProbeQuery_QueryDelegates(t *testing.T) {
	version := "1.0.0"
	called := false
	svc := stubInspector{
		probeFn: func(_ context.Context, target core.Target) (core.ProbeResult, error) {
			called = true
			if target.Command != "mock-mcp-server" {
				t.Fatalf("unexpected probe target: %#v", target)
			}
			return core.ProbeResult{OK: true, Transport: "stdio", Version: &version}, nil
		},
	}

	result, err := NewProbeQuery(svc).Query(context.Background(), ProbeMessage{Target: core.Target{Command: "mock-mcp-server"}})
	if err != nil {
		t.Fatalf("query probe: %v", err)
	}
	if !called {
		t.Fatalf("expected probe invocation")
	}
	if !result.OK || result.Version == nil || *result.Version != version {
		t.Fatalf("unexpected probe result: %#v", result)
	}
}

func TestListToolsQuery_QueryDelegates(t *testing.T) {
	svc := stubInspector{
		listFn: func(_ context.Context, target core.Target) ([]core.ToolDescriptor, error) {
			if target.Kind() != core.TransportSSE {
				t.Fatalf("expected sse target, got %q", target.Transport)
			}
			return []core.ToolDescriptor{{Name: "help"}, {Name: "echo"}}, nil
		},
	}
	tools, err := NewListToolsQuery(svc).Query(context.Background(), ListToolsMessage{
		Target: core.Target{Transport: core.TransportSSE, URL: "http://127.0.0.1:9100/sse"},
	})
	if err != nil {
		t.Fatalf("query list tools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "help" {
		t.Fatalf("unexpected tools: %#v", tools)
	}
}

func TestDescribeQuery_TrimsToolName(t *testing.T) {
	svc := stubInspector{
		describeFn: func(_ context.Context, _ core.Target, toolName string) (core.DescribeResult, error) {
			if toolName != "help" {
				t.Fatalf("expected trimmed tool name, got %q", toolName)
			}
			return core.DescribeResult{Tool: core.ToolDescriptor{Name: toolName}, Validated: true}, nil
		},
	}
	result, err := NewDescribeQuery(svc).Query(context.Background(), DescribeMessage{ToolName: "  help "})
	if err != nil {
		t.Fatalf("query describe: %v", err)
	}
	if result.Tool.Name != "help" || !result.Validated {
		t.Fatalf("unexpected describe result: %#v", result)
	}
}

func TestDescribeQuery_PropagatesError(t *testing.T) {
	expected := errors.New("tool not found")
	svc := stubInspector{
		describeFn: func(context.Context, core.Target, string) (core.DescribeResult, error) {
			return core.DescribeResult{}, expected
		},
	}
	if _, err := NewDescribeQuery(svc).Query(context.Background(), DescribeMessage{ToolName: "nope"}); !errors.Is(err, expected) {
		t.Fatalf("expected describe error, got %v", err)
	}
}

func TestErrorBudgetQuery_ReturnsStatus(t *testing.T) {
	until := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	svc := stubInspector{
		budget: core.ErrorBudgetStatus{Enabled: true, Frozen: true, FrozenUntil: &until, SuccessRate: 0.5, SampleSize: 10, Threshold: 0.9},
	}
	status, err := NewErrorBudgetQuery(svc).Query(context.Background(), ErrorBudgetMessage{})
	if err != nil {
		t.Fatalf("query error budget: %v", err)
	}
	if !status.Frozen || status.FrozenUntil == nil || !status.FrozenUntil.Equal(until) {
		t.Fatalf("unexpected budget status: %#v", status)
	}
}

func TestMessages_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{"probe without command", ProbeMessage{}, false},
		{"probe unknown transport", ProbeMessage{Target: core.Target{Transport: "ws"}}, true},
		{"list http", ListToolsMessage{Target: core.Target{Transport: core.TransportHTTP, URL: "http://127.0.0.1:9101/mcp"}}, false},
		{"list unknown transport", ListToolsMessage{Target: core.Target{Transport: "ws"}}, true},
		{"describe without tool", DescribeMessage{}, true},
		{"describe blank tool", DescribeMessage{ToolName: "   "}, true},
		{"describe", DescribeMessage{ToolName: "help"}, false},
		{"error budget", ErrorBudgetMessage{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

type stubInspector struct {
	probeFn    func(ctx context.Context, target core.Target) (core.ProbeResult, error)
	listFn     func(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error)
	describeFn func(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error)
	budget     core.ErrorBudgetStatus
}

func (s stubInspector) Probe(ctx context.Context, target core.Target) (core.ProbeResult, error) {
	if s.probeFn == nil {
		return core.ProbeResult{}, nil
	}
	return s.probeFn(ctx, target)
}

func (s stubInspector) ListTools(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, target)
}

func (s stubInspector) Describe(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error) {
	if s.describeFn == nil {
		return core.DescribeResult{}, nil
	}
	return s.describeFn(ctx, target, toolName)
}

func (s stubInspector) ErrorBudgetStatus(context.Context) core.ErrorBudgetStatus {
	return s.budget
}
