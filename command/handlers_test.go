package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mcp-inspector/core"
)

func TestCallCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	called := false
	svc := stubCallService{
		callFn: func(_ context.Context, req core.CallRequest) (core.CallResult, error) {
			called = true
			if req.ToolName != "help" || req.IdempotencyKey != "k1" {
				t.Fatalf("unexpected call request: %#v", req)
			}
			return core.CallResult{Content: json.RawMessage(`[{"type":"text","text":"ok"}]`)}, nil
		},
	}

	cmd := NewCallCommand(svc)
	collector := gocmd.NewResult[core.CallResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, CallMessage{Request: core.CallRequest{
		Target:         core.Target{Command: "mock-mcp-server"},
		ToolName:       "help",
		IdempotencyKey: "k1",
	}})
	if err != nil {
		t.Fatalf("execute call: %v", err)
	}
	if !called {
		t.Fatalf("expected call service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if string(result.Content) != `[{"type":"text","text":"ok"}]` {
		t.Fatalf("unexpected result content: %s", result.Content)
	}
}

func TestCallCommand_StoresToolErrorResults(t *testing.T) {
	svc := stubCallService{
		callFn: func(context.Context, core.CallRequest) (core.CallResult, error) {
			return core.CallResult{IsError: true, StructuredContent: json.RawMessage(`{"error":"boom","kind":"transport"}`)}, nil
		},
	}
	collector := gocmd.NewResult[core.CallResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewCallCommand(svc).Execute(ctx, CallMessage{Request: core.CallRequest{ToolName: "help"}}); err != nil {
		t.Fatalf("expected is_error result without command error, got %v", err)
	}
	result, ok := collector.Load()
	if !ok || !result.IsError {
		t.Fatalf("expected stored is_error result, got %#v", result)
	}
}

func TestCallCommand_PropagatesServiceError(t *testing.T) {
	expected := errors.New("conflict")
	svc := stubCallService{
		callFn: func(context.Context, core.CallRequest) (core.CallResult, error) {
			return core.CallResult{}, expected
		},
	}
	collector := gocmd.NewResult[core.CallResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewCallCommand(svc).Execute(ctx, CallMessage{Request: core.CallRequest{ToolName: "help"}})
	if !errors.Is(err, expected) {
		t.Fatalf("expected service error, got %v", err)
	}
	if _, ok := collector.Load(); ok {
		t.Fatalf("expected no result on error")
	}
}

func TestReaperSweepCommand_StoresStats(t *testing.T) {
	sweeper := stubSweeper{stats: core.SweepStats{Reaped: 2, Retried: 1}}
	collector := gocmd.NewResult[core.SweepStats]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewReaperSweepCommand(&sweeper).Execute(ctx, ReaperSweepMessage{}); err != nil {
		t.Fatalf("execute sweep: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
	stats, ok := collector.Load()
	if !ok || stats.Reaped != 2 || stats.Retried != 1 {
		t.Fatalf("unexpected sweep stats: %#v", stats)
	}
}

func TestReaperSweepCommand_KeepsPartialStatsOnError(t *testing.T) {
	expected := errors.New("outbox down")
	sweeper := stubSweeper{stats: core.SweepStats{Reaped: 1, Failed: 1}, err: expected}
	collector := gocmd.NewResult[core.SweepStats]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewReaperSweepCommand(&sweeper).Execute(ctx, ReaperSweepMessage{})
	if !errors.Is(err, expected) {
		t.Fatalf("expected sweep error, got %v", err)
	}
	stats, ok := collector.Load()
	if !ok || stats.Failed != 1 {
		t.Fatalf("expected partial stats, got %#v", stats)
	}
}

func TestOutboxReplayCommand_PassesBatchSize(t *testing.T) {
	replayer := stubReplayer{stats: core.DispatchStats{Claimed: 3, Delivered: 3}}
	collector := gocmd.NewResult[core.DispatchStats]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewOutboxReplayCommand(&replayer).Execute(ctx, OutboxReplayMessage{BatchSize: 3}); err != nil {
		t.Fatalf("execute replay: %v", err)
	}
	if replayer.batchSize != 3 {
		t.Fatalf("expected batch size 3, got %d", replayer.batchSize)
	}
	stats, ok := collector.Load()
	if !ok || stats.Delivered != 3 {
		t.Fatalf("unexpected dispatch stats: %#v", stats)
	}
}

func TestMessages_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{"call without tool", CallMessage{}, true},
		{"call with unknown transport", CallMessage{Request: core.CallRequest{ToolName: "help", Target: core.Target{Transport: "carrier-pigeon"}}}, true},
		{"call with tool", CallMessage{Request: core.CallRequest{ToolName: "help"}}, false},
		{"call over sse", CallMessage{Request: core.CallRequest{ToolName: "help", Target: core.Target{Transport: core.TransportSSE, URL: "http://127.0.0.1:9100/sse"}}}, false},
		{"sweep", ReaperSweepMessage{}, false},
		{"replay negative batch", OutboxReplayMessage{BatchSize: -1}, true},
		{"replay default batch", OutboxReplayMessage{}, false},
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

func TestMessageTypes(t *testing.T) {
	if (CallMessage{}).Type() != "inspector.command.call" {
		t.Fatalf("unexpected call type")
	}
	if (ReaperSweepMessage{}).Type() != "inspector.command.reaper.sweep" {
		t.Fatalf("unexpected sweep type")
	}
	if (OutboxReplayMessage{}).Type() != "inspector.command.outbox.replay" {
		t.Fatalf("unexpected replay type")
	}
}

type stubCallService struct {
	callFn func(ctx context.Context, req core.CallRequest) (core.CallResult, error)
}

func (s stubCallService) Call(ctx context.Context, req core.CallRequest) (core.CallResult, error) {
	if s.callFn == nil {
		return core.CallResult{}, nil
	}
	return s.callFn(ctx, req)
}

type stubSweeper struct {
	stats core.SweepStats
	err   error
	calls int
}

func (s *stubSweeper) Sweep(context.Context) (core.SweepStats, error) {
	s.calls++
	return s.stats, s.err
}

type stubReplayer struct {
	stats     core.DispatchStats
	err       error
	batchSize int
}

func (s *stubReplayer) DispatchPending(_ context.Context, batchSize int) (core.DispatchStats, error) {
	s.batchSize = batchSize
	return s.stats, s.err
}
