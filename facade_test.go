package inspector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/goliatone/go-mcp-inspector/adapters/gocommand"
	inspectorcommand "github.com/goliatone/go-mcp-inspector/command"
	"github.com/goliatone/go-mcp-inspector/core"
	inspectorquery "github.com/goliatone/go-mcp-inspector/query"
)

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, err := NewFacade(&stubFacadeService{}, WithSweeper(&stubFacadeSweeper{}))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.Call == nil || commands.ReaperSweep == nil || commands.OutboxReplay == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.Probe == nil || queries.ListTools == nil || queries.Describe == nil || queries.ErrorBudget == nil {
		t.Fatalf("expected query handlers to be wired")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	if err := facade.Commands().Call.Execute(context.Background(), inspectorcommand.CallMessage{
		Request: core.CallRequest{ToolName: "help", IdempotencyKey: "k1"},
	}); err != nil {
		t.Fatalf("execute call command: %v", err)
	}
	if svc.lastToolName != "help" || svc.lastKey != "k1" {
		t.Fatalf("unexpected call delegation payload")
	}

	result, err := facade.Queries().Describe.Query(context.Background(), inspectorquery.DescribeMessage{ToolName: "help"})
	if err != nil {
		t.Fatalf("query describe: %v", err)
	}
	if result.Tool.Name != "help" {
		t.Fatalf("unexpected describe result: %#v", result)
	}
}

func TestFacade_DispatchesThroughRegistry(t *testing.T) {
	svc := &stubFacadeService{}
	sweeper := &stubFacadeSweeper{stats: core.SweepStats{Reaped: 1}}
	facade, err := NewFacade(svc, WithSweeper(sweeper))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	adapter := gocommand.NewRegistryAdapter(nil)
	if err := facade.Register(adapter); err != nil {
		t.Fatalf("register facade: %v", err)
	}
	defer facade.Close()

	if got := len(adapter.Types()); got != 7 {
		t.Fatalf("expected 7 bound message types, got %d", got)
	}
	if err := facade.Register(adapter); err == nil {
		t.Fatalf("expected second register to fail")
	}

	ctx := context.Background()
	callResult, err := facade.Call(ctx, core.CallRequest{ToolName: "echo"})
	if err != nil {
		t.Fatalf("dispatch call: %v", err)
	}
	if string(callResult.Content) != `[{"type":"text","text":"echo"}]` {
		t.Fatalf("unexpected call result: %s", callResult.Content)
	}

	probe, err := facade.Probe(ctx, core.Target{Command: "mock-mcp-server"})
	if err != nil {
		t.Fatalf("query probe: %v", err)
	}
	if !probe.OK {
		t.Fatalf("expected ok probe, got %#v", probe)
	}

	tools, err := facade.ListTools(ctx, core.Target{Command: "mock-mcp-server"})
	if err != nil {
		t.Fatalf("query list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "help" {
		t.Fatalf("unexpected tools: %#v", tools)
	}

	if _, err := facade.Describe(ctx, core.Target{}, ""); err == nil {
		t.Fatalf("expected describe validation error")
	}

	stats, err := facade.Sweep(ctx)
	if err != nil {
		t.Fatalf("dispatch sweep: %v", err)
	}
	if stats.Reaped != 1 || sweeper.calls != 1 {
		t.Fatalf("unexpected sweep stats %#v (calls=%d)", stats, sweeper.calls)
	}

	status, err := facade.ErrorBudgetStatus(ctx)
	if err != nil {
		t.Fatalf("query error budget: %v", err)
	}
	if !status.Enabled {
		t.Fatalf("expected enabled budget status")
	}

	if _, err := facade.Replay(ctx, 0); err == nil {
		t.Fatalf("expected replay without dispatcher to fail")
	}
}

func TestFacade_ResolvesReaperFromCoreService(t *testing.T) {
	svc, err := NewService(DefaultConfig(), WithClock(func() time.Time {
		return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if err := facade.Register(gocommand.NewRegistryAdapter(nil)); err != nil {
		t.Fatalf("register facade: %v", err)
	}
	defer facade.Close()

	stats, err := facade.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep through core reaper: %v", err)
	}
	if stats.Reaped != 0 {
		t.Fatalf("expected nothing to reap on a fresh service, got %#v", stats)
	}
}

func TestFacade_RequiresRegisterForDispatch(t *testing.T) {
	facade, err := NewFacade(&stubFacadeService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if _, err := facade.Probe(context.Background(), core.Target{}); err == nil {
		t.Fatalf("expected unregistered facade error")
	}
	if err := facade.Close(); err != nil {
		t.Fatalf("close unregistered facade: %v", err)
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

type stubFacadeService struct {
	lastToolName string
	lastKey      string
}

func (s *stubFacadeService) Call(_ context.Context, req core.CallRequest) (core.CallResult, error) {
	s.lastToolName = req.ToolName
	s.lastKey = req.IdempotencyKey
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": req.ToolName}})
	return core.CallResult{Content: content}, nil
}

func (s *stubFacadeService) Probe(context.Context, core.Target) (core.ProbeResult, error) {
	return core.ProbeResult{OK: true, Transport: "stdio"}, nil
}

func (s *stubFacadeService) ListTools(context.Context, core.Target) ([]core.ToolDescriptor, error) {
	return []core.ToolDescriptor{{Name: "help"}}, nil
}

func (s *stubFacadeService) Describe(_ context.Context, _ core.Target, toolName string) (core.DescribeResult, error) {
	return core.DescribeResult{Tool: core.ToolDescriptor{Name: toolName}}, nil
}

func (s *stubFacadeService) ErrorBudgetStatus(context.Context) core.ErrorBudgetStatus {
	return core.ErrorBudgetStatus{Enabled: true, SuccessRate: 1, Threshold: 0.9}
}

type stubFacadeSweeper struct {
	stats core.SweepStats
	calls int
}

func (s *stubFacadeSweeper) Sweep(context.Context) (core.SweepStats, error) {
	s.calls++
	return s.stats, nil
}

var _ CommandQueryService = (*stubFacadeService)(nil)
