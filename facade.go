package inspector

import (
	"context"
	"fmt"

	"github.com/goliatone/go-mcp-inspector/adapters/gocommand"
	inspectorcommand "github.com/goliatone/go-mcp-inspector/command"
	"github.com/goliatone/go-mcp-inspector/core"
	inspectorquery "github.com/goliatone/go-mcp-inspector/query"
)

type CommandQueryService interface {
	inspectorcommand.CallService
	inspectorquery.Prober
	inspectorquery.ToolLister
	inspectorquery.Describer
	inspectorquery.ErrorBudgetReader
}

type Commands struct {
	Call         *inspectorcommand.CallCommand
	ReaperSweep  *inspectorcommand.ReaperSweepCommand
	OutboxReplay *inspectorcommand.OutboxReplayCommand
}

type Queries struct {
	Probe       *inspectorquery.ProbeQuery
	ListTools   *inspectorquery.ListToolsQuery
	Describe    *inspectorquery.DescribeQuery
	ErrorBudget *inspectorquery.ErrorBudgetQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
	adapter  *gocommand.RegistryAdapter
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	sweeper  inspectorcommand.Sweeper
	replayer inspectorcommand.Replayer
}

func WithSweeper(sweeper inspectorcommand.Sweeper) FacadeOption {
	return func(options *facadeOptions) {
		options.sweeper = sweeper
	}
}

func WithReplayer(replayer inspectorcommand.Replayer) FacadeOption {
	return func(options *facadeOptions) {
		options.replayer = replayer
	}
}

// NewFacade builds the handlers. When service is a *core.Service its reaper
// and outbox dispatcher back the sweep and replay commands unless overridden.
func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("inspector: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.sweeper == nil {
		cfg.sweeper = resolveSweeper(service)
	}
	if cfg.replayer == nil {
		cfg.replayer = resolveReplayer(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Call:         inspectorcommand.NewCallCommand(service),
		ReaperSweep:  inspectorcommand.NewReaperSweepCommand(cfg.sweeper),
		OutboxReplay: inspectorcommand.NewOutboxReplayCommand(cfg.replayer),
	}
	facade.queries = Queries{
		Probe:       inspectorquery.NewProbeQuery(service),
		ListTools:   inspectorquery.NewListToolsQuery(service),
		Describe:    inspectorquery.NewDescribeQuery(service),
		ErrorBudget: inspectorquery.NewErrorBudgetQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// Register binds every handler to the adapter's registry and the global
// go-command dispatcher. A facade registers once; Close releases the
// bindings.
func (f *Facade) Register(adapter *gocommand.RegistryAdapter) error {
	if f == nil {
		return fmt.Errorf("inspector: facade is nil")
	}
	if adapter == nil {
		return fmt.Errorf("inspector: registry adapter is required")
	}
	if f.adapter != nil {
		return fmt.Errorf("inspector: facade is already registered")
	}
	steps := []func() error{
		func() error { return gocommand.RegisterCommand[inspectorcommand.CallMessage](adapter, f.commands.Call) },
		func() error { return gocommand.RegisterCommand[inspectorcommand.ReaperSweepMessage](adapter, f.commands.ReaperSweep) },
		func() error { return gocommand.RegisterCommand[inspectorcommand.OutboxReplayMessage](adapter, f.commands.OutboxReplay) },
		func() error { return gocommand.RegisterQuery[inspectorquery.ProbeMessage, core.ProbeResult](adapter, f.queries.Probe) },
		func() error { return gocommand.RegisterQuery[inspectorquery.ListToolsMessage, []core.ToolDescriptor](adapter, f.queries.ListTools) },
		func() error { return gocommand.RegisterQuery[inspectorquery.DescribeMessage, core.DescribeResult](adapter, f.queries.Describe) },
		func() error { return gocommand.RegisterQuery[inspectorquery.ErrorBudgetMessage, core.ErrorBudgetStatus](adapter, f.queries.ErrorBudget) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = adapter.Close()
			return err
		}
	}
	if err := adapter.Initialize(); err != nil {
		_ = adapter.Close()
		return err
	}
	f.adapter = adapter
	return nil
}

func (f *Facade) Close() error {
	if f == nil || f.adapter == nil {
		return nil
	}
	err := f.adapter.Close()
	f.adapter = nil
	return err
}

// The dispatch helpers below route through go-command and require Register.

func (f *Facade) Call(ctx context.Context, req core.CallRequest) (core.CallResult, error) {
	if err := f.registered(); err != nil {
		return core.CallResult{}, err
	}
	return gocommand.DispatchWithResult[inspectorcommand.CallMessage, core.CallResult](ctx, inspectorcommand.CallMessage{Request: req})
}

func (f *Facade) Sweep(ctx context.Context) (core.SweepStats, error) {
	if err := f.registered(); err != nil {
		return core.SweepStats{}, err
	}
	return gocommand.DispatchWithResult[inspectorcommand.ReaperSweepMessage, core.SweepStats](ctx, inspectorcommand.ReaperSweepMessage{})
}

func (f *Facade) Replay(ctx context.Context, batchSize int) (core.DispatchStats, error) {
	if err := f.registered(); err != nil {
		return core.DispatchStats{}, err
	}
	return gocommand.DispatchWithResult[inspectorcommand.OutboxReplayMessage, core.DispatchStats](ctx, inspectorcommand.OutboxReplayMessage{BatchSize: batchSize})
}

func (f *Facade) Probe(ctx context.Context, target core.Target) (core.ProbeResult, error) {
	if err := f.registered(); err != nil {
		return core.ProbeResult{}, err
	}
	return gocommand.Query[inspectorquery.ProbeMessage, core.ProbeResult](ctx, inspectorquery.ProbeMessage{Target: target})
}

func (f *Facade) ListTools(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error) {
	if err := f.registered(); err != nil {
		return nil, err
	}
	return gocommand.Query[inspectorquery.ListToolsMessage, []core.ToolDescriptor](ctx, inspectorquery.ListToolsMessage{Target: target})
}

func (f *Facade) Describe(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error) {
	if err := f.registered(); err != nil {
		return core.DescribeResult{}, err
	}
	return gocommand.Query[inspectorquery.DescribeMessage, core.DescribeResult](ctx, inspectorquery.DescribeMessage{Target: target, ToolName: toolName})
}

func (f *Facade) ErrorBudgetStatus(ctx context.Context) (core.ErrorBudgetStatus, error) {
	if err := f.registered(); err != nil {
		return core.ErrorBudgetStatus{}, err
	}
	return gocommand.Query[inspectorquery.ErrorBudgetMessage, core.ErrorBudgetStatus](ctx, inspectorquery.ErrorBudgetMessage{})
}

func (f *Facade) registered() error {
	if f == nil || f.adapter == nil {
		return fmt.Errorf("inspector: facade is not registered")
	}
	return nil
}

func resolveSweeper(service CommandQueryService) inspectorcommand.Sweeper {
	provider, ok := service.(interface{ Reaper() *core.Reaper })
	if !ok {
		return nil
	}
	if reaper := provider.Reaper(); reaper != nil {
		return reaper
	}
	return nil
}

func resolveReplayer(service CommandQueryService) inspectorcommand.Replayer {
	provider, ok := service.(interface {
		Dispatcher() *core.OutboxDispatcher
	})
	if !ok {
		return nil
	}
	if dispatcher := provider.Dispatcher(); dispatcher != nil {
		return dispatcher
	}
	return nil
}
