package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mcp-inspector/core"
)

type CallService interface {
	Call(ctx context.Context, req core.CallRequest) (core.CallResult, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (core.SweepStats, error)
}

type Replayer interface {
	DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error)
}

type CallCommand struct {
	service CallService
}

func NewCallCommand(service CallService) *CallCommand {
	return &CallCommand{service: service}
}

// Execute stores the call result even when the tool reported is_error, so
// dispatchers see transport failures as data rather than as command errors.
func (c *CallCommand) Execute(ctx context.Context, msg CallMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: call service is required")
	}
	out, err := c.service.Call(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReaperSweepCommand struct {
	reaper Sweeper
}

func NewReaperSweepCommand(reaper Sweeper) *ReaperSweepCommand {
	return &ReaperSweepCommand{reaper: reaper}
}

func (c *ReaperSweepCommand) Execute(ctx context.Context, _ ReaperSweepMessage) error {
	if c == nil || c.reaper == nil {
		return commandDependencyError("command: reaper is required")
	}
	stats, err := c.reaper.Sweep(ctx)
	storeResult(ctx, stats)
	return err
}

type OutboxReplayCommand struct {
	replayer Replayer
}

func NewOutboxReplayCommand(replayer Replayer) *OutboxReplayCommand {
	return &OutboxReplayCommand{replayer: replayer}
}

func (c *OutboxReplayCommand) Execute(ctx context.Context, msg OutboxReplayMessage) error {
	if c == nil || c.replayer == nil {
		return commandDependencyError("command: outbox replayer is required")
	}
	stats, err := c.replayer.DispatchPending(ctx, msg.BatchSize)
	if err != nil {
		return err
	}
	storeResult(ctx, stats)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
