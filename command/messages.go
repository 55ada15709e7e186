package command

import (
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
)

const (
	TypeCall         = "inspector.command.call"
	TypeReaperSweep  = "inspector.command.reaper.sweep"
	TypeOutboxReplay = "inspector.command.outbox.replay"
)

type CallMessage struct {
	Request core.CallRequest
}

func (CallMessage) Type() string { return TypeCall }

func (m CallMessage) Validate() error {
	if strings.TrimSpace(m.Request.ToolName) == "" {
		return commandValidationError("tool_name", "tool name is required")
	}
	if err := validateTransport(m.Request.Target); err != nil {
		return err
	}
	return nil
}

type ReaperSweepMessage struct{}

func (ReaperSweepMessage) Type() string { return TypeReaperSweep }

func (ReaperSweepMessage) Validate() error { return nil }

// OutboxReplayMessage forwards up to BatchSize undelivered entries. Zero uses
// the dispatcher's configured batch size.
type OutboxReplayMessage struct {
	BatchSize int
}

func (OutboxReplayMessage) Type() string { return TypeOutboxReplay }

func (m OutboxReplayMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "batch size must not be negative")
	}
	return nil
}

func validateTransport(target core.Target) error {
	if _, err := core.ParseTransportKind(string(target.Transport)); err != nil {
		return commandValidationError("target.transport", "transport must be one of stdio, sse or http")
	}
	return nil
}
