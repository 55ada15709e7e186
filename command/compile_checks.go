package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mcp-inspector/core"
)

var (
	_ gocmd.Commander[CallMessage]         = (*CallCommand)(nil)
	_ gocmd.Commander[ReaperSweepMessage]  = (*ReaperSweepCommand)(nil)
	_ gocmd.Commander[OutboxReplayMessage] = (*OutboxReplayCommand)(nil)

	_ CallService = (*core.Service)(nil)
	_ Sweeper     = (*core.Reaper)(nil)
	_ Replayer    = (*core.OutboxDispatcher)(nil)
)
