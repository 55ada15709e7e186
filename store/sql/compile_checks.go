package sqlstore

import (
	"io"

	"github.com/goliatone/go-mcp-inspector/core"
)

var (
	_ core.Outbox        = (*OutboxStore)(nil)
	_ core.OutboxHistory = (*OutboxStore)(nil)
	_ core.OutboxBacklog = (*OutboxStore)(nil)
	_ io.Closer          = (*Client)(nil)
)
