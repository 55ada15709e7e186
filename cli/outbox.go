package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
	filestore "github.com/goliatone/go-mcp-inspector/store/file"
	sqlstore "github.com/goliatone/go-mcp-inspector/store/sql"
)

// OpenOutbox builds the outbox backend named by cfg.Backend. The returned
// outbox is also an io.Closer for the file and sql backends; the service
// closes it.
func OpenOutbox(ctx context.Context, cfg core.OutboxConfig, logger core.Logger) (core.Outbox, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", core.OutboxBackendFile:
		return filestore.FromConfig(cfg, logger)
	case core.OutboxBackendMemory:
		return core.NewMemoryOutbox(), nil
	case core.OutboxBackendSQLite, core.OutboxBackendPostgres:
		return sqlstore.Open(ctx, cfg)
	}
	return nil, fmt.Errorf("cli: unsupported outbox backend %q", cfg.Backend)
}
