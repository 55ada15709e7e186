package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-mcp-inspector/core"
	inspectormigrations "github.com/goliatone/go-mcp-inspector/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool { return c.debug }

func (c persistenceConfig) GetDriver() string { return c.driver }

func (c persistenceConfig) GetServer() string { return c.server }

func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }

func (c persistenceConfig) GetOtelIdentifier() string { return "go-mcp-inspector" }

// Client owns the persistence client behind an outbox store and closes it
// together with the store.
type Client struct {
	*OutboxStore
	client *persistence.Client
}

func (c *Client) Persistence() *persistence.Client {
	if c == nil {
		return nil
	}
	return c.client
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Open connects to the configured sqlite or postgres backend, applies the
// outbox migrations and returns a ready store.
func Open(ctx context.Context, cfg core.OutboxConfig) (*Client, error) {
	driver, dsn, dialect, migrationDialect, err := resolveBackend(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, core.NewDurabilityError("sqlstore: open database", err, map[string]any{"backend": cfg.Backend})
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{driver: driver, server: dsn}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, core.NewDurabilityError("sqlstore: create persistence client", err, map[string]any{"backend": cfg.Backend})
	}

	_, err = inspectormigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != migrationDialect {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, inspectormigrations.WithValidationTargets(migrationDialect))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, core.NewDurabilityError("sqlstore: migrate outbox schema", err, map[string]any{"backend": cfg.Backend})
	}

	store, err := NewOutboxStoreFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Client{OutboxStore: store, client: client}, nil
}

func NewOutboxStoreFromPersistence(client any) (*OutboxStore, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewOutboxStore(db)
}

func resolveBackend(cfg core.OutboxConfig) (driver, dsn string, dialect schema.Dialect, migrationDialect string, err error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case core.OutboxBackendSQLite:
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			path := strings.TrimSpace(cfg.Path)
			if path == "" {
				return "", "", nil, "", fmt.Errorf("sqlstore: sqlite outbox needs a dsn or path")
			}
			dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
		}
		return driverSQLite, dsn, sqlitedialect.New(), inspectormigrations.DialectSQLite, nil
	case core.OutboxBackendPostgres:
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return "", "", nil, "", fmt.Errorf("sqlstore: postgres outbox needs a dsn")
		}
		return driverPostgres, dsn, pgdialect.New(), inspectormigrations.DialectPostgres, nil
	default:
		return "", "", nil, "", fmt.Errorf("sqlstore: unsupported outbox backend %q", cfg.Backend)
	}
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
