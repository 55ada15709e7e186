// Package migrations resolves the embedded outbox schema for each SQL
// dialect and hands it to a migration runner.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	inspector "github.com/goliatone/go-mcp-inspector"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "go-mcp-inspector"
	OutboxTable        = "inspector_outbox"

	schemaRoot = "data/sql/migrations"
)

// dialectDirs maps a dialect to its directory under the schema root.
var dialectDirs = []struct {
	dialect string
	dir     string
}{
	{DialectPostgres, "."},
	{DialectSQLite, "sqlite"},
}

// Schema is the migration set for one dialect. Versions are the migration
// names without the .up.sql suffix, in lexical order.
type Schema struct {
	Dialect  string
	Path     string
	FS       fs.FS
	Versions []string
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type registration struct {
	sourceLabel string
	targets     []string
	source      fs.FS
}

type Option func(*registration)

func WithSourceLabel(label string) Option {
	return func(r *registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.sourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *registration) {
		var next []string
		for _, target := range targets {
			dialect := normalizeDialect(target)
			if dialect != "" && !slices.Contains(next, dialect) {
				next = append(next, dialect)
			}
		}
		if len(next) > 0 {
			r.targets = next
		}
	}
}

// WithSource replaces the embedded schema tree.
func WithSource(source fs.FS) Option {
	return func(r *registration) {
		if source != nil {
			r.source = source
		}
	}
}

// Schemas returns the postgres and sqlite schemas found in source, or in the
// embedded tree when source is omitted. Every up migration needs a matching
// down migration.
func Schemas(sources ...fs.FS) ([]Schema, error) {
	root := inspector.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, err := fs.Sub(root, schemaRoot)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", schemaRoot, err)
	}

	schemas := make([]Schema, 0, len(dialectDirs))
	for _, entry := range dialectDirs {
		schema, err := loadSchema(base, entry.dialect, entry.dir)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func SchemaFor(dialect string, sources ...fs.FS) (Schema, error) {
	dialect = normalizeDialect(dialect)
	schemas, err := Schemas(sources...)
	if err != nil {
		return Schema{}, err
	}
	for _, schema := range schemas {
		if schema.Dialect == dialect {
			return schema, nil
		}
	}
	return Schema{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// Register calls registerFn once per targeted dialect and returns the
// schemas it registered.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) ([]Schema, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	reg := registration{
		sourceLabel: DefaultSourceLabel,
		targets:     []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	schemas, err := Schemas(reg.source)
	if err != nil {
		return nil, err
	}
	registered := make([]Schema, 0, len(reg.targets))
	for _, schema := range schemas {
		if !slices.Contains(reg.targets, schema.Dialect) {
			continue
		}
		if err := registerFn(ctx, schema.Dialect, reg.sourceLabel, schema.FS); err != nil {
			return registered, fmt.Errorf("migrations: register %s (%s): %w", schema.Dialect, schema.Path, err)
		}
		registered = append(registered, schema)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no schema matches targets %v", reg.targets)
	}
	return registered, nil
}

func loadSchema(base fs.FS, dialect, dir string) (Schema, error) {
	fsys := base
	path := schemaRoot
	if dir != "." {
		sub, err := fs.Sub(base, dir)
		if err != nil {
			return Schema{}, fmt.Errorf("migrations: resolve %s schema: %w", dialect, err)
		}
		fsys = sub
		path = schemaRoot + "/" + dir
	}

	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return Schema{}, fmt.Errorf("migrations: glob %s: %w", path, err)
	}
	if len(ups) == 0 {
		return Schema{}, fmt.Errorf("migrations: %s schema %q has no *.up.sql files", dialect, path)
	}
	slices.Sort(ups)

	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return Schema{}, fmt.Errorf("migrations: %s migration %s has no down file", dialect, version)
		}
		versions = append(versions, version)
	}
	return Schema{Dialect: dialect, Path: path, FS: fsys, Versions: versions}, nil
}

func normalizeDialect(raw string) string {
	dialect := strings.ToLower(strings.TrimSpace(raw))
	switch dialect {
	case "postgresql", "pg":
		return DialectPostgres
	case "sqlite3":
		return DialectSQLite
	}
	return dialect
}
