// Package config loads core.Config from an optional TOML file overlaid with
// the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/goliatone/go-mcp-inspector/core"
)

type envKind int

const (
	envString envKind = iota
	envInt
	envFloat
	envBool
)

type envBinding struct {
	name    string
	section string
	key     string
	kind    envKind
}

// envBindings maps the environment onto config keys. Later bindings win
// when two variables target the same key.
var envBindings = []envBinding{
	{"INSPECTOR_STDIO_CMD", "", "stdio_command", envString},
	{"OUTBOX_BACKEND", "outbox", "backend", envString},
	{"OUTBOX_PATH", "outbox", "path", envString},
	{"OUTBOX_DLQ_PATH", "outbox", "dlq_path", envString},
	{"OUTBOX_DB_PATH", "outbox", "dsn", envString},
	{"OUTBOX_DSN", "outbox", "dsn", envString},
	{"OUTBOX_NO_SYNC", "outbox", "no_sync", envBool},
	{"IDEMPOTENCY_CONFLICT_POLICY", "idempotency", "conflict_policy", envString},
	{"IDEMPOTENCY_WAIT_TIMEOUT_MS", "idempotency", "wait_timeout_ms", envInt},
	{"ERROR_BUDGET_ENABLED", "error_budget", "enabled", envBool},
	{"ERROR_BUDGET_SUCCESS_THRESHOLD", "error_budget", "success_threshold", envFloat},
	{"ERROR_BUDGET_MIN_REQUESTS", "error_budget", "min_requests", envInt},
	{"ERROR_BUDGET_SAMPLE_WINDOW_SECS", "error_budget", "sample_window_secs", envInt},
	{"ERROR_BUDGET_FREEZE_SECS", "error_budget", "freeze_secs", envInt},
	{"REAPER_TTL_SECS", "reaper", "ttl_secs", envInt},
	{"REAPER_INTERVAL_SECS", "reaper", "interval_secs", envInt},
	{"METRICS_ADDR", "metrics", "addr", envString},
	{"COMPLIANCE_PASS_THRESHOLD", "compliance", "pass_threshold", envFloat},
}

type Option func(*Loader)

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(l *Loader) {
		if lookup != nil {
			l.lookup = lookup
		}
	}
}

// Loader implements core.RawConfigLoader.
type Loader struct {
	path   string
	lookup func(string) (string, bool)
}

func NewLoader(path string, opts ...Option) *Loader {
	loader := &Loader{
		path:   strings.TrimSpace(path),
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	return loader
}

func (l *Loader) LoadRaw(context.Context) (map[string]any, error) {
	raw := map[string]any{}
	if l.path != "" {
		if _, err := toml.DecodeFile(l.path, &raw); err != nil {
			return nil, fmt.Errorf("load inspector config %s: %w", l.path, err)
		}
	}
	if err := l.overlayEnv(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (l *Loader) overlayEnv(raw map[string]any) error {
	dbPathSet := false
	for _, binding := range envBindings {
		value, ok := l.lookup(binding.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := parseEnv(binding, strings.TrimSpace(value))
		if err != nil {
			return err
		}
		target := raw
		if binding.section != "" {
			target = sectionMap(raw, binding.section)
		}
		target[binding.key] = parsed
		if binding.name == "OUTBOX_DB_PATH" {
			dbPathSet = true
		}
	}
	// A database path alone selects the sqlite backend.
	if dbPathSet {
		if _, explicit := l.lookup("OUTBOX_BACKEND"); !explicit {
			sectionMap(raw, "outbox")["backend"] = core.OutboxBackendSQLite
		}
	}
	return nil
}

func parseEnv(binding envBinding, value string) (any, error) {
	switch binding.kind {
	case envInt:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", binding.name, err)
		}
		return parsed, nil
	case envFloat:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", binding.name, err)
		}
		return parsed, nil
	case envBool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", binding.name, err)
		}
		return parsed, nil
	default:
		return value, nil
	}
}

func sectionMap(raw map[string]any, name string) map[string]any {
	if section, ok := raw[name].(map[string]any); ok {
		return section
	}
	section := map[string]any{}
	raw[name] = section
	return section
}

// Load resolves the config through cfgx on top of core.DefaultConfig.
func Load(ctx context.Context, path string, opts ...Option) (core.Config, error) {
	provider := core.NewCfgxConfigProvider(NewLoader(path, opts...))
	cfg, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, err
	}
	cfg.Idempotency.ConflictPolicy = core.NormalizeConflictPolicy(cfg.Idempotency.ConflictPolicy)
	return cfg, nil
}

var _ core.RawConfigLoader = (*Loader)(nil)
