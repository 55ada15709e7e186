package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-mcp-inspector/core"
)

func envMap(values map[string]string) Option {
	return WithEnvLookup(func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	})
}

func TestLoad_DefaultsWithoutFileOrEnv(t *testing.T) {
	cfg, err := Load(context.Background(), "", envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defaults := core.DefaultConfig()
	if cfg.ServiceName != defaults.ServiceName {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Outbox.Path != "data/outbox/events.jsonl" || cfg.Outbox.DLQPath != "data/outbox/dlq.jsonl" {
		t.Fatalf("expected default outbox paths, got %#v", cfg.Outbox)
	}
	if cfg.Idempotency.ConflictPolicy != core.ConflictPolicyReject {
		t.Fatalf("expected reject policy, got %q", cfg.Idempotency.ConflictPolicy)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("testdata", "inspector.toml"), envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "inspector-test" || cfg.StdioCommand != "mock-mcp-server" {
		t.Fatalf("unexpected top-level values: %#v", cfg)
	}
	if cfg.Idempotency.ConflictPolicy != core.ConflictPolicyWait {
		t.Fatalf("expected return_existing to normalize to wait, got %q", cfg.Idempotency.ConflictPolicy)
	}
	if !cfg.ErrorBudget.Enabled || cfg.ErrorBudget.MinRequests != 5 || cfg.ErrorBudget.SuccessThreshold != 0.9 {
		t.Fatalf("unexpected error budget: %#v", cfg.ErrorBudget)
	}
	if cfg.Outbox.Path != "tmp/outbox/events.jsonl" {
		t.Fatalf("unexpected outbox path %q", cfg.Outbox.Path)
	}
	if cfg.Outbox.DLQPath != "data/outbox/dlq.jsonl" {
		t.Fatalf("expected default dlq path to survive, got %q", cfg.Outbox.DLQPath)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Fatalf("unexpected metrics addr %q", cfg.Metrics.Addr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("testdata", "inspector.toml"), envMap(map[string]string{
		"OUTBOX_PATH":                    "/var/lib/inspector/events.jsonl",
		"IDEMPOTENCY_CONFLICT_POLICY":    "409",
		"ERROR_BUDGET_SUCCESS_THRESHOLD": "0.6",
		"ERROR_BUDGET_MIN_REQUESTS":      "3",
		"REAPER_TTL_SECS":                "120",
		"METRICS_ADDR":                   "0.0.0.0:9100",
		"INSPECTOR_STDIO_CMD":            "uvx mcp-server-git",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.Path != "/var/lib/inspector/events.jsonl" {
		t.Fatalf("expected env outbox path, got %q", cfg.Outbox.Path)
	}
	if cfg.Idempotency.ConflictPolicy != core.ConflictPolicyReject {
		t.Fatalf("expected 409 to normalize to reject, got %q", cfg.Idempotency.ConflictPolicy)
	}
	if cfg.ErrorBudget.SuccessThreshold != 0.6 || cfg.ErrorBudget.MinRequests != 3 {
		t.Fatalf("unexpected error budget: %#v", cfg.ErrorBudget)
	}
	if cfg.Reaper.TTLSecs != 120 {
		t.Fatalf("expected reaper ttl 120, got %d", cfg.Reaper.TTLSecs)
	}
	if cfg.Metrics.Addr != "0.0.0.0:9100" || cfg.StdioCommand != "uvx mcp-server-git" {
		t.Fatalf("unexpected env overrides: %#v", cfg)
	}
}

func TestLoad_DBPathSelectsSQLite(t *testing.T) {
	cfg, err := Load(context.Background(), "", envMap(map[string]string{
		"OUTBOX_DB_PATH": "data/outbox/outbox.db",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.Backend != core.OutboxBackendSQLite || cfg.Outbox.DSN != "data/outbox/outbox.db" {
		t.Fatalf("expected sqlite backend from db path, got %#v", cfg.Outbox)
	}

	cfg, err = Load(context.Background(), "", envMap(map[string]string{
		"OUTBOX_DB_PATH": "data/outbox/outbox.db",
		"OUTBOX_BACKEND": "memory",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.Backend != core.OutboxBackendMemory {
		t.Fatalf("expected explicit backend to win, got %q", cfg.Outbox.Backend)
	}
}

func TestLoad_RejectsInvalidEnv(t *testing.T) {
	if _, err := Load(context.Background(), "", envMap(map[string]string{
		"ERROR_BUDGET_MIN_REQUESTS": "many",
	})); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(context.Background(), "", envMap(map[string]string{
		"ERROR_BUDGET_ENABLED": "yes please",
	})); err == nil {
		t.Fatalf("expected bool parse error")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	if _, err := Load(context.Background(), "", envMap(map[string]string{
		"OUTBOX_BACKEND": "tape",
	})); err == nil {
		t.Fatalf("expected validation error for unknown backend")
	}
}

func TestLoad_MissingOrBrokenFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.toml"), envMap(nil)); err == nil {
		t.Fatalf("expected error for missing file")
	}
	broken := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(broken, []byte("service_name = \n"), 0o644); err != nil {
		t.Fatalf("write broken file: %v", err)
	}
	if _, err := Load(context.Background(), broken, envMap(nil)); err == nil {
		t.Fatalf("expected error for broken toml")
	}
}
