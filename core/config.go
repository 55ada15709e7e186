package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	ConflictPolicyReject = "reject"
	ConflictPolicyWait   = "wait"

	OutboxBackendFile     = "file"
	OutboxBackendSQLite   = "sqlite"
	OutboxBackendPostgres = "postgres"
	OutboxBackendMemory   = "memory"
)

type IdempotencyConfig struct {
	ConflictPolicy string `koanf:"conflict_policy" mapstructure:"conflict_policy"`
	WaitTimeoutMS  int    `koanf:"wait_timeout_ms" mapstructure:"wait_timeout_ms"`
}

type ReaperConfig struct {
	Disabled     bool `koanf:"disabled" mapstructure:"disabled"`
	TTLSecs      int  `koanf:"ttl_secs" mapstructure:"ttl_secs"`
	IntervalSecs int  `koanf:"interval_secs" mapstructure:"interval_secs"`
}

type ErrorBudgetConfig struct {
	Enabled          bool    `koanf:"enabled" mapstructure:"enabled"`
	SuccessThreshold float64 `koanf:"success_threshold" mapstructure:"success_threshold"`
	MinRequests      int     `koanf:"min_requests" mapstructure:"min_requests"`
	SampleWindowSecs int     `koanf:"sample_window_secs" mapstructure:"sample_window_secs"`
	FreezeSecs       int     `koanf:"freeze_secs" mapstructure:"freeze_secs"`
}

type OutboxConfig struct {
	Backend string `koanf:"backend" mapstructure:"backend"`
	Path    string `koanf:"path" mapstructure:"path"`
	DLQPath string `koanf:"dlq_path" mapstructure:"dlq_path"`
	DSN     string `koanf:"dsn" mapstructure:"dsn"`
	NoSync  bool   `koanf:"no_sync" mapstructure:"no_sync"`
}

type ReplayConfig struct {
	BatchSize        int `koanf:"batch_size" mapstructure:"batch_size"`
	IntervalMS       int `koanf:"interval_ms" mapstructure:"interval_ms"`
	MaxAttempts      int `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `koanf:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `koanf:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

type TransportConfig struct {
	ConnectAttempts     int     `koanf:"connect_attempts" mapstructure:"connect_attempts"`
	BackoffInitialMS    int     `koanf:"backoff_initial_ms" mapstructure:"backoff_initial_ms"`
	BackoffMaxMS        int     `koanf:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	BackoffJitter       float64 `koanf:"backoff_jitter" mapstructure:"backoff_jitter"`
	RetryWindowMS       int     `koanf:"retry_window_ms" mapstructure:"retry_window_ms"`
	RequestTimeoutMS    int     `koanf:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	HeartbeatIntervalMS int     `koanf:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	HeartbeatMisses     int     `koanf:"heartbeat_misses" mapstructure:"heartbeat_misses"`
	KillTimeoutMS       int     `koanf:"kill_timeout_ms" mapstructure:"kill_timeout_ms"`
	MaxFrameBytes       int     `koanf:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	MaxBodyBytes        int     `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	StreamBuffer        int     `koanf:"stream_buffer" mapstructure:"stream_buffer"`
	ReorderWindow       int     `koanf:"reorder_window" mapstructure:"reorder_window"`
	ReorderFlushMS      int     `koanf:"reorder_flush_ms" mapstructure:"reorder_flush_ms"`
}

type ComplianceConfig struct {
	PassThreshold float64 `koanf:"pass_threshold" mapstructure:"pass_threshold"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type Config struct {
	ServiceName  string            `koanf:"service_name" mapstructure:"service_name"`
	StdioCommand string            `koanf:"stdio_command" mapstructure:"stdio_command"`
	Idempotency  IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	Reaper       ReaperConfig      `koanf:"reaper" mapstructure:"reaper"`
	ErrorBudget  ErrorBudgetConfig `koanf:"error_budget" mapstructure:"error_budget"`
	Outbox       OutboxConfig      `koanf:"outbox" mapstructure:"outbox"`
	Replay       ReplayConfig      `koanf:"replay" mapstructure:"replay"`
	Transport    TransportConfig   `koanf:"transport" mapstructure:"transport"`
	Compliance   ComplianceConfig  `koanf:"compliance" mapstructure:"compliance"`
	Metrics      MetricsConfig     `koanf:"metrics" mapstructure:"metrics"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "mcp-inspector",
		Idempotency: IdempotencyConfig{
			ConflictPolicy: ConflictPolicyReject,
			WaitTimeoutMS:  30000,
		},
		Reaper: ReaperConfig{
			TTLSecs:      60,
			IntervalSecs: 15,
		},
		ErrorBudget: ErrorBudgetConfig{
			SuccessThreshold: 0.8,
			MinRequests:      10,
			SampleWindowSecs: 120,
			FreezeSecs:       30,
		},
		Outbox: OutboxConfig{
			Backend: OutboxBackendFile,
			Path:    "data/outbox/events.jsonl",
			DLQPath: "data/outbox/dlq.jsonl",
		},
		Replay: ReplayConfig{
			BatchSize:        50,
			IntervalMS:       5000,
			MaxAttempts:      5,
			InitialBackoffMS: 2000,
			MaxBackoffMS:     300000,
		},
		Transport: TransportConfig{
			ConnectAttempts:     3,
			BackoffInitialMS:    250,
			BackoffMaxMS:        5000,
			BackoffJitter:       0.2,
			RetryWindowMS:       30000,
			RequestTimeoutMS:    30000,
			HeartbeatIntervalMS: 5000,
			HeartbeatMisses:     3,
			KillTimeoutMS:       2000,
			MaxFrameBytes:       4 << 20,
			MaxBodyBytes:        10 << 20,
			StreamBuffer:        32,
			ReorderWindow:       64,
			ReorderFlushMS:      50,
		},
		Compliance: ComplianceConfig{
			PassThreshold: 0.95,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch NormalizeConflictPolicy(c.Idempotency.ConflictPolicy) {
	case ConflictPolicyReject, ConflictPolicyWait:
	default:
		return fmt.Errorf("core: idempotency.conflict_policy %q is invalid", c.Idempotency.ConflictPolicy)
	}
	if c.Idempotency.WaitTimeoutMS < 0 {
		return fmt.Errorf("core: idempotency.wait_timeout_ms must be >= 0")
	}
	if c.Reaper.TTLSecs < 0 || c.Reaper.IntervalSecs < 0 {
		return fmt.Errorf("core: reaper durations must be >= 0")
	}
	if c.ErrorBudget.Enabled {
		if c.ErrorBudget.SuccessThreshold <= 0 || c.ErrorBudget.SuccessThreshold > 1 {
			return fmt.Errorf("core: error_budget.success_threshold must be in (0, 1]")
		}
		if c.ErrorBudget.MinRequests <= 0 {
			return fmt.Errorf("core: error_budget.min_requests must be > 0")
		}
		if c.ErrorBudget.SampleWindowSecs <= 0 || c.ErrorBudget.FreezeSecs <= 0 {
			return fmt.Errorf("core: error_budget window and freeze must be > 0")
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Outbox.Backend)) {
	case "", OutboxBackendFile, OutboxBackendSQLite, OutboxBackendPostgres, OutboxBackendMemory:
	default:
		return fmt.Errorf("core: outbox.backend %q is invalid", c.Outbox.Backend)
	}
	if c.Compliance.PassThreshold < 0 || c.Compliance.PassThreshold > 1 {
		return fmt.Errorf("core: compliance.pass_threshold must be in [0, 1]")
	}
	return nil
}

// NormalizeConflictPolicy folds the accepted spellings onto reject or wait.
func NormalizeConflictPolicy(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reject", "409", "conflict_409", "conflict":
		return ConflictPolicyReject
	case "wait", "return_existing":
		return ConflictPolicyWait
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

func (c IdempotencyConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
}

func (c ReaperConfig) TTL() time.Duration {
	if c.TTLSecs <= 0 {
		return DefaultReaperTTL
	}
	return time.Duration(c.TTLSecs) * time.Second
}

func (c ReaperConfig) Interval() time.Duration {
	if c.IntervalSecs <= 0 {
		return DefaultReaperInterval
	}
	return time.Duration(c.IntervalSecs) * time.Second
}

func (c ErrorBudgetConfig) Params() ErrorBudgetParams {
	if !c.Enabled {
		return DisabledErrorBudgetParams()
	}
	return ErrorBudgetParams{
		Enabled:          true,
		SuccessThreshold: c.SuccessThreshold,
		MinimumRequests:  c.MinRequests,
		SampleWindow:     time.Duration(c.SampleWindowSecs) * time.Second,
		FreezeDuration:   time.Duration(c.FreezeSecs) * time.Second,
	}
}

func (c ReplayConfig) DispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      c.BatchSize,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
	}
}

func (c ReplayConfig) Interval() time.Duration {
	if c.IntervalMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}
