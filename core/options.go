package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	transportResolver TransportResolver
	outbox            Outbox
	replaySink        ReplaySink
	schemaValidator   SchemaValidator
	toolCatalog       ToolCatalog
	dryRunProbe       DryRunProbe
	comparators       map[string]EffectComparator
	store             *IdempotencyStore
	clock             Clock
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithTransportResolver(resolver TransportResolver) Option {
	return func(b *serviceBuilder) {
		b.transportResolver = resolver
	}
}

func WithOutbox(outbox Outbox) Option {
	return func(b *serviceBuilder) {
		b.outbox = outbox
	}
}

func WithReplaySink(sink ReplaySink) Option {
	return func(b *serviceBuilder) {
		b.replaySink = sink
	}
}

func WithSchemaValidator(validator SchemaValidator) Option {
	return func(b *serviceBuilder) {
		b.schemaValidator = validator
	}
}

func WithToolCatalog(catalog ToolCatalog) Option {
	return func(b *serviceBuilder) {
		b.toolCatalog = catalog
	}
}

// WithDryRunProbe replaces the annotation-based probe used by compensation.
func WithDryRunProbe(probe DryRunProbe) Option {
	return func(b *serviceBuilder) {
		b.dryRunProbe = probe
	}
}

func WithEffectComparator(toolName string, comparator EffectComparator) Option {
	return func(b *serviceBuilder) {
		if b.comparators == nil {
			b.comparators = map[string]EffectComparator{}
		}
		b.comparators[strings.TrimSpace(toolName)] = comparator
	}
}

func WithIdempotencyStore(store *IdempotencyStore) Option {
	return func(b *serviceBuilder) {
		b.store = store
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("inspector", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		clock:           systemClock,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw map, typically from tests.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	resolved.Idempotency.ConflictPolicy = NormalizeConflictPolicy(resolved.Idempotency.ConflictPolicy)
	return resolved, nil
}

// configToLayerMap drops zero values unless includeZero is set, so a layer
// only overrides what it actually sets. Boolean settings default to false.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)
	putString(layer, "stdio_command", cfg.StdioCommand, includeZero)

	section := func(name string, fill func(map[string]any)) {
		values := map[string]any{}
		fill(values)
		if len(values) > 0 {
			layer[name] = values
		}
	}
	section("idempotency", func(m map[string]any) {
		putString(m, "conflict_policy", cfg.Idempotency.ConflictPolicy, includeZero)
		putInt(m, "wait_timeout_ms", cfg.Idempotency.WaitTimeoutMS, includeZero)
	})
	section("reaper", func(m map[string]any) {
		putBool(m, "disabled", cfg.Reaper.Disabled, includeZero)
		putInt(m, "ttl_secs", cfg.Reaper.TTLSecs, includeZero)
		putInt(m, "interval_secs", cfg.Reaper.IntervalSecs, includeZero)
	})
	section("error_budget", func(m map[string]any) {
		putBool(m, "enabled", cfg.ErrorBudget.Enabled, includeZero)
		putFloat(m, "success_threshold", cfg.ErrorBudget.SuccessThreshold, includeZero)
		putInt(m, "min_requests", cfg.ErrorBudget.MinRequests, includeZero)
		putInt(m, "sample_window_secs", cfg.ErrorBudget.SampleWindowSecs, includeZero)
		putInt(m, "freeze_secs", cfg.ErrorBudget.FreezeSecs, includeZero)
	})
	section("outbox", func(m map[string]any) {
		putString(m, "backend", cfg.Outbox.Backend, includeZero)
		putString(m, "path", cfg.Outbox.Path, includeZero)
		putString(m, "dlq_path", cfg.Outbox.DLQPath, includeZero)
		putString(m, "dsn", cfg.Outbox.DSN, includeZero)
		putBool(m, "no_sync", cfg.Outbox.NoSync, includeZero)
	})
	section("replay", func(m map[string]any) {
		putInt(m, "batch_size", cfg.Replay.BatchSize, includeZero)
		putInt(m, "interval_ms", cfg.Replay.IntervalMS, includeZero)
		putInt(m, "max_attempts", cfg.Replay.MaxAttempts, includeZero)
		putInt(m, "initial_backoff_ms", cfg.Replay.InitialBackoffMS, includeZero)
		putInt(m, "max_backoff_ms", cfg.Replay.MaxBackoffMS, includeZero)
	})
	section("transport", func(m map[string]any) {
		t := cfg.Transport
		putInt(m, "connect_attempts", t.ConnectAttempts, includeZero)
		putInt(m, "backoff_initial_ms", t.BackoffInitialMS, includeZero)
		putInt(m, "backoff_max_ms", t.BackoffMaxMS, includeZero)
		putFloat(m, "backoff_jitter", t.BackoffJitter, includeZero)
		putInt(m, "retry_window_ms", t.RetryWindowMS, includeZero)
		putInt(m, "request_timeout_ms", t.RequestTimeoutMS, includeZero)
		putInt(m, "heartbeat_interval_ms", t.HeartbeatIntervalMS, includeZero)
		putInt(m, "heartbeat_misses", t.HeartbeatMisses, includeZero)
		putInt(m, "kill_timeout_ms", t.KillTimeoutMS, includeZero)
		putInt(m, "max_frame_bytes", t.MaxFrameBytes, includeZero)
		putInt(m, "max_body_bytes", t.MaxBodyBytes, includeZero)
		putInt(m, "stream_buffer", t.StreamBuffer, includeZero)
		putInt(m, "reorder_window", t.ReorderWindow, includeZero)
		putInt(m, "reorder_flush_ms", t.ReorderFlushMS, includeZero)
	})
	section("compliance", func(m map[string]any) {
		putFloat(m, "pass_threshold", cfg.Compliance.PassThreshold, includeZero)
	})
	section("metrics", func(m map[string]any) {
		putString(m, "addr", cfg.Metrics.Addr, includeZero)
	})
	return layer
}

func putString(m map[string]any, key, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		m[key] = value
	}
}

func putInt(m map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		m[key] = value
	}
}

func putFloat(m map[string]any, key string, value float64, includeZero bool) {
	if includeZero || value != 0 {
		m[key] = value
	}
}

func putBool(m map[string]any, key string, value bool, includeZero bool) {
	if includeZero || value {
		m[key] = value
	}
}
