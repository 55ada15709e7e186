package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	inspector "github.com/goliatone/go-mcp-inspector"
	"github.com/goliatone/go-mcp-inspector/adapters/gocommand"
	"github.com/goliatone/go-mcp-inspector/adapters/gologger"
	"github.com/goliatone/go-mcp-inspector/config"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/observability"
	cachestore "github.com/goliatone/go-mcp-inspector/store/cache"
	"github.com/goliatone/go-mcp-inspector/transport"
)

type RuntimeOptions struct {
	ConfigPath     string
	LoggerProvider core.LoggerProvider
	// CatalogTTL enables the tool catalog cache for describe when > 0.
	CatalogTTL time.Duration
	// Replay wires the outbox dispatcher to the go-job replay pipeline.
	Replay bool
	// Overrides applied after the config file and environment.
	MetricsAddr   string
	OutboxBackend string
}

// Runtime is one fully wired inspector: config, outbox, transports, metrics,
// service and the registered command/query facade.
type Runtime struct {
	Config  core.Config
	Service *core.Service
	Facade  *inspector.Facade
	Metrics *observability.PrometheusRecorder

	replay *replayPipeline

	closeOnce sync.Once
	closeErr  error
}

func NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	cfg, err := config.Load(ctx, opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if addr := strings.TrimSpace(opts.MetricsAddr); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if backend := strings.TrimSpace(opts.OutboxBackend); backend != "" {
		cfg.Outbox.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	provider := opts.LoggerProvider
	if provider == nil {
		provider = glog.ProviderFromLogger(glog.Nop())
	}
	logger := gologger.ForComponent(provider, "cli")

	outbox, err := OpenOutbox(ctx, cfg.Outbox, gologger.ForComponent(provider, "outbox"))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open outbox", err)
	}

	recorder := observability.NewPrometheusRecorder(nil)
	serviceOpts := []core.Option{
		core.WithLoggerProvider(provider),
		core.WithMetricsRecorder(recorder),
		core.WithOutbox(outbox),
		core.WithTransportResolver(transport.NewDefaultRegistry(cfg.Transport, gologger.ForComponent(provider, "transport"))),
		core.WithSchemaValidator(transport.NewSchemaValidator()),
	}
	if opts.CatalogTTL > 0 {
		catalog, err := cachestore.NewDefaultToolCatalog(opts.CatalogTTL)
		if err != nil {
			closeQuietly(outbox)
			return nil, WrapExitError(ExitCommandError, "build tool catalog cache", err)
		}
		serviceOpts = append(serviceOpts, core.WithToolCatalog(catalog))
	}

	var replay *replayPipeline
	if opts.Replay {
		replay, err = newReplayPipeline(logReplaySink(gologger.ForComponent(provider, "replay")), gologger.ForComponent(provider, "replay"))
		if err != nil {
			closeQuietly(outbox)
			return nil, WrapExitError(ExitCommandError, "build replay pipeline", err)
		}
		serviceOpts = append(serviceOpts, core.WithReplaySink(replay.sink))
	}

	svc, err := core.NewService(cfg, serviceOpts...)
	if err != nil {
		closeQuietly(outbox)
		return nil, WrapExitError(ExitCommandError, "build inspector service", err)
	}

	facade, err := inspector.NewFacade(svc)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	if err := facade.Register(gocommand.NewRegistryAdapter(nil)); err != nil {
		_ = svc.Close()
		return nil, WrapExitError(ExitCommandError, "register command handlers", err)
	}

	logger.Debug("inspector runtime ready",
		"outbox_backend", cfg.Outbox.Backend,
		"replay", replay != nil,
		"catalog_ttl", opts.CatalogTTL.String(),
	)
	return &Runtime{
		Config:  cfg,
		Service: svc,
		Facade:  facade,
		Metrics: recorder,
		replay:  replay,
	}, nil
}

// RunBackground starts the reaper, the replay loop and the metrics endpoint.
// It returns a wait func that blocks until all of them stop after ctx ends.
func (r *Runtime) RunBackground(ctx context.Context) (func() error, error) {
	r.Service.StartBackground(ctx)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	if r.replay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.replay.Run(ctx)
		}()
	}
	if addr := strings.TrimSpace(r.Config.Metrics.Addr); addr != "" {
		server, err := observability.NewMetricsServer(addr, r.Metrics, gologger.ForComponent(r.Service.LoggerProvider(), "metrics"))
		if err != nil {
			return nil, fmt.Errorf("start metrics endpoint: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- server.Serve(ctx)
		}()
	}
	return func() error {
		wg.Wait()
		close(errs)
		var joined error
		for err := range errs {
			joined = errors.Join(joined, err)
		}
		return joined
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closeErr = errors.Join(r.Facade.Close(), r.Service.Close())
	})
	return r.closeErr
}

func closeQuietly(outbox core.Outbox) {
	if closer, ok := outbox.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
