// Package inspector re-exports the inspection service surface and binds its
// commands and queries to go-command.
package inspector

import "github.com/goliatone/go-mcp-inspector/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type Target = core.Target

type CallRequest = core.CallRequest
type CallResult = core.CallResult

type ProbeResult = core.ProbeResult
type DescribeResult = core.DescribeResult
type ToolDescriptor = core.ToolDescriptor

type ErrorBudgetStatus = core.ErrorBudgetStatus

type OutboxEntry = core.OutboxEntry

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithTransportResolver = core.WithTransportResolver
	WithOutbox            = core.WithOutbox
	WithReplaySink        = core.WithReplaySink
	WithSchemaValidator   = core.WithSchemaValidator
	WithToolCatalog       = core.WithToolCatalog
	WithDryRunProbe       = core.WithDryRunProbe
	WithEffectComparator  = core.WithEffectComparator
	WithIdempotencyStore  = core.WithIdempotencyStore
	WithClock             = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
