package transport

import (
	"net/http"
	"time"

	"github.com/goliatone/go-mcp-inspector/core"
)

// ClientVersion is reported in clientInfo during the handshake.
const ClientVersion = "0.1.0"

const ClientName = "mcp-inspector"

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	ConnectAttempts   int
	Backoff           BackoffConfig
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	KillTimeout       time.Duration
	MaxFrameBytes     int
	MaxBodyBytes      int64
	StreamBuffer      int
	ReorderWindow     int
	ReorderFlush      time.Duration
	Logger            core.Logger
	HTTPClient        HTTPDoer
	// StreamClient serves long-lived event streams and must not carry a
	// whole-request timeout.
	StreamClient HTTPDoer
}

func DefaultOptions() Options {
	return OptionsFromConfig(core.DefaultConfig().Transport)
}

// OptionsFromConfig maps the configured values, keeping the defaults for
// anything left at zero.
func OptionsFromConfig(cfg core.TransportConfig) Options {
	defaults := core.DefaultConfig().Transport
	pick := func(value, fallback int) int {
		if value <= 0 {
			return fallback
		}
		return value
	}
	ms := func(value, fallback int) time.Duration {
		return time.Duration(pick(value, fallback)) * time.Millisecond
	}
	jitter := cfg.BackoffJitter
	if jitter < 0 || jitter > 1 {
		jitter = defaults.BackoffJitter
	}
	return Options{
		ConnectAttempts: pick(cfg.ConnectAttempts, defaults.ConnectAttempts),
		Backoff: BackoffConfig{
			InitialDelay: ms(cfg.BackoffInitialMS, defaults.BackoffInitialMS),
			Multiplier:   2,
			MaxDelay:     ms(cfg.BackoffMaxMS, defaults.BackoffMaxMS),
			Jitter:       jitter,
			RetryWindow:  ms(cfg.RetryWindowMS, defaults.RetryWindowMS),
		},
		RequestTimeout:    ms(cfg.RequestTimeoutMS, defaults.RequestTimeoutMS),
		HeartbeatInterval: ms(cfg.HeartbeatIntervalMS, defaults.HeartbeatIntervalMS),
		HeartbeatMisses:   pick(cfg.HeartbeatMisses, defaults.HeartbeatMisses),
		KillTimeout:       ms(cfg.KillTimeoutMS, defaults.KillTimeoutMS),
		MaxFrameBytes:     pick(cfg.MaxFrameBytes, defaults.MaxFrameBytes),
		MaxBodyBytes:      int64(pick(cfg.MaxBodyBytes, defaults.MaxBodyBytes)),
		StreamBuffer:      pick(cfg.StreamBuffer, defaults.StreamBuffer),
		ReorderWindow:     pick(cfg.ReorderWindow, defaults.ReorderWindow),
		ReorderFlush:      ms(cfg.ReorderFlushMS, defaults.ReorderFlushMS),
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 1
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 4 << 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = 32
	}
	if o.ReorderWindow <= 0 {
		o.ReorderWindow = 64
	}
	if o.ReorderFlush <= 0 {
		o.ReorderFlush = 50 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = newHTTPClient(o.RequestTimeout)
	}
	if o.StreamClient == nil {
		o.StreamClient = newHTTPClient(0)
	}
	return o
}
