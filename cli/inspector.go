package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-mcp-inspector/adapters/gologger"
	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/toolserver"
)

var Version = "0.1.0"

// rootFlags are the persistent flags every inspector subcommand reads.
type rootFlags struct {
	configPath string
	logLevel   string
	catalogTTL time.Duration
	outbox     string
}

func (f *rootFlags) runtime(ctx context.Context, stderr io.Writer, replay bool, metricsAddr string) (*Runtime, error) {
	level, err := parseLogLevel(f.logLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --log-level", err)
	}
	return NewRuntime(ctx, RuntimeOptions{
		ConfigPath:     f.configPath,
		LoggerProvider: newConsoleLogger(stderr, level),
		CatalogTTL:     f.catalogTTL,
		Replay:         replay,
		MetricsAddr:    metricsAddr,
		OutboxBackend:  f.outbox,
	})
}

// NewInspectorCommand builds the mcp-inspector command tree.
func NewInspectorCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "mcp-inspector",
		Short:         "Probe, list, describe and call MCP servers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	persistent := root.PersistentFlags()
	persistent.StringVar(&flags.configPath, "config", "", "TOML config file")
	persistent.StringVar(&flags.logLevel, "log-level", "info", "log level (trace|debug|info|warn|error|off)")
	persistent.DurationVar(&flags.catalogTTL, "catalog-ttl", 30*time.Second, "tool catalog cache ttl for describe; 0 disables")
	persistent.StringVar(&flags.outbox, "outbox", "", "outbox backend override (file|memory|sqlite|postgres)")

	root.AddCommand(
		newServeCommand(flags),
		newProbeCommand(flags),
		newListCommand(flags),
		newDescribeCommand(flags),
		newCallCommand(flags),
		newBudgetCommand(flags),
		newSweepCommand(flags),
		newReplayCommand(flags),
	)
	return root
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	var metricsAddr string
	var replay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inspector tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := flags.runtime(ctx, cmd.ErrOrStderr(), replay, metricsAddr)
			if err != nil {
				return err
			}
			defer rt.Close()

			wait, err := rt.RunBackground(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "start background workers", err)
			}
			logger := gologger.ForComponent(rt.Service.LoggerProvider(), "serve")
			server := toolserver.New(rt.Facade,
				toolserver.WithVersion(Version),
				toolserver.WithLogger(gologger.ForComponent(rt.Service.LoggerProvider(), "toolserver")),
			)
			logger.Info("serving inspector over stdio", "service", rt.Config.ServiceName)
			serveErr := server.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			stop()
			if err := wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("background worker stopped with error", "error", err.Error())
			}
			if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				return WrapExitError(ExitFailure, "stdio server stopped", serveErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&replay, "replay", true, "replay outbox entries through the job queue")
	return cmd
}

func newProbeCommand(flags *rootFlags) *cobra.Command {
	target := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the MCP handshake against a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTarget(cmd, flags, target, func(ctx context.Context, rt *Runtime, t core.Target) error {
				res, err := rt.Facade.Probe(ctx, t)
				if err != nil {
					return WrapExitError(ExitFailure, "probe failed", err)
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				var latency int64
				if res.LatencyMS != nil {
					latency = *res.LatencyMS
				}
				statusLine(cmd.ErrOrStderr(), res.OK, "probe %s %dms", res.Transport, latency)
				if !res.OK {
					reason := "unknown error"
					if res.Error != nil {
						reason = *res.Error
					}
					return NewExitError(ExitFailure, "probe reported failure: "+reason)
				}
				return nil
			})
		},
	}
	target.bind(cmd)
	return cmd
}

func newListCommand(flags *rootFlags) *cobra.Command {
	target := &targetFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"list-tools"},
		Short:   "List the tools a target exposes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTarget(cmd, flags, target, func(ctx context.Context, rt *Runtime, t core.Target) error {
				tools, err := rt.Facade.ListTools(ctx, t)
				if err != nil {
					return WrapExitError(ExitFailure, "list tools failed", err)
				}
				if err := writeJSON(cmd.OutOrStdout(), tools); err != nil {
					return err
				}
				statusLine(cmd.ErrOrStderr(), true, "%d tools", len(tools))
				return nil
			})
		},
	}
	target.bind(cmd)
	return cmd
}

func newDescribeCommand(flags *rootFlags) *cobra.Command {
	target := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "describe <tool>",
		Short: "Describe one tool and validate its input schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, flags, target, func(ctx context.Context, rt *Runtime, t core.Target) error {
				res, err := rt.Facade.Describe(ctx, t, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "describe failed", err)
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				statusLine(cmd.ErrOrStderr(), true, "described %s", res.Tool.Name)
				return nil
			})
		},
	}
	target.bind(cmd)
	return cmd
}

func newCallCommand(flags *rootFlags) *cobra.Command {
	target := &targetFlags{}
	var rawArgs, idempotencyKey, externalRef string
	var stream bool
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool with idempotency and outbox persistence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseArguments(rawArgs)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --args", err)
			}
			return withTarget(cmd, flags, target, func(ctx context.Context, rt *Runtime, t core.Target) error {
				res, err := rt.Facade.Call(ctx, core.CallRequest{
					Target:         t,
					ToolName:       args[0],
					Arguments:      arguments,
					IdempotencyKey: strings.TrimSpace(idempotencyKey),
					ExternalRef:    strings.TrimSpace(externalRef),
					Stream:         stream,
				})
				if err != nil {
					return WrapExitError(ExitFailure, "call failed", err)
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				statusLine(cmd.ErrOrStderr(), !res.IsError, "call %s replayed=%t outbox=%t", args[0], res.Trace.Replayed, res.Trace.OutboxWritten)
				if res.IsError {
					return NewExitError(ExitFailure, "tool returned an error result")
				}
				return nil
			})
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key; derived from the request when empty")
	cmd.Flags().StringVar(&externalRef, "external-ref", "", "external reference recorded on the run event")
	cmd.Flags().BoolVar(&stream, "stream", false, "collect progress notifications as stream events")
	return cmd
}

func newBudgetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Print the error budget status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, rt *Runtime) error {
				status, err := rt.Facade.ErrorBudgetStatus(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "read error budget", err)
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newSweepCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reaper sweep over stale idempotency claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, rt *Runtime) error {
				stats, err := rt.Facade.Sweep(ctx)
				if writeErr := writeJSON(cmd.OutOrStdout(), stats); writeErr != nil {
					return writeErr
				}
				if err != nil {
					return WrapExitError(ExitFailure, "sweep failed", err)
				}
				statusLine(cmd.ErrOrStderr(), true, "reaped=%d retried=%d failed=%d", stats.Reaped, stats.Retried, stats.Failed)
				return nil
			})
		},
	}
}

func newReplayCommand(flags *rootFlags) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay one batch of undelivered outbox entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := flags.runtime(ctx, cmd.ErrOrStderr(), true, "")
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.Facade.Replay(ctx, batchSize)
			if err != nil {
				return WrapExitError(ExitFailure, "replay failed", err)
			}
			drained := rt.replay.Drain(ctx)
			if err := writeJSON(cmd.OutOrStdout(), stats); err != nil {
				return err
			}
			statusLine(cmd.ErrOrStderr(), stats.Failed == 0, "delivered=%d consumed=%d retried=%d failed=%d", stats.Delivered, drained, stats.Retried, stats.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entries to claim; 0 uses replay.batch_size")
	return cmd
}

func withRuntime(cmd *cobra.Command, flags *rootFlags, run func(context.Context, *Runtime) error) error {
	ctx := cmd.Context()
	rt, err := flags.runtime(ctx, cmd.ErrOrStderr(), false, "")
	if err != nil {
		return err
	}
	defer rt.Close()
	return run(ctx, rt)
}

func withTarget(cmd *cobra.Command, flags *rootFlags, target *targetFlags, run func(context.Context, *Runtime, core.Target) error) error {
	t, err := target.target()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid target", err)
	}
	return withRuntime(cmd, flags, func(ctx context.Context, rt *Runtime) error {
		return run(ctx, rt, t)
	})
}

func parseArguments(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(raw), &object); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return json.RawMessage(raw), nil
}
