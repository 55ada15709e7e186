package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-mcp-inspector/adapters/gologger"
	"github.com/goliatone/go-mcp-inspector/mcpserver"
	"github.com/goliatone/go-mcp-inspector/mockserver"
)

const (
	defaultMockSSEAddr  = "127.0.0.1:9100"
	defaultMockHTTPAddr = "127.0.0.1:9101"
	mockHTTPPath        = "/mcp"
)

// mockSettings are read from the environment so the compliance suite can
// launch the binary as a stdio child and still reach the network listeners.
type mockSettings struct {
	sseAddr     string
	httpAddr    string
	enableStdio bool
}

func mockSettingsFromEnv(lookup func(string) (string, bool)) mockSettings {
	settings := mockSettings{sseAddr: defaultMockSSEAddr, httpAddr: defaultMockHTTPAddr, enableStdio: true}
	if value, ok := lookup("MOCK_SSE_ADDR"); ok {
		settings.sseAddr = strings.TrimSpace(value)
	}
	if value, ok := lookup("MOCK_HTTP_ADDR"); ok {
		settings.httpAddr = strings.TrimSpace(value)
	}
	if value, ok := lookup("MOCK_ENABLE_STDIO"); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "0", "false", "no", "off":
			settings.enableStdio = false
		}
	}
	return settings
}

// NewMockServerCommand builds mock-mcp-server. It serves SSE on
// MOCK_SSE_ADDR, streamable HTTP on MOCK_HTTP_ADDR/mcp and stdio unless
// MOCK_ENABLE_STDIO is false. An empty address disables that listener.
func NewMockServerCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "mock-mcp-server",
		Short:         "Reference MCP server for compliance runs",
		Version:       mockserver.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --log-level", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMockServer(ctx, cmd, mockSettingsFromEnv(os.LookupEnv), newConsoleLogger(cmd.ErrOrStderr(), level))
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (trace|debug|info|warn|error|off)")
	return cmd
}

func runMockServer(ctx context.Context, cmd *cobra.Command, settings mockSettings, provider *consoleLogger) error {
	logger := gologger.ForComponent(provider, "mock")
	server := mockserver.New(mcpserver.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group := &serveGroup{cancel: cancel}
	if settings.sseAddr != "" {
		listener, err := net.Listen("tcp", settings.sseAddr)
		if err != nil {
			return WrapExitError(ExitFailure, "listen sse", err)
		}
		group.run(func() error {
			return serveHTTP(ctx, listener, server.SSEHandler())
		})
		logger.Info("sse listening", "addr", listener.Addr().String())
	}
	if settings.httpAddr != "" {
		listener, err := net.Listen("tcp", settings.httpAddr)
		if err != nil {
			return WrapExitError(ExitFailure, "listen http", err)
		}
		mux := http.NewServeMux()
		mux.Handle(mockHTTPPath, server.StreamableHandler())
		group.run(func() error {
			return serveHTTP(ctx, listener, mux)
		})
		logger.Info("streamable http listening", "addr", listener.Addr().String(), "path", mockHTTPPath)
	}
	if settings.enableStdio {
		group.run(func() error {
			err := server.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			// stdin closed: the parent is gone, stop the listeners too.
			return context.Canceled
		})
	} else {
		group.run(func() error {
			<-ctx.Done()
			return nil
		})
	}
	if err := group.wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "mock server stopped", err)
	}
	return nil
}

// serveGroup cancels every listener once the first one returns.
type serveGroup struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (g *serveGroup) run(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.once.Do(func() { g.err = err })
		}
		g.cancel()
	}()
}

func (g *serveGroup) wait() error {
	g.wg.Wait()
	return g.err
}

func serveHTTP(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
