package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
)

// MetricsServer exposes /metrics and /healthz on a plain HTTP listener.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   core.Logger
}

func NewMetricsServer(addr string, recorder *PrometheusRecorder, logger core.Logger) (*MetricsServer, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("observability: metrics address is required")
	}
	if recorder == nil {
		return nil, errors.New("observability: prometheus recorder is required")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   glog.Ensure(logger),
	}, nil
}

func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the listener down.
func (s *MetricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.Addr())
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
