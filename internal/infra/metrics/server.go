package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }

// Server exposes Handler on its own listener, apart from the gateway.
type Server struct {
	addr   string
	path   string
	logger *slog.Logger
	ready  chan struct{}
	bound  string
}

// NewServer creates a metrics listener for addr serving path.
func NewServer(addr, path string, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, path: path, logger: logger, ready: make(chan struct{})}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.bound = listener.Addr().String()
	close(s.ready)

	mux := http.NewServeMux()
	mux.Handle(s.path, Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("metrics listener started", "addr", s.bound, "path", s.path)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr is the listener address. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.bound }
