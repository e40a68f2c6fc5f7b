package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
	"reasonchain/internal/infra/metrics"
	"reasonchain/internal/infra/middleware"
	"reasonchain/internal/usecase/workflow"
)

// BackendLookup finds a configured backend by name. llm.Registry implements it.
type BackendLookup interface {
	Get(name string) (domain.Backend, error)
	List() []string
}

// Deps holds what the gateway needs to serve requests.
type Deps struct {
	Config *config.Config
	// ConfigPath is the file behind Config. The /api config endpoints are
	// served only when it is set and server.api_key is configured.
	ConfigPath string
	Backends   BackendLookup
	Recorder   workflow.Recorder
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Version    string
}

// Server is the OpenAI-compatible HTTP gateway.
type Server struct {
	cfg        *config.Config
	configPath string
	backends   BackendLookup
	recorder   workflow.Recorder
	clock      clockwork.Clock
	logger     *slog.Logger
	version    string
	started    time.Time
	router     chi.Router

	saveMu sync.Mutex

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

// NewServer builds the router. ctx bounds background work such as the rate
// limiter's sweeper.
func NewServer(ctx context.Context, deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		configPath: deps.ConfigPath,
		backends:   deps.Backends,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		logger:     deps.Logger,
		version:    deps.Version,
		ready:      make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = metrics.Prometheus{}
	}
	s.started = s.clock.Now()
	s.router = s.routes(ctx)
	return s
}

func (s *Server) routes(ctx context.Context) chi.Router {
	sc := s.cfg.Server
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.requestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(sc.CORSOrigins))
	r.Use(middleware.MaxBodySize(sc.MaxBodyBytes))
	if sc.RateLimit.Enabled {
		r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: sc.RateLimit.RequestsPerMinute,
			Burst:          sc.RateLimit.Burst,
			Clock:          s.clock,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Addr == "" {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, metrics.Handler())
	}

	auth := NewAPIKeyAuth(sc.APIKey, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/models", s.handleModels)
	})

	r.Post("/login", s.handleLogin)
	// Config editing is never served without a key.
	if s.configPath != "" && auth.Enabled() {
		r.Route("/api", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Get("/config_get", s.handleConfigGet)
			r.Post("/config_save", s.handleConfigSave)
		})
	}
	return r
}

// Handler returns the gateway's root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until ctx is done,
// then drains in-flight requests for up to the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("gateway started", "addr", s.BoundAddr(), "auth", s.cfg.Server.APIKey != "")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("gateway shutting down", "timeout", timeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) newCompletionID() string {
	return "chatcmpl-" + ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy()).String()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", requestID(r),
		)
	})
}

func requestID(r *http.Request) string { return chimw.GetReqID(r.Context()) }
