package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a Backend with circuit breaker protection.
// When the wrapped backend fails repeatedly, the circuit opens and subsequent
// attempts fail fast with domain.ErrCircuitOpen instead of reaching it.
type CircuitBreakerBackend struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.Completion]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker. Zero-valued
// settings fall back to defaults.
func NewCircuitBreakerBackend(inner domain.Backend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Completion](gobreaker.Settings{
		Name:        "backend:" + inner.Name(),
		MaxRequests: 1, // allow 1 trial request in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// The caller walking away says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Stream implements domain.Backend. The whole stream counts as one call.
func (b *CircuitBreakerBackend) Stream(ctx context.Context, req domain.ChatRequest, sink domain.EventSink) (*domain.Completion, error) {
	comp, err := b.breaker.Execute(func() (*domain.Completion, error) {
		return b.inner.Stream(ctx, req, sink)
	})
	return comp, b.wrap(err)
}

// Complete implements domain.Backend.
func (b *CircuitBreakerBackend) Complete(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	comp, err := b.breaker.Execute(func() (*domain.Completion, error) {
		return b.inner.Complete(ctx, req)
	})
	return comp, b.wrap(err)
}

func (b *CircuitBreakerBackend) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("backend %q: %w: %w", b.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return err
}

// Name implements domain.Backend.
func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.Backend = (*CircuitBreakerBackend)(nil)

// --- Connection Pooling ---

// Default connection pool settings: few hosts, long-lived streaming connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling and an
// optional proxy. respTimeout bounds the wait for response headers only, so
// long streams are limited by the attempt context instead.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig, proxyURL string) (*http.Transport, error) {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: proxy %q: %w", domain.ErrConfiguration, proxyURL, err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

// Default backend timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with a pooled transport for one
// backend. The client has no overall timeout; each attempt carries its own
// deadline through the request context. An unparseable proxy URL falls back
// to a direct connection and is rejected earlier by config validation.
func NewHTTPClient(cfg config.BackendConfig, proxyURL string) *http.Client {
	t, err := NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool, proxyURL)
	if err != nil {
		t, _ = NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool, "")
	}
	return &http.Client{Transport: t}
}
