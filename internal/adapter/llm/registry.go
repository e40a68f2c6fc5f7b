package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
)

// Registry holds named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]domain.Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]domain.Backend),
	}
}

// BuildRegistry creates one client per configured backend, wrapped in a
// circuit breaker when enabled.
func BuildRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	proxyURL := cfg.Proxy.URL()
	for _, bc := range cfg.Backends {
		var b domain.Backend
		switch domain.BackendKind(bc.Kind) {
		case domain.BackendReasoning:
			b = NewReasoningClient(bc, proxyURL, logger)
		case domain.BackendTarget:
			b = NewSummaryClient(bc, proxyURL, logger)
		default:
			return nil, fmt.Errorf("%w: backend %q has unknown kind %q", domain.ErrConfiguration, bc.Name, bc.Kind)
		}
		if cfg.CircuitBreaker.Enabled {
			b = NewCircuitBreakerBackend(b, cfg.CircuitBreaker, logger)
		}
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	if proxyURL != "" {
		logger.Info("backend requests use proxy", "proxy", proxyURL)
	}
	return r, nil
}

// Register adds a backend. Returns error if name already registered.
func (r *Registry) Register(b domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("%w: backend %q already registered", domain.ErrConfiguration, name)
	}
	r.backends[name] = b
	return nil
}

// Get retrieves a backend by name.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, name)
	}
	return b, nil
}

// List returns all registered backend names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
