package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"reasonchain/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match domain.ErrConfiguration.
func (v *ValidationError) Unwrap() error { return domain.ErrConfiguration }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateProxy(cfg, ve)
	validateBackends(cfg, ve)
	validateComposites(cfg, ve)
	validateWorkflow(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	rl := cfg.Server.RateLimit
	if rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		ve.Add("server.rate_limit.requests_per_minute and burst must be > 0 when enabled")
	}
	if isPlaceholderKey(cfg.Server.APIKey) {
		ve.Add("server.api_key is a placeholder value")
	}
}

func validateProxy(cfg *Config, ve *ValidationError) {
	if !cfg.Proxy.Enabled {
		return
	}
	if cfg.Proxy.Address == "" {
		ve.Add("proxy.address must be set when proxy is enabled")
		return
	}
	if _, err := url.Parse(cfg.Proxy.URL()); err != nil {
		ve.Add("proxy.address %q is invalid: %v", cfg.Proxy.Address, err)
	}
}

var validBackendKinds = map[string]bool{
	string(domain.BackendReasoning): true,
	string(domain.BackendTarget):    true,
}

func validateBackends(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			ve.Add("%s.name must not be empty", prefix)
		} else if seen[b.Name] {
			ve.Add("%s.name %q is duplicated", prefix, b.Name)
		}
		seen[b.Name] = true

		if !validBackendKinds[b.Kind] {
			ve.Add("%s.kind %q must be one of reasoning, target", prefix, b.Kind)
		}
		if b.BaseURL == "" {
			ve.Add("%s.base_url must not be empty", prefix)
		} else if u, err := url.Parse(b.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("%s.base_url %q must be an absolute URL", prefix, b.BaseURL)
		}
		if b.Model == "" {
			ve.Add("%s.model must not be empty", prefix)
		}
		if isPlaceholderKey(b.APIKey) {
			ve.Add("%s.api_key is a placeholder value", prefix)
		}
		if b.MaxTokens < 0 {
			ve.Add("%s.max_tokens must be >= 0", prefix)
		}
		if (b.ReasoningMarker == "") != (b.ReasoningEndMarker == "") {
			ve.Add("%s.reasoning_marker and reasoning_end_marker must be set together", prefix)
		}
	}
}

func validateComposites(cfg *Config, ve *ValidationError) {
	active := 0
	for i, c := range cfg.Composites {
		prefix := fmt.Sprintf("composites[%d]", i)
		if c.ID == "" && c.Alias == "" {
			ve.Add("%s needs an id or alias", prefix)
		}
		if c.Active {
			active++
		}
		checkRef := func(field, name string, kind domain.BackendKind) {
			if name == "" {
				ve.Add("%s.%s must not be empty", prefix, field)
				return
			}
			b, err := cfg.Backend(name)
			if err != nil {
				ve.Add("%s.%s references unknown backend %q", prefix, field, name)
				return
			}
			if b.Kind != string(kind) {
				ve.Add("%s.%s backend %q has kind %q, want %q", prefix, field, name, b.Kind, kind)
			}
		}
		checkRef("reasoning", c.Reasoning, domain.BackendReasoning)
		checkRef("target", c.Target, domain.BackendTarget)
	}
	if active > 1 {
		ve.Add("at most one composite may be active, found %d", active)
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	if len(cfg.Workflow.Phase2.Steps) == 0 {
		ve.Add("workflow.phase2.steps must not be empty")
	}
	check := func(name string, steps []domain.PhaseStepConfig) {
		for i, s := range steps {
			if s.RetryNum < 0 {
				ve.Add("workflow.%s.steps[%d].retry_num must be >= 0", name, i)
			}
			// A positive duration under 1ms means a missing unit.
			if s.Timeout < 0 {
				ve.Add("workflow.%s.steps[%d].timeout must be >= 0", name, i)
			} else if s.Timeout > 0 && s.Timeout < time.Millisecond {
				ve.Add("workflow.%s.steps[%d].timeout %d is below 1ms; use a duration string such as \"180s\"", name, i, int64(s.Timeout))
			}
			if s.RetryBackoff < 0 {
				ve.Add("workflow.%s.steps[%d].retry_backoff must be >= 0", name, i)
			} else if s.RetryBackoff > 0 && s.RetryBackoff < time.Millisecond {
				ve.Add("workflow.%s.steps[%d].retry_backoff %d is below 1ms; use a duration string such as \"500ms\"", name, i, int64(s.RetryBackoff))
			}
		}
	}
	check("phase1", cfg.Workflow.Phase1.Steps)
	check("phase2", cfg.Workflow.Phase2.Steps)
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	m := cfg.Metrics
	if !m.Enabled {
		return
	}
	if !strings.HasPrefix(m.Path, "/") {
		ve.Add("metrics.path %q must start with /", m.Path)
	}
	if m.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(m.Addr); err != nil {
		ve.Add("metrics.addr %q is not host:port: %v", m.Addr, err)
	} else if m.Addr == cfg.Server.Addr {
		ve.Add("metrics.addr must differ from server.addr")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true, "pretty": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q must be one of text, json, pretty", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && cfg.Tracer.Exporter != "stdout" && cfg.Tracer.Exporter != "noop" {
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}

var placeholderKeys = []string{"sk-xxx", "your-api-key", "changeme", "<api-key>", "xxx"}

func isPlaceholderKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, p := range placeholderKeys {
		if k == p {
			return true
		}
	}
	return false
}
