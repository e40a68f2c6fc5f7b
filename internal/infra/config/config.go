package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reasonchain/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REASONCHAIN_"

// Config is the top-level configuration.
type Config struct {
	Includes       []string             `yaml:"includes,omitempty"`
	Server         ServerConfig         `yaml:"server"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Backends       []BackendConfig      `yaml:"backends"`
	Composites     []CompositeConfig    `yaml:"composites"`
	Workflow       WorkflowConfig       `yaml:"workflow"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	APIKey          string          `yaml:"api_key"`
	CORSOrigins     []string        `yaml:"cors_origins"`
	AnswerPrefix    string          `yaml:"answer_prefix"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// ProxyConfig routes every backend request through one HTTP proxy.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// URL returns the proxy address with a scheme, or "" when disabled.
func (p ProxyConfig) URL() string {
	if !p.Enabled || p.Address == "" {
		return ""
	}
	if strings.HasPrefix(p.Address, "http://") || strings.HasPrefix(p.Address, "https://") {
		return p.Address
	}
	return "http://" + p.Address
}

// BackendConfig describes one OpenAI-compatible model endpoint.
type BackendConfig struct {
	Name               string        `yaml:"name"`
	Kind               string        `yaml:"kind"` // "reasoning" or "target"
	BaseURL            string        `yaml:"base_url"`
	APIPath            string        `yaml:"api_path"`
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	MaxTokens          int           `yaml:"max_tokens,omitempty"`
	Temperature        *float64      `yaml:"temperature,omitempty"`
	ReasoningMarker    string        `yaml:"reasoning_marker,omitempty"`
	ReasoningEndMarker string        `yaml:"reasoning_end_marker,omitempty"`
	ConnTimeout        time.Duration `yaml:"conn_timeout"`
	RespTimeout        time.Duration `yaml:"resp_timeout"`
	Pool               PoolConfig    `yaml:"pool"`
}

// Endpoint joins base URL and API path.
func (b BackendConfig) Endpoint() string {
	path := b.APIPath
	if path == "" {
		path = "/v1/chat/completions"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(b.BaseURL, "/") + path
}

// PoolConfig holds HTTP connection pool settings for a backend.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CompositeConfig pairs a reasoning backend with a target backend under one
// public model name.
type CompositeConfig struct {
	ID        string `yaml:"id"`
	Alias     string `yaml:"alias"`
	Reasoning string `yaml:"reasoning"`
	Target    string `yaml:"target"`
	Active    bool   `yaml:"active"`
}

// WorkflowConfig holds the step lists of both phases.
type WorkflowConfig struct {
	Phase1 PhaseConfig `yaml:"phase1"`
	Phase2 PhaseConfig `yaml:"phase2"`
}

// PhaseConfig lists the configured steps of one phase.
type PhaseConfig struct {
	Steps []domain.PhaseStepConfig `yaml:"steps"`
}

// CircuitBreakerConfig holds circuit breaker settings for backends.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text", "json" or "pretty"
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig controls the Prometheus endpoint. With Addr set, metrics get
// their own listener instead of a gateway route.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Addr    string `yaml:"addr,omitempty"`
}

// Phase1Steps returns the configured phase-1 steps; empty means phase 1 is skipped.
func (c *Config) Phase1Steps() []domain.PhaseStepConfig { return c.Workflow.Phase1.Steps }

// Phase2Steps returns the configured phase-2 steps.
func (c *Config) Phase2Steps() []domain.PhaseStepConfig { return c.Workflow.Phase2.Steps }

func defaultStep() domain.PhaseStepConfig {
	return domain.PhaseStepConfig{Stream: true, RetryNum: 0, Timeout: 180 * time.Second}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"*"},
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Workflow: WorkflowConfig{
			Phase1: PhaseConfig{Steps: []domain.PhaseStepConfig{defaultStep()}},
			Phase2: PhaseConfig{Steps: []domain.PhaseStepConfig{defaultStep()}},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve config path: %w", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		}
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps REASONCHAIN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "SERVER_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv(EnvPrefix + "SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = parseBool(v, cfg.Tracer.Enabled)
	}
	if v := os.Getenv(EnvPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled)
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "PROXY_ADDRESS"); v != "" {
		cfg.Proxy.Address = v
		cfg.Proxy.Enabled = true
	}
	for i := range cfg.Backends {
		if v := os.Getenv(backendEnvKey(cfg.Backends[i].Name, "API_KEY")); v != "" {
			cfg.Backends[i].APIKey = v
		}
	}
}

// backendEnvKey builds e.g. REASONCHAIN_BACKEND_DEEPSEEK_R1_API_KEY for "deepseek-r1".
func backendEnvKey(name, field string) string {
	up := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
	return EnvPrefix + "BACKEND_" + up + "_" + field
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
