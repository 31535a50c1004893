// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Providers     []ProviderConfig    `yaml:"providers"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Search        SearchConfig        `yaml:"search"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT validation settings. The signing secret is
// read from the environment, never from the config file.
type IdentityConfig struct {
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	SecretEnv string `yaml:"secret_env"`
}

// ProviderConfig describes one LLM provider in the fallback chain. Chain
// order is the order providers appear in the config.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// RatePerMinute caps requests dispatched to this provider; zero disables
	// the local limiter.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// GatewayConfig describes cross-provider gateway behavior.
type GatewayConfig struct {
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
}

// SearchConfig describes the two search backends.
type SearchConfig struct {
	Legal        SearchBackendConfig `yaml:"legal"`
	Requirements SearchBackendConfig `yaml:"requirements"`
}

// SearchBackendConfig describes one search backend.
type SearchBackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxResults     int                  `yaml:"max_results"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per backend.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// WorkflowConfig describes run orchestration settings.
type WorkflowConfig struct {
	MaxRounds             int           `yaml:"max_rounds"`
	SimilarityThreshold   float64       `yaml:"similarity_threshold"`
	ApprovalWindow        time.Duration `yaml:"approval_window"`
	ApprovalCheckInterval time.Duration `yaml:"approval_check_interval"`
	ExtractRetries        int           `yaml:"extract_retries"`
}

// StoreConfig describes run persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory or postgres
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv: "EDICT_JWT_SECRET",
		},
		Gateway: GatewayConfig{
			RetryBackoff: 500 * time.Millisecond,
			MaxTokens:    2048,
			Temperature:  0.1,
		},
		Search: SearchConfig{
			Legal:        defaultSearchBackend(),
			Requirements: defaultSearchBackend(),
		},
		Workflow: WorkflowConfig{
			MaxRounds:             5,
			SimilarityThreshold:   0.85,
			ApprovalWindow:        24 * time.Hour,
			ApprovalCheckInterval: 60 * time.Second,
			ExtractRetries:        1,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "EDICT_STORE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "EDICT_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

func defaultSearchBackend() SearchBackendConfig {
	return SearchBackendConfig{
		Timeout:    5 * time.Second,
		MaxResults: 20,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			Timeout:            30 * time.Second,
			ErrorRateThreshold: 0.5,
			ErrorRateWindow:    60 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].base_url is required", i))
		}
	}
	if c.Search.Legal.BaseURL == "" {
		errs = append(errs, "search.legal.base_url is required")
	}
	if c.Search.Requirements.BaseURL == "" {
		errs = append(errs, "search.requirements.base_url is required")
	}
	if c.Workflow.MaxRounds < 1 {
		errs = append(errs, "workflow.max_rounds must be at least 1")
	}
	if c.Workflow.SimilarityThreshold < 0 || c.Workflow.SimilarityThreshold > 1 {
		errs = append(errs, "workflow.similarity_threshold must be between 0 and 1")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.Idempotency.Store.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads EDICT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EDICT_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EDICT_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("EDICT_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("EDICT_SEARCH_LEGAL_URL"); v != "" {
		cfg.Search.Legal.BaseURL = v
	}
	if v := os.Getenv("EDICT_SEARCH_REQUIREMENTS_URL"); v != "" {
		cfg.Search.Requirements.BaseURL = v
	}
	if v := os.Getenv("EDICT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("EDICT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
