// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/conduit/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Engine        EngineConfig             `yaml:"engine"`
	Store         StoreConfig              `yaml:"store"`
	Events        EventsConfig             `yaml:"events"`
	Definitions   DefinitionsConfig        `yaml:"definitions"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// IdempotencyTTL is how long an Idempotency-Key on an execute request
	// keeps resolving to the same execution. Zero disables deduplication.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	CORS           CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// EngineConfig describes the execution engine and its health sweep.
type EngineConfig struct {
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	StuckExecutionTimeout time.Duration `yaml:"stuck_execution_timeout"`
	// DefaultStageTimeout applies to stages that declare no timeout. Zero
	// leaves such stages unbounded.
	DefaultStageTimeout time.Duration     `yaml:"default_stage_timeout"`
	StatusHistory       int               `yaml:"status_history"`
	FailureRateWarning  float64           `yaml:"failure_rate_warning"`
	DefaultRetry        model.RetryPolicy `yaml:"default_retry"`
	// SensitiveParameters extends the execution parameter names that are
	// redacted from logs.
	SensitiveParameters []string `yaml:"sensitive_parameters"`
}

// StoreConfig describes workflow and execution persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes where lifecycle events are delivered.
type EventsConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
	Buffer  int    `yaml:"buffer"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ServiceConfig describes the HTTP collaborator behind one stage service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultCircuitBreaker returns the breaker settings used when a service
// leaves them unset.
func DefaultCircuitBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    60 * time.Second,
	}
}

// DefaultEngine returns engine settings with sensible defaults.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		HealthCheckInterval:   60 * time.Second,
		StuckExecutionTimeout: 60 * time.Minute,
		StatusHistory:         50,
		FailureRateWarning:    0.5,
		DefaultRetry: model.RetryPolicy{
			MaxAttempts:         3,
			BackoffStrategy:     model.BackoffExponential,
			BackoffDelaySeconds: 1,
		},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			IdempotencyTTL:  24 * time.Hour,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Engine: DefaultEngine(),
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CONDUIT_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Driver:  "memory",
			AddrEnv: "CONDUIT_REDIS_ADDR",
			Channel: "conduit:events",
			Buffer:  1024,
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyServiceDefaults()

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

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.AddrEnv == "" {
			errs = append(errs, "events.addr_env is required for the redis driver")
		}
		if c.Events.Channel == "" {
			errs = append(errs, "events.channel is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q is not supported", c.Events.Driver))
	}
	if c.Events.Buffer < 1 {
		errs = append(errs, "events.buffer must be positive")
	}

	e := c.Engine
	if e.HealthCheckInterval <= 0 {
		errs = append(errs, "engine.health_check_interval must be positive")
	}
	if e.StuckExecutionTimeout <= 0 {
		errs = append(errs, "engine.stuck_execution_timeout must be positive")
	}
	if e.DefaultStageTimeout < 0 {
		errs = append(errs, "engine.default_stage_timeout must not be negative")
	}
	if e.StatusHistory < 1 {
		errs = append(errs, "engine.status_history must be positive")
	}
	if e.FailureRateWarning < 0 || e.FailureRateWarning > 1 {
		errs = append(errs, "engine.failure_rate_warning must be between 0 and 1")
	}
	if e.DefaultRetry.MaxAttempts < 1 {
		errs = append(errs, "engine.default_retry.max_attempts must be at least 1")
	}

	for name, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) applyServiceDefaults() {
	for name, svc := range c.Services {
		if svc.Timeout <= 0 {
			svc.Timeout = 30 * time.Second
		}
		if svc.CircuitBreaker.FailureThreshold == 0 {
			svc.CircuitBreaker = DefaultCircuitBreaker()
		}
		c.Services[name] = svc
	}
}

// applyEnvOverrides reads CONDUIT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUIT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONDUIT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CONDUIT_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("CONDUIT_ENGINE_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("CONDUIT_ENGINE_STUCK_EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StuckExecutionTimeout = d
		}
	}
	if v := os.Getenv("CONDUIT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
