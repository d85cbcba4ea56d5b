// Package config loads service configuration from YAML with environment
// variable overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" env:"SERVER"`
	Database     DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Redis        RedisConfig        `yaml:"redis" env:"REDIS"`
	Provider     ProviderConfig     `yaml:"provider" env:"PROVIDER"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Invoker      InvokerConfig      `yaml:"invoker" env:"INVOKER"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp" env:"WHATSAPP"`
	Log          LogConfig          `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig configures persistence. An empty DSN runs on in-memory
// sqlite, convenient for development.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the distributed conversation lock. Leaving Addr
// empty keeps locking in-process.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// ProviderConfig configures the chat-completion backend.
type ProviderConfig struct {
	Name         string        `yaml:"name" env:"NAME"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	DefaultModel string        `yaml:"default_model" env:"DEFAULT_MODEL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// OrchestratorConfig tunes conversation turns.
type OrchestratorConfig struct {
	MaxIterations      int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	MaxConcurrentTools int64         `yaml:"max_concurrent_tools" env:"MAX_CONCURRENT_TOOLS"`
	ToolTimeout        time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	MaxHistoryMessages int           `yaml:"max_history_messages" env:"MAX_HISTORY_MESSAGES"`
	HistoryTokenBudget int           `yaml:"history_token_budget" env:"HISTORY_TOKEN_BUDGET"`
	FallbackMessage    string        `yaml:"fallback_message" env:"FALLBACK_MESSAGE"`
}

// InvokerConfig tunes endpoint tool execution.
type InvokerConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RateLimitPerS  float64       `yaml:"rate_limit_per_s" env:"RATE_LIMIT_PER_S"`
	RateBurst      int           `yaml:"rate_burst" env:"RATE_BURST"`
	MaxResultBytes int           `yaml:"max_result_bytes" env:"MAX_RESULT_BYTES"`
}

// WhatsAppConfig points at the gateway that relays outbound messages.
// An empty GatewayURL disables WhatsApp delivery.
type WhatsAppConfig struct {
	GatewayURL string        `yaml:"gateway_url" env:"GATEWAY_URL"`
	APIToken   string        `yaml:"api_token" env:"API_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			LockTTL: 2 * time.Minute,
		},
		Provider: ProviderConfig{
			Name:         "openai",
			BaseURL:      "https://api.openai.com",
			DefaultModel: "gpt-4o",
			Timeout:      60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:      5,
			MaxConcurrentTools: 4,
			ToolTimeout:        30 * time.Second,
			MaxHistoryMessages: 20,
			HistoryTokenBudget: 4000,
		},
		Invoker: InvokerConfig{
			Timeout:        30 * time.Second,
			MaxResultBytes: 64 * 1024,
		},
		WhatsApp: WhatsAppConfig{
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the parts that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.DefaultModel == "" {
		return fmt.Errorf("provider.default_model is required")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive")
	}
	if c.Orchestrator.MaxConcurrentTools <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_tools must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not json or console", c.Log.Format)
	}
	return nil
}
