// Package config loads conductord's configuration: defaults, then a TOML
// file, then environment variables (env wins), matching the layering the
// teacher's bot config used.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Redis    RedisConfig    `toml:"redis"`
	MCP      MCPConfig      `toml:"mcp"`
	Tracing  TracingConfig  `toml:"tracing"`
}

// ServerConfig configures the Streaming Gateway's HTTP listener (§6).
type ServerConfig struct {
	Addr              string        `toml:"addr"`
	FilesDir          string        `toml:"files_dir"`
	KeepaliveInterval time.Duration `toml:"keepalive_interval"`
	MaxIterations     int           `toml:"max_iterations"`
	CompressThreshold int           `toml:"compress_threshold"`
}

// ProviderConfig configures the LLM provider (provider/anthropic), plus
// the retry/rate-limit wrapping applied around it at wiring time.
type ProviderConfig struct {
	APIKey           string        `toml:"api_key"`
	Model            string        `toml:"model"`
	BaseURL          string        `toml:"base_url"`
	MaxRetries       int           `toml:"max_retries"`
	RequestsPerMin   int           `toml:"requests_per_minute"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
}

// RedisConfig configures the Persistence & History store (store/redis).
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MCPConfig lists the MCP servers dialed at startup (mcpclient) to
// populate the tool registry's remote-backed categories.
type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers"`
}

type MCPServerConfig struct {
	Name     string   `toml:"name"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Category string   `toml:"category"`
}

// TracingConfig configures the OTEL exporter used for the agent loop's
// Tracer (cmd/conductord wires go.opentelemetry.io/otel around this).
type TracingConfig struct {
	Enabled        bool   `toml:"enabled"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	ServiceName    string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			FilesDir:          "./conductor-files",
			KeepaliveInterval: 15 * time.Second,
			MaxIterations:     30,
			CompressThreshold: 0,
		},
		Provider: ProviderConfig{
			Model:          "claude-sonnet-4-5",
			MaxRetries:     3,
			RequestsPerMin: 50,
			RequestTimeout: 120 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Tracing: TracingConfig{
			ServiceName: "conductord",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CONDUCTOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CONDUCTOR_FILES_DIR"); v != "" {
		cfg.Server.FilesDir = v
	}
	if v := os.Getenv("CONDUCTOR_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("CONDUCTOR_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CONDUCTOR_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}
	if os.Getenv("CONDUCTOR_TRACING_ENABLED") == "true" || os.Getenv("CONDUCTOR_TRACING_ENABLED") == "1" {
		cfg.Tracing.Enabled = true
	}

	return cfg
}
