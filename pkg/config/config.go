// Package config loads the control plane's configuration from an optional
// YAML file and environment overrides, adapted from the teacher's own
// pkg/config/config.go (same envdecode+godotenv+yaml.v3 layering) and
// narrowed to spec.md section 6's configuration surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the postgres store driver. Driver selects between
// "memory" and "postgres" (spec.md section 6).
type DatabaseConfig struct {
	Driver         string `json:"driver" env:"STORE_DRIVER"`
	DSN            string `json:"dsn" env:"DATABASE_DSN"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// QueueConfig controls the queue driver and its operational policy knobs.
type QueueConfig struct {
	Driver              string `json:"driver" env:"QUEUE_DRIVER"`
	RedisAddr           string `json:"redis_addr" env:"REDIS_ADDR"`
	BackpressureAgeMs   int64  `json:"backpressure_age_ms" env:"BACKPRESSURE_AGE_MS"`
	DisableInlineRunner bool   `json:"disable_inline_runner" env:"DISABLE_INLINE_RUNNER"`
	StepTimeoutMs       int    `json:"step_timeout_ms" env:"STEP_TIMEOUT_MS"`
	WorkerConcurrency   int    `json:"worker_concurrency" env:"WORKER_CONCURRENCY"`
}

// StepTimeout returns the configured step timeout as a time.Duration.
func (q QueueConfig) StepTimeout() time.Duration {
	return time.Duration(q.StepTimeoutMs) * time.Millisecond
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// LLMProviderConfig is one provider's credentials/endpoint override.
type LLMProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url"`
}

// LLMConfig controls the router's provider wiring and policy knobs
// (spec.md 4.D).
type LLMConfig struct {
	DocsCacheTTLMs         int64   `json:"docs_cache_ttl_ms" env:"DOCS_CACHE_TTL_MS"`
	OpenAIAllowTemperature bool    `json:"openai_allow_temperature" env:"OPENAI_ALLOW_TEMPERATURE"`
	CoverageThreshold      float64 `json:"coverage_threshold" env:"COVERAGE_THRESHOLD"`
	Order                  string  `json:"order" env:"LLM_ORDER"`

	OpenAI    LLMProviderConfig
	Anthropic LLMProviderConfig
	Gemini    LLMProviderConfig
}

// DocsCacheTTL returns the configured docs-cache TTL as a time.Duration.
func (l LLMConfig) DocsCacheTTL() time.Duration {
	return time.Duration(l.DocsCacheTTLMs) * time.Millisecond
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Logging  LoggingConfig  `json:"logging"`
	LLM      LLMConfig      `json:"llm"`
}

// New returns a configuration populated with spec.md section 6's defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:         "memory",
			MigrateOnStart: true,
		},
		Queue: QueueConfig{
			Driver:            "memory",
			BackpressureAgeMs: 5000,
			StepTimeoutMs:     30000,
			WorkerConcurrency: 4,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		LLM: LLMConfig{
			DocsCacheTTLMs:    15 * 60 * 1000,
			CoverageThreshold: 0.9,
			// Order is left unset: the router's own per-task-kind defaults
			// (spec.md 4.D step 2) apply until LLM_ORDER is configured.
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variable overrides, matching the teacher's own Load() layering: .env,
// then configs/config.yaml (or $CONFIG_FILE), then envdecode tag overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	loadProviderOverrides(cfg)

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadProviderOverrides reads the per-provider LLM_<PROVIDER>_API_KEY /
// LLM_<PROVIDER>_BASE_URL env vars spec.md section 6 names, plus the
// bare <PROVIDER>_API_KEY vars envdecode can't express on a field keyed by
// provider name.
func loadProviderOverrides(cfg *Config) {
	providers := map[string]*LLMProviderConfig{
		"OPENAI":    &cfg.LLM.OpenAI,
		"ANTHROPIC": &cfg.LLM.Anthropic,
		"GEMINI":    &cfg.LLM.Gemini,
	}
	for name, pc := range providers {
		if key := strings.TrimSpace(os.Getenv(name + "_API_KEY")); key != "" {
			pc.APIKey = key
		}
		if key := strings.TrimSpace(os.Getenv("LLM_" + name + "_API_KEY")); key != "" {
			pc.APIKey = key
		}
		if url := strings.TrimSpace(os.Getenv("LLM_" + name + "_BASE_URL")); url != "" {
			pc.BaseURL = url
		}
	}
}

// ParsedOrder splits the comma-separated LLM_ORDER override, when set, into
// an explicit provider-name ordering. Returns nil when unset, leaving the
// router's built-in per-task-kind defaults in place.
func (c Config) ParsedOrder() []string {
	trimmed := strings.TrimSpace(c.LLM.Order)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	order := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			order = append(order, p)
		}
	}
	return order
}
