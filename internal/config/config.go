package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the recipe engine process.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Telemetry TelemetryConfig
	Engine    EngineConfig
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Backend is "file" (default, one JSON document per session under the
	// project's .recipes/sessions directory) or "postgres" (shared store
	// for multi-process deployments).
	Backend       string
	PostgresDSN   string
	RetentionTTL  time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// EngineConfig carries the defaults applied to a recipe that doesn't
// declare its own rate_limiting block.
type EngineConfig struct {
	MaxConcurrentLLM int
	MinPacingMS      int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("RECIPES_PORT", 8080),
		Version: envStr("RECIPES_VERSION", "0.1.0"),
		Store: StoreConfig{
			Backend:      envStr("RECIPES_STORE_BACKEND", "file"),
			PostgresDSN:  envStr("RECIPES_STORE_POSTGRES_DSN", ""),
			RetentionTTL: envDuration("RECIPES_SESSION_TTL", 30*24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "recipe-engine"),
		},
		Engine: EngineConfig{
			MaxConcurrentLLM: envInt("RECIPES_MAX_CONCURRENT_LLM", 4),
			MinPacingMS:      envInt("RECIPES_MIN_PACING_MS", 0),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
