package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:            "Bruce",
			MentionTokens:   FlexibleStringSlice{"@bruce", "@ai"},
			Provider:        "anthropic",
			MaxTokens:       4000,
			Temperature:     0.7,
			ContextMessages: 50,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 30,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.roomclaw/messages.db",
		},
		Coordinator: CoordinatorConfig{
			ClaimTTLSec:       600,
			MaxClaims:         10000,
			SweepSchedule:     "* * * * *",
			LeaseTTLSec:       120,
			MaxConcurrentJobs: 4,
			Retry: RetryConfig{
				Mode:        "drop",
				MaxAttempts: 3,
				BackoffMs:   1000,
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("ROOMCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ROOMCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ROOMCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("ROOMCLAW_JWT_SECRET", &c.Gateway.JWTSecret)
	envStr("ROOMCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ROOMCLAW_REDIS_URL", &c.Coordinator.RedisURL)

	// Assistant
	envStr("ROOMCLAW_PROVIDER", &c.Assistant.Provider)
	envStr("ROOMCLAW_MODEL", &c.Assistant.Model)
	if v := os.Getenv("ROOMCLAW_MENTION_TOKENS"); v != "" {
		c.Assistant.MentionTokens = splitList(v)
	}
	envBool("ROOMCLAW_AUTO_RESPOND", &c.Assistant.AutoRespond)

	// Gateway host/port
	envStr("ROOMCLAW_HOST", &c.Gateway.Host)
	envInt("ROOMCLAW_PORT", &c.Gateway.Port)

	// Database
	envStr("ROOMCLAW_MODE", &c.Database.Mode)
	envStr("ROOMCLAW_SQLITE_PATH", &c.Database.SQLitePath)

	// Coordinator
	envStr("ROOMCLAW_RETRY_MODE", &c.Coordinator.Retry.Mode)

	// Telemetry
	envBool("ROOMCLAW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("ROOMCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ROOMCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ROOMCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("ROOMCLAW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Hash returns a short SHA-256 of the file-backed settings; reloads that
// leave it unchanged are ignored.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
