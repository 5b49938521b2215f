package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and "a,b" in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string list or comma-separated string: %w", err)
	}
	*f = splitList(s)
	return nil
}

// Config is the root configuration for the roomclaw gateway.
type Config struct {
	Assistant   AssistantConfig   `json:"assistant"`
	Providers   ProvidersConfig   `json:"providers"`
	Gateway     GatewayConfig     `json:"gateway"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Coordinator CoordinatorConfig `json:"coordinator,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	mu          sync.RWMutex
}

// AssistantConfig describes the assistant persona and how replies are generated.
type AssistantConfig struct {
	Name            string              `json:"name"`
	MentionTokens   FlexibleStringSlice `json:"mention_tokens"`
	Provider        string              `json:"provider"` // "anthropic" (default) or "openai"
	Model           string              `json:"model,omitempty"`
	MaxTokens       int                 `json:"max_tokens,omitempty"`
	Temperature     float64             `json:"temperature,omitempty"`
	ContextMessages int                 `json:"context_messages,omitempty"`
	SearchKeywords  FlexibleStringSlice `json:"search_keywords,omitempty"`
	FallbackReply   string              `json:"fallback_reply,omitempty"`
	SystemPrompt    string              `json:"system_prompt,omitempty"`
	AutoRespond     bool                `json:"auto_respond,omitempty"` // answer mentions from the insert feed server-side
}

// ProvidersConfig holds per-provider endpoints. API keys are env-only.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey     string `json:"-"`
	APIBase    string `json:"api_base,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"` // transport retries on 429/5xx (default 0)
}

// GatewayConfig configures the HTTP/WebSocket server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env ROOMCLAW_GATEWAY_TOKEN only
	JWTSecret      string   `json:"-"` // from env ROOMCLAW_JWT_SECRET only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // per identity, 0 = unlimited
}

// DatabaseConfig selects the message store backend.
// PostgresDSN is NEVER read from config.json (secret), only from env ROOMCLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default, SQLite) or "managed" (Postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode returns true if the gateway runs against shared Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// CoordinatorConfig tunes reply admission.
type CoordinatorConfig struct {
	ClaimTTLSec       int         `json:"claim_ttl_sec,omitempty"`
	MaxClaims         int         `json:"max_claims,omitempty"`
	SweepSchedule     string      `json:"sweep_schedule,omitempty"` // cron expression
	RedisURL          string      `json:"-"`                        // from env ROOMCLAW_REDIS_URL only
	LeaseTTLSec       int         `json:"lease_ttl_sec,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs,omitempty"`
	Retry             RetryConfig `json:"retry,omitempty"`
}

// RetryConfig decides what happens after a failed reply job.
type RetryConfig struct {
	Mode        string `json:"mode,omitempty"` // "drop" (default) or "retry"
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffMs   int    `json:"backoff_ms,omitempty"`
}

func (c CoordinatorConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSec) * time.Second
}

func (c CoordinatorConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "roomclaw-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// MentionTokens returns the current mention vocabulary. Safe during reloads.
func (c *Config) MentionTokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Assistant.MentionTokens...)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Assistant = src.Assistant
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Coordinator = src.Coordinator
	c.Telemetry = src.Telemetry
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
