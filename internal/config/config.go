// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	PublicURL      string // base URL the connector calls back on, e.g. https://console.example
	AllowedOrigins []string
	DBPath         string

	Auth         AuthConfig
	Connector    ConnectorConfig
	Workflow     WorkflowConfig
	AI           AIConfig
	Conversation ConversationConfig
	StatusCache  StatusCacheConfig
	RateLimit    RateLimitConfig
	StatusStream StatusStreamConfig
	GRPC         GRPCConfig
	Timeout      TimeoutConfig
	Retry        RetryConfig
}

// AuthConfig points at the external identity provider.
type AuthConfig struct {
	URL    string // empty enables the static development identity
	APIKey string
	// DevUserID is the identity used when URL is empty. It is always admin.
	DevUserID string
}

// ConnectorConfig configures the messaging connector client.
type ConnectorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// WorkflowConfig configures the workflow engine relay.
type WorkflowConfig struct {
	APIKey  string
	Timeout time.Duration
}

// AIConfig configures the completion provider.
type AIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// ConversationConfig bounds the in-memory conversation history.
type ConversationConfig struct {
	HistoryCap int
	WindowSize int
	MaxKeys    int
}

// StatusCacheConfig controls upstream status polling.
type StatusCacheConfig struct {
	MinInterval  time.Duration
	Freshness    time.Duration
	FetchTimeout time.Duration
	MaxKeys      int
	// BulkConcurrency bounds parallel fetches for the bulk status endpoint.
	BulkConcurrency int
}

// RateLimitConfig controls per-user chat throttling.
type RateLimitConfig struct {
	ChatPerMinute int
	ChatBurst     int
}

// StatusStreamConfig controls websocket status pushes.
type StatusStreamConfig struct {
	Interval time.Duration
}

// GRPCConfig controls the gRPC health server.
type GRPCConfig struct {
	HealthPort string // empty disables the server
}

// TimeoutConfig holds request timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Chat        time.Duration
}

// RetryConfig holds database retry settings.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DBPath:         getEnv("DB_PATH", "./data/zapbridge.db"),
		Auth: AuthConfig{
			URL:       strings.TrimRight(getEnv("AUTH_URL", ""), "/"),
			APIKey:    getEnv("AUTH_API_KEY", ""),
			DevUserID: getEnv("DEV_USER_ID", "dev-admin"),
		},
		Connector: ConnectorConfig{
			URL:     getEnv("CONNECTOR_URL", "http://localhost:8081"),
			APIKey:  getEnv("CONNECTOR_API_KEY", ""),
			Timeout: getEnvDuration("CONNECTOR_TIMEOUT", 15*time.Second),
		},
		Workflow: WorkflowConfig{
			APIKey:  getEnv("WORKFLOW_API_KEY", ""),
			Timeout: getEnvDuration("WORKFLOW_TIMEOUT", 10*time.Second),
		},
		AI: AIConfig{
			BaseURL:     getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("AI_API_KEY", ""),
			Model:       getEnv("AI_MODEL", "gpt-4o-mini"),
			MaxTokens:   getEnvInt("AI_MAX_TOKENS", 512),
			Temperature: getEnvFloat32("AI_TEMPERATURE", 0.7),
			Timeout:     getEnvDuration("AI_TIMEOUT", 30*time.Second),
		},
		Conversation: ConversationConfig{
			HistoryCap: getEnvInt("CONVERSATION_HISTORY_CAP", 20),
			WindowSize: getEnvInt("CONVERSATION_WINDOW_SIZE", 10),
			MaxKeys:    getEnvInt("CONVERSATION_MAX_KEYS", 10000),
		},
		StatusCache: StatusCacheConfig{
			MinInterval:     getEnvDuration("STATUS_MIN_INTERVAL", time.Second),
			Freshness:       getEnvDuration("STATUS_FRESHNESS", 5*time.Second),
			FetchTimeout:    getEnvDuration("STATUS_FETCH_TIMEOUT", 10*time.Second),
			MaxKeys:         getEnvInt("STATUS_MAX_KEYS", 5000),
			BulkConcurrency: getEnvInt("STATUS_BULK_CONCURRENCY", 4),
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute: getEnvInt("CHAT_RATE_PER_MINUTE", 30),
			ChatBurst:     getEnvInt("CHAT_RATE_BURST", 5),
		},
		StatusStream: StatusStreamConfig{
			Interval: getEnvDuration("STATUS_STREAM_INTERVAL", 5*time.Second),
		},
		GRPC: GRPCConfig{
			HealthPort: getEnv("GRPC_HEALTH_PORT", "9090"),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Chat:        getEnvDuration("CHAT_TIMEOUT", 45*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("PUBLIC_URL is invalid: %w", err)
	}
	if c.Connector.URL == "" {
		return fmt.Errorf("CONNECTOR_URL cannot be empty")
	}
	if c.Conversation.HistoryCap <= 0 || c.Conversation.WindowSize <= 0 || c.Conversation.MaxKeys <= 0 {
		return fmt.Errorf("conversation limits must be > 0")
	}
	if c.Conversation.WindowSize > c.Conversation.HistoryCap {
		return fmt.Errorf("CONVERSATION_WINDOW_SIZE must not exceed CONVERSATION_HISTORY_CAP")
	}
	if c.StatusCache.MinInterval <= 0 || c.StatusCache.Freshness <= 0 || c.StatusCache.FetchTimeout <= 0 {
		return fmt.Errorf("status cache durations must be > 0")
	}
	if c.StatusCache.MaxKeys <= 0 || c.StatusCache.BulkConcurrency <= 0 {
		return fmt.Errorf("status cache limits must be > 0")
	}
	if c.RateLimit.ChatPerMinute <= 0 || c.RateLimit.ChatBurst <= 0 {
		return fmt.Errorf("chat rate limit must be > 0")
	}
	if c.StatusStream.Interval <= 0 {
		return fmt.Errorf("STATUS_STREAM_INTERVAL must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running without an identity provider.
func (c *Config) IsDevelopment() bool {
	return c.Auth.URL == ""
}

// WebhookURL returns the callback URL the connector posts events to for instance.
func (c *Config) WebhookURL(instance string) string {
	return c.PublicURL + "/webhook/" + url.PathEscape(instance)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat32(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

// getEnvDuration accepts Go duration strings ("1500ms") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
