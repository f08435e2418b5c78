// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCHealthPort  string
	FrontendURL     string
	DBPath          string
	LogLevel        slog.Level
	PortalBaseURL   string
	RedisURL        string
	LLM             LLMConfig
	SMTP            SMTPConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig controls the completion provider and how the orchestrator calls it.
type LLMConfig struct {
	Provider       string // "genai" or "mock"
	APIKey         string
	Model          string
	Timeout        time.Duration
	MaxConcurrency int
	RetryAttempts  uint
	IntakeOrder    string // "position" or "text"
}

// SMTPConfig holds owner notification mail settings. An empty Host disables mail.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// RateLimitConfig bounds chat requests per visitor.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/leadchat.db"),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		PortalBaseURL:  strings.TrimRight(getEnv("PORTAL_BASE_URL", "http://localhost:3000"), "/"),
		RedisURL:       getEnv("REDIS_URL", ""),
		LLM: LLMConfig{
			Provider:       strings.ToLower(getEnv("LLM_PROVIDER", "genai")),
			APIKey:         getEnv("GOOGLE_API_KEY", ""),
			Model:          getEnv("LLM_MODEL", "gemini-2.5-flash"),
			Timeout:        getEnvDuration("COMPLETION_TIMEOUT", 20*time.Second),
			MaxConcurrency: getEnvInt("COMPLETION_MAX_CONCURRENCY", 8),
			RetryAttempts:  uint(max(getEnvInt("RETRY_MAX_ATTEMPTS", 3), 1)),
			IntakeOrder:    strings.ToLower(getEnv("INTAKE_ORDER", "position")),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@leadchat.local"),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
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
	switch c.LLM.Provider {
	case "genai":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("GOOGLE_API_KEY is required when LLM_PROVIDER=genai")
		}
	case "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be genai or mock, got %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.LLM.MaxConcurrency <= 0 {
		return fmt.Errorf("COMPLETION_MAX_CONCURRENCY must be > 0")
	}
	if c.LLM.IntakeOrder != "position" && c.LLM.IntakeOrder != "text" {
		return fmt.Errorf("INTAKE_ORDER must be position or text, got %q", c.LLM.IntakeOrder)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
