// Package config provides environment configuration for the agent server
// and the formchat client.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the agent server.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Agents
	AgentsFile string
	SessionTTL time.Duration

	// NATS settings; an empty URL disables the journal
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings; no key means template replies
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMBaseURL      string

	// CORS; empty allows any origin
	CORSOrigins []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		AgentsFile: getEnv("AGENTS_FILE", "configs/agents.yaml"),
		SessionTTL: getDurationEnv("SESSION_TTL", 2*time.Hour),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 2*time.Hour),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMBaseURL:      getEnv("LLM_BASE_URL", ""),

		CORSOrigins: getListEnv("CORS_ORIGINS"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// JournalEnabled reports whether a NATS URL was configured.
func (c *Config) JournalEnabled() bool {
	return c.NATSURL != ""
}

// LLMKey returns the API key for the configured provider, falling back to
// whichever key is set.
func (c *Config) LLMKey() (provider, key string) {
	switch c.DefaultLLM {
	case "openai":
		if c.OpenAIAPIKey != "" {
			return "openai", c.OpenAIAPIKey
		}
	case "anthropic":
		if c.AnthropicAPIKey != "" {
			return "anthropic", c.AnthropicAPIKey
		}
	}
	if c.AnthropicAPIKey != "" {
		return "anthropic", c.AnthropicAPIKey
	}
	if c.OpenAIAPIKey != "" {
		return "openai", c.OpenAIAPIKey
	}
	return "", ""
}

// ClientConfig holds configuration for the formchat terminal client.
type ClientConfig struct {
	ServerURL   string
	Agent       string
	TurnTimeout time.Duration
	LogLevel    string
	LogFile     string
}

// LoadClient reads client configuration from environment variables.
func LoadClient() *ClientConfig {
	return &ClientConfig{
		ServerURL:   getEnv("FORMCHAT_SERVER_URL", "http://localhost:8080"),
		Agent:       getEnv("FORMCHAT_AGENT", ""),
		TurnTimeout: getDurationEnv("FORMCHAT_TURN_TIMEOUT", 2*time.Minute),
		LogLevel:    getEnv("LOG_LEVEL", "warn"),
		LogFile:     getEnv("FORMCHAT_LOG_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
