package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Parser modes.
const (
	ParserHeuristic = "heuristic"
	ParserLLM       = "llm"
)

type Config struct {
	// NATS configuration
	NatsURL            string
	NatsTimeout        time.Duration
	NatsTurnSubject    string
	NatsConfirmSubject string
	NatsSuggestSubject string
	NatsEventsSubject  string
	NatsFeedSubject    string
	NatsQueueGroup     string

	// Anthropic configuration
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicTimeout time.Duration
	ParserMode       string

	// Storage configuration
	StoreDriver   string
	SQLitePath    string
	RedisURL      string
	MemoryTTL     time.Duration
	MemoryWindow  int
	WorkspaceRoot string

	// Routing configuration
	CapabilitiesFile    string
	RemoteEnabled       bool
	TicketTTL           time.Duration
	ClarificationTTL    time.Duration
	ConfidenceThreshold float64
	SweepInterval       time.Duration

	// Service configuration
	ServiceName string
	LogLevel    string
	LogFormat   string
}

func Load() (*Config, error) {
	cfg := &Config{
		// NATS settings
		NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NatsTimeout:        getDurationEnv("NATS_TIMEOUT", 30*time.Second),
		NatsTurnSubject:    getEnv("NATS_TURN_SUBJECT", "router.turn"),
		NatsConfirmSubject: getEnv("NATS_CONFIRM_SUBJECT", "router.confirm"),
		NatsSuggestSubject: getEnv("NATS_SUGGEST_SUBJECT", "router.suggest"),
		NatsEventsSubject:  getEnv("NATS_EVENTS_SUBJECT", "router.events"),
		NatsFeedSubject:    getEnv("NATS_FEED_SUBJECT", "router.feed"),
		NatsQueueGroup:     getEnv("NATS_QUEUE_GROUP", "intent-router"),

		// Anthropic settings
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AnthropicTimeout: getDurationEnv("ANTHROPIC_TIMEOUT", 30*time.Second),
		ParserMode:       strings.ToLower(getEnv("PARSER_MODE", ParserHeuristic)),

		// Storage settings
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:    getEnv("SQLITE_PATH", "data/router.db"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		MemoryTTL:     getDurationEnv("MEMORY_TTL", 24*time.Hour),
		MemoryWindow:  getIntEnv("MEMORY_WINDOW", 10),
		WorkspaceRoot: getEnv("WORKSPACE_ROOT", "workspaces"),

		// Routing settings
		CapabilitiesFile:    getEnv("CAPABILITIES_FILE", ""),
		RemoteEnabled:       getBoolEnv("REMOTE_ENABLED", false),
		TicketTTL:           getDurationEnv("TICKET_TTL", 15*time.Minute),
		ClarificationTTL:    getDurationEnv("CLARIFICATION_TTL", 30*time.Minute),
		ConfidenceThreshold: getFloatEnv("CONFIDENCE_THRESHOLD", 0.80),
		SweepInterval:       getDurationEnv("SWEEP_INTERVAL", time.Minute),

		// Service settings
		ServiceName: getEnv("SERVICE_NAME", "intent-router"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the router cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want sqlite, redis or memory", c.StoreDriver)
	}
	switch c.ParserMode {
	case ParserHeuristic:
	case ParserLLM:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("PARSER_MODE=llm requires ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("invalid PARSER_MODE %q: want heuristic or llm", c.ParserMode)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v: must be in (0, 1]", c.ConfidenceThreshold)
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("invalid TICKET_TTL %v: must be positive", c.TicketTTL)
	}
	if c.ClarificationTTL < 0 {
		return fmt.Errorf("invalid CLARIFICATION_TTL %v: must not be negative", c.ClarificationTTL)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: want json or console", c.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
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

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
