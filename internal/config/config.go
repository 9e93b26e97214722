// Package config provides environment configuration for the gateway and
// worker binaries.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Bus settings
	BusBackend   string // "inprocess" or "nats"
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Worker settings
	AgentName          string
	WorkerBlockMs      int
	OrchestrateAutoDone bool

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMSystemPrompt string

	// Gateway egress
	GatewayMaxEvents int

	// Signals
	SignalTopicPrefix      string
	SignalPayloadMaxBytes  int

	// Orchestration
	OrchestrateTargetAgent string

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

		// Bus
		BusBackend:   getEnv("BUS_BACKEND", "inprocess"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Worker
		AgentName:           getEnv("AGENT_NAME", "DevAgent"),
		WorkerBlockMs:       getIntEnv("WORKER_BLOCK_MS", 2000),
		OrchestrateAutoDone: getBoolEnv("ORCHESTRATE_AUTO_DONE", false),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMSystemPrompt: getEnv("LLM_SYSTEM_PROMPT", ""),

		// Gateway egress
		GatewayMaxEvents: getIntEnv("GATEWAY_MAX_EVENTS", 0),

		// Signals
		SignalTopicPrefix:     getEnv("SIGNAL_TOPIC_PREFIX", ""),
		SignalPayloadMaxBytes: getIntEnv("SIGNAL_PAYLOAD_MAX_BYTES", 16*1024),

		// Orchestration
		OrchestrateTargetAgent: getEnv("ORCHESTRATE_TARGET_AGENT", ""),

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
