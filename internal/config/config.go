package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the read gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech backend configuration
	SpeechBackendURL    string  `envconfig:"SPEECH_BACKEND_URL" default:"http://localhost:5002"`
	SpeechAPIKey        string  `envconfig:"SPEECH_API_KEY" required:"true"`
	SpeechVoice         string  `envconfig:"SPEECH_VOICE" default:"en-US-standard"`
	SpeechSpeed         float64 `envconfig:"SPEECH_SPEED" default:"1.0"`
	SpeechOutputFormat  string  `envconfig:"SPEECH_OUTPUT_FORMAT" default:"mp3"`
	SpeechTimeout       int     `envconfig:"SPEECH_TIMEOUT" default:"30"` // Seconds per synthesis request
	SpeechProbeAttempts int     `envconfig:"SPEECH_PROBE_ATTEMPTS" default:"3"`

	// Chunking configuration
	MaxChunkChars int `envconfig:"MAX_CHUNK_CHARS" default:"1500"` // Upper bound per synthesis request

	// Timing configuration
	WordMatchFallback string `envconfig:"WORD_MATCH_FALLBACK" default:"neighbor"` // neighbor, none

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ProbeInitialBackoff        int `envconfig:"PROBE_INITIAL_BACKOFF" default:"200"`        // Initial probe backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.SpeechAPIKey == "" {
		return nil, fmt.Errorf("SPEECH_API_KEY is required")
	}
	if cfg.MaxChunkChars <= 0 {
		return nil, fmt.Errorf("MAX_CHUNK_CHARS must be positive, got %d", cfg.MaxChunkChars)
	}
	if cfg.SpeechSpeed < 0.5 || cfg.SpeechSpeed > 2.0 {
		return nil, fmt.Errorf("SPEECH_SPEED must be between 0.5 and 2.0, got %f", cfg.SpeechSpeed)
	}
	switch cfg.WordMatchFallback {
	case "neighbor", "none":
	default:
		return nil, fmt.Errorf("WORD_MATCH_FALLBACK must be 'neighbor' or 'none', got '%s'", cfg.WordMatchFallback)
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
