package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported streaming transcription providers
const (
	ProviderAssemblyAI = "assemblyai"
	ProviderDeepgram   = "deepgram"
)

// Config holds all configuration for the voice agent gateway
type Config struct {
	// Server configuration
	Port      string `envconfig:"PORT" default:"8000"`
	StaticDir string `envconfig:"STATIC_DIR" default:""` // Serves / and /static/ when set

	// Streaming transcription
	STTProvider       string `envconfig:"STT_PROVIDER" default:"assemblyai"` // assemblyai, deepgram
	AssemblyAIAPIKey  string `envconfig:"ASSEMBLYAI_API_KEY"`
	DeepgramAPIKey    string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage  string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	SampleRate        int    `envconfig:"SAMPLE_RATE" default:"16000"`         // Client PCM16 sample rate
	STTFormatTurns    bool   `envconfig:"STT_FORMAT_TURNS" default:"true"`     // Commit only formatted turns
	STTQueueHighWater int    `envconfig:"STT_QUEUE_HIGH_WATER" default:"512"` // Queued frames before the stream is failed

	// Conversational model
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	GeminiModel     string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	HistoryMaxTurns int    `envconfig:"HISTORY_MAX_TURNS" default:"50"` // 0 disables trimming

	// Web search tool
	TavilyAPIKey     string `envconfig:"TAVILY_API_KEY"`
	SearchMaxResults int    `envconfig:"SEARCH_MAX_RESULTS" default:"3"`

	// Speech synthesis
	MurfAPIKey        string `envconfig:"MURF_API_KEY"`
	MurfVoiceID       string `envconfig:"MURF_VOICE_ID" default:"en-US-ken"`          // REST voice
	MurfStreamVoiceID string `envconfig:"MURF_STREAM_VOICE_ID" default:"en-US-amara"` // Streaming voice
	MurfStyle         string `envconfig:"MURF_STYLE" default:"Conversational"`
	MurfSampleRate    int    `envconfig:"MURF_SAMPLE_RATE" default:"44100"`

	// Turn taking
	SilenceThresholdMs    int `envconfig:"SILENCE_THRESHOLD_MS" default:"600"`
	SilencePollIntervalMs int `envconfig:"SILENCE_POLL_INTERVAL_MS" default:"0"` // 0 = poll on events only
	FlushTimeoutMs        int `envconfig:"FLUSH_TIMEOUT_MS" default:"10000"`

	// Session registry
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"1800"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"250"`            // Reconnection backoff in milliseconds

	// Plain HTTP surface
	HTTPRateLimitRPS   float64 `envconfig:"HTTP_RATE_LIMIT_RPS" default:"10"`
	HTTPRateLimitBurst int     `envconfig:"HTTP_RATE_LIMIT_BURST" default:"20"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`    // Empty disables the gRPC health service
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the keys for the selected providers are present
func (c *Config) Validate() error {
	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	switch c.STTProvider {
	case ProviderAssemblyAI:
		if c.AssemblyAIAPIKey == "" {
			return fmt.Errorf("ASSEMBLYAI_API_KEY is required")
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider)
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.MurfAPIKey == "" {
		return fmt.Errorf("MURF_API_KEY is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.SilenceThresholdMs <= 0 {
		return fmt.Errorf("SILENCE_THRESHOLD_MS must be positive, got %d", c.SilenceThresholdMs)
	}
	return nil
}

// SilenceThreshold returns the configured end-of-turn silence window
func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceThresholdMs) * time.Millisecond
}

// SilencePollInterval returns the optional background silence poll interval
func (c *Config) SilencePollInterval() time.Duration {
	return time.Duration(c.SilencePollIntervalMs) * time.Millisecond
}

// FlushTimeout bounds the best-effort flush of a pending utterance on disconnect
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the session registry eviction window
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
