package stt

import (
	"time"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

// NewFromConfig returns the streaming opener selected by STT_PROVIDER and the
// AssemblyAI client used for file transcription.
func NewFromConfig(cfg *config.Config, creds *config.Credentials) (Opener, *AssemblyAI) {
	reconnect := resilience.NewReconnectConfig(cfg.ReconnectMaxAttempts, time.Duration(cfg.ReconnectBackoff)*time.Millisecond)
	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second

	batch := NewAssemblyAI(creds.AssemblyAI, AssemblyAIOptions{
		FormatTurns:    cfg.STTFormatTurns,
		QueueHighWater: cfg.STTQueueHighWater,
		Breaker:        resilience.NewCircuitBreaker("assemblyai", cfg.CircuitBreakerMaxFailures, resetTimeout),
		Reconnect:      reconnect,
		Retry:          resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
	})

	if cfg.STTProvider == config.ProviderDeepgram {
		return NewDeepgram(creds.Deepgram, DeepgramOptions{
			Model:          cfg.DeepgramModel,
			Language:       cfg.DeepgramLanguage,
			QueueHighWater: cfg.STTQueueHighWater,
			Breaker:        resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, resetTimeout),
			Reconnect:      reconnect,
		}), batch
	}
	return batch, batch
}
