package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/protocol"
	"github.com/lexiqai/voice-agent/internal/registry"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/search"
	"github.com/lexiqai/voice-agent/internal/server"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
	"github.com/lexiqai/voice-agent/internal/turn"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("gemini_model", cfg.GeminiModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := config.NewCredentials(cfg)
	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	retry := resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond)

	opener, transcriber := stt.NewFromConfig(cfg, creds)

	tavily := search.NewTavily(creds.Tavily, search.Options{
		MaxResults: cfg.SearchMaxResults,
		Breaker:    resilience.NewCircuitBreaker("tavily", cfg.CircuitBreakerMaxFailures, resetTimeout),
		Retry:      retry,
	})
	tools := llm.NewWebSearchTools(tavily)

	gemini := llm.NewGeminiGenerator(creds.Gemini)
	geminiBreaker := resilience.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures, resetTimeout)
	newConversation := func(sessionID string) *llm.Client {
		convLogger := observability.ForSession(sessionID, "llm")
		return llm.New(gemini, tools, llm.Options{
			Model:    cfg.GeminiModel,
			MaxTurns: cfg.HistoryMaxTurns,
			Breaker:  geminiBreaker,
			Retry:    retry,
			Logger:   &convLogger,
		})
	}

	conversations := registry.New(newConversation, registry.Options{
		IdleTimeout: cfg.IdleTimeout(),
	})
	go conversations.Run(ctx, 0)

	murf := tts.NewMurf(creds.Murf, tts.MurfOptions{
		VoiceID: cfg.MurfVoiceID,
		Breaker: resilience.NewCircuitBreaker("murf-rest", cfg.CircuitBreakerMaxFailures, resetTimeout),
		Retry:   retry,
	})
	murfBreaker := resilience.NewCircuitBreaker("murf-stream", cfg.CircuitBreakerMaxFailures, resetTimeout)
	reconnect := resilience.NewReconnectConfig(cfg.ReconnectMaxAttempts, time.Duration(cfg.ReconnectBackoff)*time.Millisecond)

	// Readiness checks look at keys and breaker state; they never call a backend
	checks := map[string]observability.HealthCheckFunc{
		"transcription": keyCheck(cfg.STTProvider, func() string {
			if cfg.STTProvider == config.ProviderDeepgram {
				return creds.Deepgram()
			}
			return creds.AssemblyAI()
		}),
		"gemini":      gemini.Ping,
		"murf":        murf.Ping,
		"tavily":      tavily.Ping,
		"llm_breaker": geminiBreaker.Check,
		"murf_stream": murfBreaker.Check,
	}

	srv := server.New(cfg, server.Deps{
		Credentials:   creds,
		Opener:        opener,
		Transcriber:   transcriber,
		Speech:        murf,
		Conversations: conversations,
		NewResponder:  func(id string) turn.Responder { return newConversation(id) },
		NewVoice: func(sink protocol.Sink) turn.Synthesizer {
			return tts.NewStreamClient(creds.Murf, sink, tts.StreamOptions{
				VoiceID:    cfg.MurfStreamVoiceID,
				Style:      cfg.MurfStyle,
				SampleRate: cfg.MurfSampleRate,
				Breaker:    murfBreaker,
				Reconnect:  reconnect,
			})
		},
		Checks: checks,
	})

	// gRPC health stops itself when ctx is done
	if cfg.GRPCHealthPort != "" {
		grpcHealth := observability.NewGRPCHealth()
		go func() {
			addr := fmt.Sprintf(":%s", cfg.GRPCHealthPort)
			logger.Info().Str("addr", addr).Msg("gRPC health service listening")
			if err := grpcHealth.ListenAndServe(ctx, addr); err != nil {
				logger.Error().Err(err).Msg("gRPC health service failed")
			}
		}()
	}

	// Create HTTP server. No write timeout: /ws sessions are long-lived.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	logger.Info().Msg("Server exited gracefully")
}

func keyCheck(provider string, key func() string) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if key() == "" {
			return false, fmt.Errorf("%s api key is not configured", provider)
		}
		return true, nil
	}
}
