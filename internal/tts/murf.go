package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	defaultGenerateURL = "https://api.murf.ai/v1/speech/generate"
	defaultVoice       = "en-US-ken"
)

// ErrNoAudioFile is returned when the backend answers without an audio file
var ErrNoAudioFile = errors.New("tts: no audio file generated")

// MurfOptions configures the REST client. Zero values use defaults.
type MurfOptions struct {
	URL        string
	VoiceID    string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
}

// Murf generates hosted audio files through Murf's REST API
type Murf struct {
	apiKey func() string
	opts   MurfOptions
	logger zerolog.Logger
}

// NewMurf creates a REST client; apiKey is read per request
func NewMurf(apiKey func() string, opts MurfOptions) *Murf {
	if opts.URL == "" {
		opts.URL = defaultGenerateURL
	}
	if opts.VoiceID == "" {
		opts.VoiceID = defaultVoice
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("murf-rest", 5, 30*time.Second)
	}
	return &Murf{apiKey: apiKey, opts: opts, logger: observability.ForComponent("tts.murf_rest")}
}

// Generate synthesizes text and returns the URL of the audio file
func (m *Murf) Generate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	body, err := json.Marshal(map[string]string{"text": text, "voiceId": m.opts.VoiceID})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var audioFile string
	err = m.opts.Breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			var err error
			audioFile, err = m.generate(ctx, body)
			return err
		}, m.opts.Retry, resilience.IsRetryableNetworkError)
	})
	observability.RecordStageOutcome(observability.StageTTS, err == nil)
	if err != nil {
		return "", err
	}

	m.logger.Debug().Dur("latency", time.Since(start)).Msg("Generated audio file")
	return audioFile, nil
}

func (m *Murf) generate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", m.apiKey())

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		err := fmt.Errorf("murf error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}

	var decoded struct {
		AudioFile string `json:"audioFile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.AudioFile == "" {
		return "", ErrNoAudioFile
	}
	return decoded.AudioFile, nil
}

// Ping reports whether the REST backend is usable without generating audio
func (m *Murf) Ping(context.Context) (bool, error) {
	if strings.TrimSpace(m.apiKey()) == "" {
		return false, errors.New("murf api key is not configured")
	}
	if m.opts.Breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
