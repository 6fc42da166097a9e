package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/resilience"
)

func newTestMurf(url string) *Murf {
	return NewMurf(func() string { return "murf-key" }, MurfOptions{
		URL:     url,
		VoiceID: "en-US-ken",
		Breaker: resilience.NewCircuitBreaker("murf-rest-test", 100, time.Second),
		Retry:   &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
	})
}

func TestMurf_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "murf-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "Hello" || body["voiceId"] != "en-US-ken" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"audioFile": "https://murf.example/a.wav", "audioLengthInSeconds": 1.2})
	}))
	defer srv.Close()

	url, err := newTestMurf(srv.URL).Generate(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "https://murf.example/a.wav", url)
}

func TestMurf_GenerateEmptyText(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	_, err := newTestMurf(srv.URL).Generate(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, requests.Load())
}

func TestMurf_GenerateRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"audioFile": "https://murf.example/b.wav"})
	}))
	defer srv.Close()

	url, err := newTestMurf(srv.URL).Generate(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, "https://murf.example/b.wav", url)
	assert.Equal(t, int32(2), requests.Load())
}

func TestMurf_GenerateNoAudioFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := newTestMurf(srv.URL).Generate(context.Background(), "Hi")
	assert.ErrorIs(t, err, ErrNoAudioFile)
}
