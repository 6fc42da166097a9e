package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ASSEMBLYAI_API_KEY", "test-assemblyai-key")
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("MURF_API_KEY", "test-murf-key")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-assemblyai-key", cfg.AssemblyAIAPIKey)
	assert.Equal(t, "test-gemini-key", cfg.GeminiAPIKey)
	assert.Equal(t, "test-murf-key", cfg.MurfAPIKey)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"assemblyai", "ASSEMBLYAI_API_KEY"},
		{"gemini", "GEMINI_API_KEY"},
		{"murf", "MURF_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.unset)
		})
	}
}

func TestLoad_DeepgramProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	t.Setenv("STT_PROVIDER", "Deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "")

	_, err := LoadFromEnv()
	require.Error(t, err, "deepgram provider needs its own key")

	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ProviderDeepgram, cfg.STTProvider)
}

func TestLoad_UnknownProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("STT_PROVIDER", "whisper")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, ProviderAssemblyAI, cfg.STTProvider)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.True(t, cfg.STTFormatTurns)
	assert.Equal(t, "gemini-2.0-flash", cfg.GeminiModel)
	assert.Equal(t, 50, cfg.HistoryMaxTurns)
	assert.Equal(t, 3, cfg.SearchMaxResults)
	assert.Equal(t, "en-US-ken", cfg.MurfVoiceID)
	assert.Equal(t, 600*time.Millisecond, cfg.SilenceThreshold())
	assert.Zero(t, cfg.SilencePollInterval())
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.CircuitBreakerMaxFailures)
	assert.Equal(t, 30, cfg.CircuitBreakerResetTimeout)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 100, cfg.RetryInitialBackoff)
	assert.Equal(t, 3, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 250, cfg.ReconnectBackoff)
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	// Registered with t.Setenv so the original value is restored afterwards
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
	assert.True(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.GRPCHealthPort)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	assert.Equal(t, "test-value", GetEnv("TEST_KEY", "default"))
	assert.Equal(t, "default", GetEnv("NON_EXISTENT_KEY", "default"))
}

func TestCredentials_Update(t *testing.T) {
	creds := NewCredentials(&Config{MurfAPIKey: "m1", GeminiAPIKey: "g1"})

	changed := creds.Update(KeyUpdate{Murf: "m2", Gemini: "g1", Tavily: "  t1  "})

	assert.ElementsMatch(t, []string{"murf", "tavily"}, changed)
	assert.Equal(t, "m2", creds.Murf())
	assert.Equal(t, "g1", creds.Gemini())
	assert.Equal(t, "t1", creds.Tavily())
	assert.Empty(t, creds.Deepgram())
}
