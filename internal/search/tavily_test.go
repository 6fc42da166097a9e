package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/resilience"
)

func key(k string) func() string { return func() string { return k } }

func testClient(url string, apiKey func() string) *Tavily {
	return NewTavily(apiKey, Options{
		BaseURL: url,
		Breaker: resilience.NewCircuitBreaker("tavily-test", 100, time.Second),
		Retry:   &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
	})
}

func TestTavily_QueryJoinsTopResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "weather in pune", body["query"])
		assert.EqualValues(t, 3, body["max_results"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"A","url":"https://a","content":"first"},
			{"title":"B","url":"https://b","content":"second"},
			{"title":"C","url":"https://c","content":"third"},
			{"title":"D","url":"https://d","content":"fourth"}]}`))
	}))
	defer srv.Close()

	got, err := testClient(srv.URL, key("key")).Query(context.Background(), "weather in pune")
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond\n\nthird", got)
}

func TestTavily_NotConfigured(t *testing.T) {
	c := testClient("http://127.0.0.1:0", key("  "))

	_, err := c.Query(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotConfigured)

	ok, err := c.Ping(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTavily_KeyReadPerRequest(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	current := "old"
	c := testClient(srv.URL, func() string { return current })
	_, err := c.Query(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Bearer old", auth.Load())

	current = "new"
	_, err = c.Query(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Bearer new", auth.Load())
}

func TestTavily_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"content":"ok"}]}`))
	}))
	defer srv.Close()

	got, err := testClient(srv.URL, key("key")).Query(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTavily_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, key("bad")).Query(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTavily_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := testClient(srv.URL, key("key")).Query(ctx, "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
