package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testAssemblyAI(streamURL, baseURL string) *AssemblyAI {
	return NewAssemblyAI(func() string { return "test-key" }, AssemblyAIOptions{
		StreamURL:    streamURL,
		BaseURL:      baseURL,
		FormatTurns:  true,
		PollInterval: 5 * time.Millisecond,
		Breaker:      resilience.NewCircuitBreaker("assemblyai-test", 100, time.Second),
		Reconnect:    &resilience.ReconnectConfig{MaxAttempts: 1, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond},
		Retry:        &resilience.RetryConfig{MaxAttempts: 1},
	})
}

func nextEvent(t *testing.T, events <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcription event")
		return Event{}, false
	}
}

func sendJSON(conn *websocket.Conn, v any) {
	_ = conn.WriteJSON(v)
}

func TestAssemblyAI_StreamCommitsFormattedTurns(t *testing.T) {
	type received struct {
		audio      []byte
		terminated bool
	}
	result := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sample_rate") != "16000" || q.Get("format_turns") != "true" || q.Get("encoding") != "pcm_s16le" ||
			r.Header.Get("Authorization") != "test-key" {
			http.Error(w, "bad handshake", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sendJSON(conn, map[string]any{"type": "Begin", "id": "sess-1"})
		sendJSON(conn, map[string]any{"type": "Turn", "transcript": "hello", "end_of_turn": false})
		sendJSON(conn, map[string]any{"type": "Turn", "transcript": "hello world", "end_of_turn": true, "turn_is_formatted": false})
		sendJSON(conn, map[string]any{"type": "Turn", "transcript": "Hello world.", "end_of_turn": true, "turn_is_formatted": true})

		var got received
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.BinaryMessage {
				got.audio = append(got.audio, data...)
				continue
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil && msg["type"] == "Terminate" {
				got.terminated = true
				sendJSON(conn, map[string]any{"type": "Termination"})
				break
			}
		}
		result <- got
	}))
	defer srv.Close()

	client := testAssemblyAI(wsURL(srv), "")
	stream, err := client.Open(context.Background(), 16000)
	require.NoError(t, err)

	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	require.NoError(t, stream.PushAudio(pcm[:1000]))
	require.NoError(t, stream.PushAudio(pcm[1000:]))

	ev, ok := nextEvent(t, stream.Events())
	require.True(t, ok)
	assert.Equal(t, Event{Text: "hello", Partial: true}, ev)

	ev, _ = nextEvent(t, stream.Events())
	assert.Equal(t, Event{Text: "hello world", Partial: true}, ev, "unformatted end of turn is not committed")

	ev, _ = nextEvent(t, stream.Events())
	assert.Equal(t, Event{Text: "Hello world.", EndOfTurn: true, Formatted: true}, ev)

	require.NoError(t, stream.Close())

	select {
	case got := <-result:
		assert.True(t, got.terminated)
		assert.Equal(t, pcm, got.audio, "audio reaches the backend in push order")
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw Terminate")
	}

	_, ok = <-stream.Events()
	assert.False(t, ok, "events channel closes after Close")
	assert.ErrorIs(t, stream.PushAudio(pcm), ErrStreamClosed)
}

func TestAssemblyAI_BackendErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sendJSON(conn, map[string]any{"error": "Invalid API key"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	stream, err := testAssemblyAI(wsURL(srv), "").Open(context.Background(), 16000)
	require.NoError(t, err)
	defer stream.Close()

	ev, ok := nextEvent(t, stream.Events())
	require.True(t, ok)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "Invalid API key")

	_, ok = nextEvent(t, stream.Events())
	assert.False(t, ok)
}

func TestAssemblyAI_ConnectionLoss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sendJSON(conn, map[string]any{"type": "Begin"})
		conn.Close()
	}))
	defer srv.Close()

	stream, err := testAssemblyAI(wsURL(srv), "").Open(context.Background(), 16000)
	require.NoError(t, err)
	defer stream.Close()

	ev, ok := nextEvent(t, stream.Events())
	require.True(t, ok)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "transcription stream")

	_, ok = nextEvent(t, stream.Events())
	assert.False(t, ok)
}

func TestAssemblyAI_DialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testAssemblyAI(wsURL(srv), "").Open(context.Background(), 16000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestAssemblyStream_Backpressure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)

	// No writer goroutine, so the queue only grows
	s := &assemblyStream{
		conn:       conn,
		queue:      audio.NewFrameQueue(),
		chunker:    audio.NewChunker(16000),
		highWater:  1,
		events:     newEmitter(),
		breaker:    resilience.NewCircuitBreaker("assemblyai-bp", 100, time.Second),
		cancel:     func() {},
		writerDone: make(chan struct{}),
		readDone:   make(chan struct{}),
		logger:     zerolog.Nop(),
	}
	close(s.writerDone)
	go s.readLoop()

	require.NoError(t, s.PushAudio([]byte{1, 2}))
	assert.ErrorIs(t, s.PushAudio([]byte{3, 4}), ErrBackpressure)

	ev, ok := nextEvent(t, s.Events())
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, ErrBackpressure)

	_, ok = nextEvent(t, s.Events())
	assert.False(t, ok)
	assert.ErrorIs(t, s.PushAudio([]byte{5, 6}), ErrBackpressure)
	assert.Zero(t, s.queue.Len())
}

func TestAssemblyAI_Transcribe(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/upload":
			_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["audio_url"] != "https://cdn.example/audio-1" {
				http.Error(w, "bad audio_url", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t1", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/t1":
			if polls.Add(1) < 2 {
				_ = json.NewEncoder(w).Encode(map[string]string{"id": "t1", "status": "processing"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t1", "status": "completed", "text": " Hello there. "})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	text, err := testAssemblyAI("", srv.URL).Transcribe(context.Background(), strings.NewReader("RIFF...."))
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", text)
	assert.Equal(t, int32(2), polls.Load())
}

func TestAssemblyAI_TranscribeNothing(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Path {
		case "/v2/upload":
			_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t2", "status": "completed", "text": ""})
		}
	}))
	defer srv.Close()

	client := testAssemblyAI("", srv.URL)

	_, err := client.Transcribe(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNothingToTranscribe)
	assert.Zero(t, requests.Load(), "empty input never reaches the backend")

	_, err = client.Transcribe(context.Background(), strings.NewReader("silence"))
	assert.ErrorIs(t, err, ErrNothingToTranscribe)
}

func TestAssemblyAI_TranscribeJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/upload":
			_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t3", "status": "error", "error": "unsupported format"})
		}
	}))
	defer srv.Close()

	_, err := testAssemblyAI("", srv.URL).Transcribe(context.Background(), strings.NewReader("junk"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}
