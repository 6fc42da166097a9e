package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	defaultAssemblyAIStreamURL = "wss://streaming.assemblyai.com/v3/ws"
	defaultAssemblyAIBaseURL   = "https://api.assemblyai.com"

	writeTimeout     = 5 * time.Second
	drainTimeout     = 3 * time.Second
	terminationWait  = 2 * time.Second
	defaultHighWater = 512
)

// AssemblyAIOptions configures the AssemblyAI client. Zero values use defaults.
type AssemblyAIOptions struct {
	StreamURL      string
	BaseURL        string
	FormatTurns    bool
	QueueHighWater int
	PollInterval   time.Duration
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Breaker        *resilience.CircuitBreaker
	Reconnect      *resilience.ReconnectConfig
	Retry          *resilience.RetryConfig
}

// AssemblyAI streams audio to the v3 realtime API and transcribes uploaded files
type AssemblyAI struct {
	apiKey func() string
	opts   AssemblyAIOptions
	logger zerolog.Logger
}

// NewAssemblyAI creates a client; apiKey is read on every dial so key updates apply to new streams
func NewAssemblyAI(apiKey func() string, opts AssemblyAIOptions) *AssemblyAI {
	if opts.StreamURL == "" {
		opts.StreamURL = defaultAssemblyAIStreamURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAssemblyAIBaseURL
	}
	if opts.QueueHighWater <= 0 {
		opts.QueueHighWater = defaultHighWater
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("assemblyai", 5, 30*time.Second)
	}
	return &AssemblyAI{
		apiKey: apiKey,
		opts:   opts,
		logger: observability.ForComponent("stt.assemblyai"),
	}
}

// Open dials a realtime session for PCM16 mono audio at sampleRate
func (a *AssemblyAI) Open(ctx context.Context, sampleRate int) (Stream, error) {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("format_turns", strconv.FormatBool(a.opts.FormatTurns))
	q.Set("encoding", "pcm_s16le")
	endpoint := a.opts.StreamURL + "?" + q.Encode()

	header := http.Header{}
	header.Set("Authorization", a.apiKey())

	var conn *websocket.Conn
	err := a.opts.Breaker.Call(func() error {
		return resilience.Reconnect(ctx, "assemblyai", func(ctx context.Context) error {
			c, resp, err := a.opts.Dialer.DialContext(ctx, endpoint, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial assemblyai: %w (status %d)", err, resp.StatusCode)
				}
				return fmt.Errorf("dial assemblyai: %w", err)
			}
			conn = c
			return nil
		}, a.opts.Reconnect)
	})
	if err != nil {
		observability.RecordStageOutcome(observability.StageSTT, false)
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &assemblyStream{
		conn:        conn,
		queue:       audio.NewFrameQueue(),
		chunker:     audio.NewChunker(sampleRate),
		highWater:   a.opts.QueueHighWater,
		formatTurns: a.opts.FormatTurns,
		events:      newEmitter(),
		breaker:     a.opts.Breaker,
		cancel:      cancel,
		writerDone:  make(chan struct{}),
		readDone:    make(chan struct{}),
		logger:      a.logger,
	}
	go s.writeLoop(streamCtx)
	go s.readLoop()

	a.logger.Debug().Int("sample_rate", sampleRate).Bool("format_turns", a.opts.FormatTurns).Msg("Transcription stream opened")
	return s, nil
}

// streamMessage covers every server message of the v3 realtime API
type streamMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	EndOfTurn       bool   `json:"end_of_turn,omitempty"`
	TurnIsFormatted bool   `json:"turn_is_formatted,omitempty"`
	TurnOrder       int    `json:"turn_order,omitempty"`
	Error           string `json:"error,omitempty"`
}

type assemblyStream struct {
	conn        *websocket.Conn
	queue       *audio.FrameQueue
	chunker     *audio.Chunker // owned by writeLoop
	highWater   int
	formatTurns bool
	events      *emitter
	breaker     *resilience.CircuitBreaker
	cancel      context.CancelFunc
	logger      zerolog.Logger

	closing    atomic.Bool
	failMu     sync.Mutex
	failErr    error
	closeOnce  sync.Once
	writerDone chan struct{}
	readDone   chan struct{}
}

func (s *assemblyStream) Events() <-chan Event {
	return s.events.events()
}

func (s *assemblyStream) PushAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.failure(); err != nil {
		return err
	}
	n, err := s.queue.Push(data)
	if err != nil {
		return ErrStreamClosed
	}
	observability.AddSTTQueueDepth(1)
	observability.RecordAudioBytes("in", int64(len(data)))

	if n > s.highWater {
		s.fail(fmt.Errorf("%w: %d frames queued", ErrBackpressure, n))
		return ErrBackpressure
	}
	return nil
}

// fail records the first failure and tears the connection down; readLoop reports it
func (s *assemblyStream) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()

	s.queue.Close()
	if dropped := s.queue.Clear(); dropped > 0 {
		observability.AddSTTQueueDepth(-dropped)
	}
	_ = s.conn.Close()
}

func (s *assemblyStream) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *assemblyStream) writeLoop(ctx context.Context) {
	defer close(s.writerDone)

	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) || s.failure() != nil {
				return
			}
			break
		}
		observability.AddSTTQueueDepth(-1)

		for _, chunk := range s.chunker.Write(frame) {
			if err := s.write(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("send audio: %w", err))
				return
			}
		}
	}

	// Queue closed by Close: send what is left, then end the session
	if tail := s.chunker.Flush(); tail != nil {
		if err := s.write(websocket.BinaryMessage, tail); err != nil {
			return
		}
	}
	_ = s.write(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
}

func (s *assemblyStream) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *assemblyStream) readLoop() {
	defer close(s.readDone)
	defer s.events.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() && s.failure() == nil {
				return
			}
			cause := s.failure()
			if cause == nil {
				cause = fmt.Errorf("transcription stream: %w", err)
			}
			s.breaker.RecordResult(false)
			observability.RecordStageOutcome(observability.StageSTT, false)
			s.logger.Warn().Err(cause).Msg("Transcription stream lost")
			s.events.fail(cause)
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Unparseable transcription message")
			continue
		}

		if msg.Error != "" {
			s.breaker.RecordResult(false)
			observability.RecordStageOutcome(observability.StageSTT, false)
			s.events.fail(fmt.Errorf("assemblyai: %s", msg.Error))
			return
		}

		switch msg.Type {
		case "Begin":
			s.breaker.RecordResult(true)
			s.logger.Debug().Str("id", msg.ID).Msg("Transcription session began")
		case "Turn":
			s.handleTurn(msg)
		case "Termination":
			s.logger.Debug().Msg("Transcription session terminated")
			return
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("Ignoring transcription message")
		}
	}
}

// handleTurn commits only final transcripts; with formatting enabled the
// unformatted end-of-turn that precedes the formatted one stays partial.
func (s *assemblyStream) handleTurn(msg streamMessage) {
	text := strings.TrimSpace(msg.Transcript)
	final := msg.EndOfTurn && (!s.formatTurns || msg.TurnIsFormatted)

	if !final {
		s.events.emit(Event{Text: text, Partial: true})
		return
	}
	observability.RecordStageOutcome(observability.StageSTT, true)
	s.events.emit(Event{Text: text, EndOfTurn: true, Formatted: msg.TurnIsFormatted})
}

func (s *assemblyStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.queue.Close()

		select {
		case <-s.writerDone:
		case <-time.After(drainTimeout):
		}
		select {
		case <-s.readDone:
		case <-time.After(terminationWait):
		}

		s.cancel()
		_ = s.conn.Close()
		s.events.close()
		if dropped := s.queue.Clear(); dropped > 0 {
			observability.AddSTTQueueDepth(-dropped)
		}
	})
	return nil
}
