package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/protocol"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	defaultStreamURL    = "wss://api.murf.ai/v1/speech/stream-input"
	defaultStreamVoice  = "en-US-amara"
	defaultStyle        = "Conversational"
	defaultSampleRate   = 44100
	defaultWriteTimeout = 5 * time.Second
	defaultFinalTimeout = 30 * time.Second
)

// StreamOptions configures a StreamClient. Zero values use defaults.
type StreamOptions struct {
	URL        string
	VoiceID    string
	Style      string
	SampleRate int

	// FinalTimeout bounds the wait between fragments of one reply
	FinalTimeout time.Duration
	WriteTimeout time.Duration

	Dialer    *websocket.Dialer
	Breaker   *resilience.CircuitBreaker
	Reconnect *resilience.ReconnectConfig
	Logger    *zerolog.Logger
}

type voiceConfig struct {
	VoiceConfig struct {
		VoiceID string `json:"voiceId"`
		Style   string `json:"style,omitempty"`
	} `json:"voice_config"`
}

type textMessage struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
}

type streamReply struct {
	Audio string `json:"audio,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// streamConn is one backend connection; inflight is guarded by StreamClient.mu
type streamConn struct {
	ws       *websocket.Conn
	inflight bool
	dead     bool
}

// StreamClient streams replies for one client connection through Murf's
// websocket API. It keeps at most one backend connection and one reply in
// flight; fragments are relayed to sink in receive order.
type StreamClient struct {
	apiKey func() string
	sink   protocol.Sink
	opts   StreamOptions
	logger zerolog.Logger

	// sem holds one token from send until the final marker or loss
	sem    chan struct{}
	dialMu sync.Mutex

	mu      sync.Mutex
	current *streamConn
	state   State
	closed  bool
}

// NewStreamClient creates a client relaying to sink. apiKey is read on every dial.
func NewStreamClient(apiKey func() string, sink protocol.Sink, opts StreamOptions) *StreamClient {
	if opts.URL == "" {
		opts.URL = defaultStreamURL
	}
	if opts.VoiceID == "" {
		opts.VoiceID = defaultStreamVoice
	}
	if opts.Style == "" {
		opts.Style = defaultStyle
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaultSampleRate
	}
	if opts.FinalTimeout <= 0 {
		opts.FinalTimeout = defaultFinalTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("murf", 5, 30*time.Second)
	}
	logger := observability.ForComponent("tts.murf")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &StreamClient{
		apiKey: apiKey,
		sink:   sink,
		opts:   opts,
		logger: logger,
		sem:    make(chan struct{}, 1),
		state:  StateDisconnected,
	}
}

// State returns the connection state
func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Synthesize sends text and returns once it is on the wire. Blank text is a
// no-op. A call made while a previous reply is still streaming waits for its
// final marker; bot_speaking:true is sent only once this reply has the voice.
func (c *StreamClient) Synthesize(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	sc, err := c.claim(ctx)
	if err != nil {
		c.release()
		observability.RecordStageOutcome(observability.StageTTS, false)
		return err
	}

	_ = sc.ws.SetReadDeadline(time.Now().Add(c.opts.FinalTimeout))
	if err := c.write(sc, textMessage{Text: text, End: true}); err != nil {
		c.mu.Lock()
		owned := sc.inflight
		sc.inflight = false
		c.mu.Unlock()

		c.lost(sc, err)
		if !owned {
			// receive loop already reported the loss
			return nil
		}
		c.release()
		observability.RecordStageOutcome(observability.StageTTS, false)
		return fmt.Errorf("send text to murf: %w", err)
	}

	c.logger.Debug().Int("chars", len(text)).Msg("Synthesis request sent")
	return nil
}

// claim marks a live connection as carrying the next reply and announces it.
// A connection retired between connect and the claim is replaced by a fresh
// dial.
func (c *StreamClient) claim(ctx context.Context) (*streamConn, error) {
	announced := false
	for {
		sc, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}
		// before inflight is set, so a loss report always follows it
		if !announced {
			c.send(protocol.NewBotSpeaking(true))
			announced = true
		}

		c.mu.Lock()
		if sc.dead || c.current != sc {
			if c.current == sc {
				c.current = nil
			}
			c.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		sc.inflight = true
		c.state = StateStreaming
		c.mu.Unlock()
		return sc, nil
	}
}

// connect returns the live connection, dialing and sending the voice
// configuration when there is none.
func (c *StreamClient) connect(ctx context.Context) (*streamConn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.current != nil {
		sc := c.current
		c.mu.Unlock()
		return sc, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	var ws *websocket.Conn
	err := c.opts.Breaker.Call(func() error {
		return resilience.Reconnect(ctx, "murf", func(ctx context.Context) error {
			conn, err := c.dial(ctx)
			if err != nil {
				return err
			}
			ws = conn
			return nil
		}, c.opts.Reconnect)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = StateDisconnected
		return nil, err
	}
	if c.closed {
		ws.Close()
		c.state = StateDisconnected
		return nil, ErrClosed
	}

	sc := &streamConn{ws: ws}
	c.current = sc
	c.state = StateReady
	go c.receiveLoop(sc)

	c.logger.Info().Str("voice_id", c.opts.VoiceID).Msg("Connected to Murf stream")
	return sc, nil
}

func (c *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("api-key", c.apiKey())
	q.Set("sample_rate", strconv.Itoa(c.opts.SampleRate))
	q.Set("channel_type", "MONO")
	q.Set("format", "WAV")

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL+"?"+q.Encode(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial murf: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial murf: %w", err)
	}

	var handshake voiceConfig
	handshake.VoiceConfig.VoiceID = c.opts.VoiceID
	handshake.VoiceConfig.Style = c.opts.Style
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteJSON(handshake); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send voice config: %w", err)
	}
	return ws, nil
}

// write is only called while holding sem, so there is one writer per connection
func (c *StreamClient) write(sc *streamConn, v any) error {
	_ = sc.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return sc.ws.WriteJSON(v)
}

func (c *StreamClient) receiveLoop(sc *streamConn) {
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			c.lost(sc, err)
			return
		}

		var msg streamReply
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed Murf message")
			continue
		}

		if msg.Error != "" {
			c.lost(sc, fmt.Errorf("murf error: %s", msg.Error))
			return
		}
		if msg.Audio != "" && c.isInflight(sc) {
			_ = sc.ws.SetReadDeadline(time.Now().Add(c.opts.FinalTimeout))
			observability.RecordAudioBytes("out", int64(len(msg.Audio)))
			c.send(protocol.NewAudioChunk(msg.Audio))
		}
		if msg.Final {
			c.complete(sc)
		}
	}
}

func (c *StreamClient) isInflight(sc *streamConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sc.inflight
}

// complete finishes the in-flight reply on sc
func (c *StreamClient) complete(sc *streamConn) {
	c.mu.Lock()
	if !sc.inflight {
		c.mu.Unlock()
		return
	}
	sc.inflight = false
	if c.current == sc {
		c.state = StateReady
	}
	c.mu.Unlock()

	_ = sc.ws.SetReadDeadline(time.Time{})
	c.send(protocol.NewAudioComplete())
	c.send(protocol.NewBotSpeaking(false))
	observability.RecordStageOutcome(observability.StageTTS, true)
	c.release()
}

// lost retires sc. If a reply was in flight the client gets one error event.
func (c *StreamClient) lost(sc *streamConn, err error) {
	c.mu.Lock()
	if sc.dead {
		c.mu.Unlock()
		return
	}
	sc.dead = true
	wasInflight := sc.inflight
	sc.inflight = false
	if c.current == sc {
		c.current = nil
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()

	sc.ws.Close()

	if !wasInflight {
		if !closed {
			c.logger.Debug().Err(err).Msg("Idle Murf connection closed")
		}
		return
	}

	c.logger.Warn().Err(err).Msg("Murf stream lost mid-reply")
	observability.RecordStageOutcome(observability.StageTTS, false)
	observability.RecordError("stream_lost", "tts")
	if !closed {
		c.send(protocol.NewError("speech synthesis interrupted: " + err.Error()))
		c.send(protocol.NewBotSpeaking(false))
	}
	c.release()
}

func (c *StreamClient) send(ev protocol.Event) {
	if err := c.sink.Send(ev); err != nil {
		c.logger.Debug().Err(err).Str("status", ev.EventStatus()).Msg("Dropped outbound event")
	}
}

func (c *StreamClient) release() {
	select {
	case <-c.sem:
	default:
	}
}

// Close drops the backend connection. Later calls to Synthesize return ErrClosed.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sc := c.current
	c.mu.Unlock()

	if sc != nil {
		c.lost(sc, ErrClosed)
	}
	return nil
}
