package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

// DeepgramOptions configures the Deepgram live client
type DeepgramOptions struct {
	Model          string
	Language       string
	QueueHighWater int
	Breaker        *resilience.CircuitBreaker
	Reconnect      *resilience.ReconnectConfig
}

// Deepgram opens live transcription streams through the Deepgram SDK
type Deepgram struct {
	apiKey func() string
	opts   DeepgramOptions
	logger zerolog.Logger
}

// NewDeepgram creates a Deepgram opener; apiKey is read on every dial
func NewDeepgram(apiKey func() string, opts DeepgramOptions) *Deepgram {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.QueueHighWater <= 0 {
		opts.QueueHighWater = defaultHighWater
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &Deepgram{
		apiKey: apiKey,
		opts:   opts,
		logger: observability.ForComponent("stt.deepgram"),
	}
}

// Open starts a live session for PCM16 mono audio at sampleRate
func (d *Deepgram) Open(ctx context.Context, sampleRate int) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     sampleRate,
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &deepgramStream{
		queue:      audio.NewFrameQueue(),
		highWater:  d.opts.QueueHighWater,
		events:     newEmitter(),
		breaker:    d.opts.Breaker,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		logger:     d.logger,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	client, err := listenClient.NewWSUsingCallback(streamCtx, d.apiKey(), nil, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	err = d.opts.Breaker.Call(func() error {
		return resilience.Reconnect(ctx, "deepgram", func(context.Context) error {
			if !client.Connect() {
				return errors.New("deepgram: connect failed")
			}
			return nil
		}, d.opts.Reconnect)
	})
	if err != nil {
		cancel()
		observability.RecordStageOutcome(observability.StageSTT, false)
		return nil, err
	}

	s.client = client
	go s.writeLoop(streamCtx)

	d.logger.Debug().Str("model", d.opts.Model).Str("language", d.opts.Language).Msg("Deepgram stream opened")
	return s, nil
}

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message turns results into events: interim results stay partial,
// final results are committed and speech_final marks the end of the turn.
func (m *messageCallbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)

	if !mr.IsFinal {
		if text != "" {
			m.stream.events.emit(Event{Text: text, Partial: true})
		}
		return nil
	}
	if text == "" && !mr.SpeechFinal {
		return nil
	}
	observability.RecordStageOutcome(observability.StageSTT, true)
	m.stream.events.emit(Event{Text: text, EndOfTurn: mr.SpeechFinal, Formatted: true})
	return nil
}

// UtteranceEnd signals end of turn after a gap in speech
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.stream.events.emit(Event{EndOfTurn: true})
	return nil
}

// Error reports a backend error as a terminal event
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.stream.lost(fmt.Errorf("deepgram: %+v", er))
	return nil
}

// Close reports an unexpected close as connection loss
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.stream.lost(errors.New("deepgram: connection closed"))
	return nil
}

type deepgramStream struct {
	client    *listenClient.WSCallback
	queue     *audio.FrameQueue
	highWater int
	events    *emitter
	breaker   *resilience.CircuitBreaker
	cancel    context.CancelFunc
	logger    zerolog.Logger

	closing    atomic.Bool
	failed     atomic.Bool
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (s *deepgramStream) Events() <-chan Event {
	return s.events.events()
}

func (s *deepgramStream) PushAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if s.failed.Load() {
		return ErrStreamClosed
	}
	n, err := s.queue.Push(data)
	if err != nil {
		return ErrStreamClosed
	}
	observability.AddSTTQueueDepth(1)
	observability.RecordAudioBytes("in", int64(len(data)))

	if n > s.highWater {
		s.lost(fmt.Errorf("%w: %d frames queued", ErrBackpressure, n))
		return ErrBackpressure
	}
	return nil
}

// lost fails the stream once; it is a no-op after Close
func (s *deepgramStream) lost(err error) {
	if s.closing.Load() || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.breaker.RecordResult(false)
	observability.RecordStageOutcome(observability.StageSTT, false)
	s.logger.Warn().Err(err).Msg("Deepgram stream lost")

	s.queue.Close()
	if dropped := s.queue.Clear(); dropped > 0 {
		observability.AddSTTQueueDepth(-dropped)
	}
	s.cancel()
	// callers include PushAudio on the session loop that drains events
	go s.events.fail(err)
}

func (s *deepgramStream) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			// io.EOF once Close drained the queue, ctx error after a failure
			return
		}
		observability.AddSTTQueueDepth(-1)

		if _, err := s.client.Write(frame); err != nil {
			s.lost(fmt.Errorf("failed to send audio to Deepgram: %w", err))
			return
		}
	}
}

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.queue.Close()
		select {
		case <-s.writerDone:
		case <-time.After(drainTimeout):
		}
		if s.client != nil {
			s.client.Finish()
		}
		s.cancel()
		s.events.close()
	})
	return nil
}
