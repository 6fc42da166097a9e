// Package turn decides when the speaker has finished and drives the
// model and synthesis pipeline for one client connection.
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/protocol"
	"github.com/lexiqai/voice-agent/internal/stt"
)

// State of a session
type State int32

const (
	// StateIdle has no transcription stream yet
	StateIdle State = iota
	// StateListening has an open stream and an empty accumulator
	StateListening
	// StateSilencePending holds fragments waiting for an end-of-turn signal
	StateSilencePending
	// StateProcessing has a model and synthesis pipeline in flight
	StateProcessing
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSilencePending:
		return "SILENCE_PENDING"
	case StateProcessing:
		return "PROCESSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// End-of-turn triggers
const (
	TriggerBackend  = "backend"
	TriggerSilence  = "silence"
	TriggerDeferred = "deferred"
)

// Responder produces the model reply for an utterance. It never fails;
// backend errors come back as fallback text.
type Responder interface {
	Respond(ctx context.Context, prompt string) string
	Reset()
}

// Synthesizer speaks a reply to the client connection. It sends
// bot_speaking:true once the reply has the voice, after any earlier reply
// has finished streaming.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) error
	Close() error
}

// Fragment is one committed transcript update
type Fragment struct {
	Text      string
	At        time.Time
	EndOfTurn bool
}

// Inbound is one message read from the client connection
type Inbound struct {
	Audio []byte

	// Reset clears the conversation history
	Reset bool
}

// Options configures an Orchestrator. Zero values use defaults.
type Options struct {
	SampleRate       int
	SilenceThreshold time.Duration

	// PollInterval adds a ticker-driven silence check; 0 polls on events only
	PollInterval time.Duration

	// FlushTimeout bounds the model call for an utterance pending at close
	FlushTimeout time.Duration

	// ReopenDelay is the minimum wait between failed transcription dials
	ReopenDelay time.Duration

	// Fallback is spoken when a handler panics
	Fallback string

	Now    func() time.Time
	Logger *zerolog.Logger
}

type pipelineResult struct {
	err      error
	panicked bool
}

// Orchestrator is the turn-taking state machine of one connection. All
// session state is owned by the Run loop; the pipeline goroutine only talks
// to the sink and reports back on done.
type Orchestrator struct {
	id     string
	sink   protocol.Sink
	opener stt.Opener
	model  Responder
	voice  Synthesizer
	opts   Options

	logger  zerolog.Logger
	metrics *observability.Metrics
	state   atomic.Int32

	// owned by Run
	stream       stt.Stream
	events       <-chan stt.Event
	reopenAt     time.Time
	fragments    []Fragment
	lastActivity time.Time
	busy         bool
	queued       []string
	done         chan pipelineResult
}

// New creates the orchestrator for session id
func New(id string, sink protocol.Sink, opener stt.Opener, model Responder, voice Synthesizer, opts Options) *Orchestrator {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.SilenceThreshold <= 0 {
		opts.SilenceThreshold = 600 * time.Millisecond
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = 2 * time.Second
	}
	if opts.Fallback == "" {
		opts.Fallback = llm.FallbackReply
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := observability.ForSession(id, "turn")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Orchestrator{
		id:      id,
		sink:    sink,
		opener:  opener,
		model:   model,
		voice:   voice,
		opts:    opts,
		logger:  logger,
		metrics: observability.NewSessionMetrics(id),
		done:    make(chan pipelineResult, 1),
	}
}

// ID returns the session id
func (o *Orchestrator) ID() string { return o.id }

// State returns the current state; safe to call from any goroutine
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Run consumes inbound messages until in is closed or ctx is done, then
// closes the session. Backend failures never end the loop.
func (o *Orchestrator) Run(ctx context.Context, in <-chan Inbound) error {
	o.metrics.RecordSessionStart()
	defer o.metrics.RecordSessionEnd()

	pipeCtx, cancel := context.WithCancel(ctx)
	defer o.close(cancel)

	var tick <-chan time.Time
	if o.opts.PollInterval > 0 {
		ticker := time.NewTicker(o.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	o.logger.Info().Msg("Session started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-in:
			if !ok {
				return nil
			}
			o.safely(pipeCtx, func() { o.handleInbound(pipeCtx, msg) })

		case ev, ok := <-o.events:
			if !ok {
				o.logger.Warn().Msg("Transcription stream ended without an error")
				o.dropStream()
				continue
			}
			o.safely(pipeCtx, func() { o.handleTranscript(pipeCtx, ev) })

		case res := <-o.done:
			o.safely(pipeCtx, func() { o.handlePipelineDone(pipeCtx, res) })

		case <-tick:
			o.safely(pipeCtx, func() { o.checkSilence(pipeCtx) })
		}
	}
}

func (o *Orchestrator) handleInbound(ctx context.Context, msg Inbound) {
	if msg.Reset {
		o.model.Reset()
		o.logger.Info().Msg("Conversation history reset")
		return
	}
	if len(msg.Audio) == 0 {
		return
	}

	o.checkSilence(ctx)

	if !o.ensureStream(ctx) {
		return
	}
	if err := o.stream.PushAudio(msg.Audio); err != nil {
		// the stream reports the failure as a terminal event
		o.logger.Debug().Err(err).Msg("Audio not accepted by transcription stream")
	}
}

// ensureStream opens the transcription stream on first audio or after a loss
func (o *Orchestrator) ensureStream(ctx context.Context) bool {
	if o.stream != nil {
		return true
	}
	if now := o.opts.Now(); now.Before(o.reopenAt) {
		return false
	}

	stream, err := o.opener.Open(ctx, o.opts.SampleRate)
	if err != nil {
		o.reopenAt = o.opts.Now().Add(o.opts.ReopenDelay)
		o.logger.Error().Err(err).Msg("Failed to open transcription stream")
		o.metrics.RecordError("stt_open", "stt")
		o.send(protocol.NewError("transcription unavailable: " + err.Error()))
		return false
	}

	o.stream = stream
	o.events = stream.Events()
	o.settle()
	o.logger.Debug().Msg("Transcription stream opened")
	return true
}

func (o *Orchestrator) handleTranscript(ctx context.Context, ev stt.Event) {
	if ev.Err != nil {
		o.logger.Warn().Err(ev.Err).Msg("Transcription stream lost")
		o.metrics.RecordError("stt_stream", "stt")
		o.send(protocol.NewError("transcription stream lost: " + ev.Err.Error()))
		o.dropStream()
		return
	}

	// Check before appending so a late fragment starts a new utterance
	o.checkSilence(ctx)

	if ev.Partial {
		if len(o.fragments) > 0 {
			o.lastActivity = o.opts.Now()
		}
		return
	}

	if text := strings.TrimSpace(ev.Text); text != "" {
		now := o.opts.Now()
		o.fragments = append(o.fragments, Fragment{Text: text, At: now, EndOfTurn: ev.EndOfTurn})
		o.lastActivity = now
		o.settle()
	}

	if ev.EndOfTurn {
		o.endOfTurn(ctx, TriggerBackend)
	}
}

// checkSilence fires end-of-turn once the last fragment is older than the threshold
func (o *Orchestrator) checkSilence(ctx context.Context) {
	if len(o.fragments) == 0 {
		return
	}
	if o.opts.Now().Sub(o.lastActivity) >= o.opts.SilenceThreshold {
		o.endOfTurn(ctx, TriggerSilence)
	}
}

func (o *Orchestrator) endOfTurn(ctx context.Context, trigger string) {
	if len(o.fragments) == 0 {
		return
	}

	// the utterance is fixed here; words arriving later belong to the next one
	text := o.snapshot()
	if o.busy {
		o.queued = append(o.queued, text)
		o.metrics.RecordDeferredTurn()
		o.logger.Debug().Str("trigger", trigger).Int("queued", len(o.queued)).Msg("End of turn deferred while busy")
		o.settle()
		return
	}
	o.startPipeline(ctx, text, trigger)
}

func (o *Orchestrator) startPipeline(ctx context.Context, text, trigger string) {
	o.metrics.RecordTurn(trigger)
	o.logger.Info().Str("trigger", trigger).Str("text", text).Msg("End of turn")

	o.busy = true
	o.setState(StateProcessing)
	o.send(protocol.NewTranscript(text))
	go o.runPipeline(ctx, text)
}

// snapshot joins and clears the accumulator
func (o *Orchestrator) snapshot() string {
	if len(o.fragments) == 0 {
		return ""
	}
	texts := make([]string, len(o.fragments))
	for i, f := range o.fragments {
		texts[i] = f.Text
	}
	o.fragments = nil
	return strings.Join(texts, " ")
}

func (o *Orchestrator) runPipeline(ctx context.Context, text string) {
	var res pipelineResult
	defer func() {
		if r := recover(); r != nil {
			res = pipelineResult{err: fmt.Errorf("pipeline panic: %v", r), panicked: true}
		}
		o.done <- res
	}()

	start := time.Now()
	reply := o.model.Respond(ctx, text)
	if ctx.Err() != nil {
		return
	}
	o.logger.Info().Dur("latency", time.Since(start)).Int("chars", len(reply)).Msg("Model replied")
	o.send(protocol.NewLLMResponse(reply))

	if strings.TrimSpace(reply) == "" {
		return
	}
	if err := o.voice.Synthesize(ctx, reply); err != nil {
		if ctx.Err() != nil {
			return
		}
		res.err = fmt.Errorf("speech synthesis failed: %w", err)
		o.send(protocol.NewBotSpeaking(false))
	}
}

func (o *Orchestrator) handlePipelineDone(ctx context.Context, res pipelineResult) {
	o.busy = false
	o.settle()

	if res.err != nil {
		o.logger.Error().Err(res.err).Msg("Turn pipeline failed")
		o.metrics.RecordError("pipeline", "turn")
		o.send(protocol.NewError(res.err.Error()))
		if res.panicked {
			o.speakFallback(ctx)
		}
	}

	if len(o.queued) > 0 {
		text := o.queued[0]
		o.queued = o.queued[1:]
		o.startPipeline(ctx, text, TriggerDeferred)
	}
}

// settle picks the resting state after a change outside of processing
func (o *Orchestrator) settle() {
	switch {
	case o.busy:
		o.setState(StateProcessing)
	case len(o.fragments) > 0:
		o.setState(StateSilencePending)
	case o.stream != nil:
		o.setState(StateListening)
	default:
		o.setState(StateIdle)
	}
}

func (o *Orchestrator) dropStream() {
	if o.stream != nil {
		go o.stream.Close()
	}
	o.stream = nil
	o.events = nil
	o.settle()
}

// safely runs a loop handler, turning a panic into an error event and a
// spoken fallback so the connection stays open
func (o *Orchestrator) safely(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("Recovered from handler panic")
			o.metrics.RecordError("panic", "turn")
			o.send(protocol.NewError(fmt.Sprintf("internal error: %v", r)))
			o.speakFallback(ctx)
		}
	}()
	fn()
}

func (o *Orchestrator) speakFallback(ctx context.Context) {
	go func() {
		defer func() { _ = recover() }()
		if err := o.voice.Synthesize(ctx, o.opts.Fallback); err != nil && ctx.Err() == nil {
			o.send(protocol.NewBotSpeaking(false))
		}
	}()
}

func (o *Orchestrator) send(ev protocol.Event) {
	if err := o.sink.Send(ev); err != nil {
		o.logger.Debug().Err(err).Str("status", ev.EventStatus()).Msg("Dropped outbound event")
	}
}

// close cancels in-flight work, flushes deferred and pending utterances to
// the model and releases both backend handles
func (o *Orchestrator) close(cancel context.CancelFunc) {
	o.setState(StateClosed)
	cancel()

	pending := o.queued
	o.queued = nil
	if text := o.snapshot(); text != "" {
		pending = append(pending, text)
	}
	if len(pending) > 0 {
		o.logger.Info().Strs("text", pending).Msg("Flushing pending utterances")
		go o.flush(pending)
	}

	if o.stream != nil {
		if err := o.stream.Close(); err != nil {
			o.logger.Debug().Err(err).Msg("Error closing transcription stream")
		}
		o.stream = nil
		o.events = nil
	}
	if err := o.voice.Close(); err != nil {
		o.logger.Debug().Err(err).Msg("Error closing synthesis client")
	}
	o.logger.Info().Msg("Session closed")
}

// flush sends the utterances to the model in order; replies are discarded
func (o *Orchestrator) flush(texts []string) {
	defer func() { _ = recover() }()
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.FlushTimeout)
	defer cancel()
	for _, text := range texts {
		if ctx.Err() != nil {
			return
		}
		o.model.Respond(ctx, text)
	}
}
