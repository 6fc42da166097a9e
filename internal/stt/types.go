package stt

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNothingToTranscribe is returned when audio yields no transcript text
	ErrNothingToTranscribe = errors.New("stt: nothing to transcribe")

	// ErrStreamClosed is returned when pushing audio to a closed stream
	ErrStreamClosed = errors.New("stt: stream closed")

	// ErrBackpressure fails a stream whose audio queue passed its high-water mark
	ErrBackpressure = errors.New("stt: audio queue over high-water mark")
)

// Event is one transcript update from a streaming backend.
// An event with Err set is terminal: the channel is closed right after it.
type Event struct {
	// Text is the transcript for the current turn
	Text string

	// EndOfTurn is set when the backend decided the speaker finished
	EndOfTurn bool

	// Formatted is set when Text carries punctuation and casing
	Formatted bool

	// Partial marks an in-progress update; its text is not committed
	Partial bool

	Err error
}

// Stream is one open transcription connection. It is not restartable.
type Stream interface {
	// PushAudio enqueues PCM16 audio and returns without waiting on the network.
	// Bytes reach the backend in call order.
	PushAudio(audio []byte) error

	// Events yields transcript updates until Close or a terminal error
	Events() <-chan Event

	// Close flushes queued audio, ends the backend session and releases the connection
	Close() error
}

// Opener opens transcription streams
type Opener interface {
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, sampleRate int) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context, sampleRate int) (Stream, error) {
	return f(ctx, sampleRate)
}

const eventBuffer = 64

// emitter owns a stream's event channel. Sends made after close, or that are
// still blocked when close runs, are dropped.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		ch:   make(chan Event, eventBuffer),
		done: make(chan struct{}),
	}
}

func (e *emitter) emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// fail emits a terminal error event and closes the channel
func (e *emitter) fail(err error) {
	e.emit(Event{Err: err})
	e.close()
}

func (e *emitter) close() {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}

func (e *emitter) events() <-chan Event {
	return e.ch
}
