// Package tts synthesizes replies with Murf, streaming audio fragments to
// the client connection or returning a hosted audio file.
package tts

import (
	"context"
	"errors"
)

var (
	// ErrEmptyText is returned by Generate for blank input
	ErrEmptyText = errors.New("tts: text is empty")

	// ErrClosed is returned once the stream client has been closed
	ErrClosed = errors.New("tts: client is closed")
)

// State of the streaming connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Synthesizer speaks text to the owning client connection
type Synthesizer interface {
	// Synthesize sends text for synthesis. Audio is relayed asynchronously;
	// a second call waits until the previous reply has finished streaming
	// and announces bot_speaking:true only then.
	Synthesize(ctx context.Context, text string) error

	// Close releases the backend connection
	Close() error
}
