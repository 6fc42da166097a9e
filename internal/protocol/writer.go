package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriterClosed is returned by Send after Close
var ErrWriterClosed = errors.New("protocol: writer closed")

const defaultWriteTimeout = 5 * time.Second

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

// Writer serializes events as text frames on a websocket.
// Gorilla connections allow one concurrent writer, so Send holds a mutex.
type Writer struct {
	ws           wsWriter
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWriter wraps a websocket connection; a non-positive timeout uses the default
func NewWriter(ws wsWriter, writeTimeout time.Duration) *Writer {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Writer{ws: ws, writeTimeout: writeTimeout}
}

// Send writes one event. After Close it drops the event and returns ErrWriterClosed.
func (w *Writer) Send(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.EventStatus(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close stops further writes; it does not close the underlying connection
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
