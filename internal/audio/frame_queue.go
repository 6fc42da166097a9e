package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrQueueClosed is returned when pushing to a closed queue
var ErrQueueClosed = errors.New("audio: frame queue closed")

// FrameQueue is a thread-safe unbounded FIFO of audio frames.
// Push never blocks; Pop blocks until a frame is available.
type FrameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	bytes  int
	closed bool
	notify chan struct{}
}

// NewFrameQueue creates an empty queue
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{notify: make(chan struct{}, 1)}
}

// Push appends a copy of frame and returns the queue length after the push
func (q *FrameQueue) Push(frame []byte) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	q.frames = append(q.frames, append([]byte(nil), frame...))
	q.bytes += len(frame)
	n := len(q.frames)
	q.mu.Unlock()

	q.signal()
	return n, nil
}

// Pop removes the oldest frame. It returns io.EOF once the queue is closed and drained.
func (q *FrameQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.bytes -= len(frame)
			q.mu.Unlock()
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Bytes returns the number of queued bytes
func (q *FrameQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Close rejects further pushes; queued frames can still be popped
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Clear drops every queued frame and returns how many were dropped
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	q.bytes = 0
	return n
}

func (q *FrameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
