package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestFrameQueue_PushPop(t *testing.T) {
	q := NewFrameQueue()

	n, err := q.Push([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Unexpected push error: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected length 1, got %d", n)
	}
	q.Push([]byte{4, 5})

	if q.Len() != 2 {
		t.Errorf("Expected 2 frames, got %d", q.Len())
	}
	if q.Bytes() != 5 {
		t.Errorf("Expected 5 bytes, got %d", q.Bytes())
	}

	ctx := context.Background()
	first, _ := q.Pop(ctx)
	second, _ := q.Pop(ctx)
	if string(first) != string([]byte{1, 2, 3}) || string(second) != string([]byte{4, 5}) {
		t.Errorf("Frames out of order: %v %v", first, second)
	}
	if q.Bytes() != 0 {
		t.Errorf("Expected 0 bytes after drain, got %d", q.Bytes())
	}
}

func TestFrameQueue_PushCopies(t *testing.T) {
	q := NewFrameQueue()
	frame := []byte{1, 2}
	q.Push(frame)
	frame[0] = 9

	got, _ := q.Pop(context.Background())
	if got[0] != 1 {
		t.Error("Expected queue to hold a copy of the pushed frame")
	}
}

func TestFrameQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewFrameQueue()
	done := make(chan []byte)

	go func() {
		frame, _ := q.Pop(context.Background())
		done <- frame
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any frame was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push([]byte{7})
	select {
	case frame := <-done:
		if len(frame) != 1 || frame[0] != 7 {
			t.Errorf("Unexpected frame %v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after push")
	}
}

func TestFrameQueue_PopContextCancel(t *testing.T) {
	q := NewFrameQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestFrameQueue_CloseDrains(t *testing.T) {
	q := NewFrameQueue()
	q.Push([]byte{1})
	q.Close()

	if _, err := q.Push([]byte{2}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}

	ctx := context.Background()
	if frame, err := q.Pop(ctx); err != nil || frame[0] != 1 {
		t.Errorf("Expected queued frame after close, got %v %v", frame, err)
	}
	if _, err := q.Pop(ctx); err != io.EOF {
		t.Errorf("Expected io.EOF once drained, got %v", err)
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	q := NewFrameQueue()
	q.Push([]byte{1})
	q.Push([]byte{2})

	if dropped := q.Clear(); dropped != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestFrameQueue_ConcurrentOrdering(t *testing.T) {
	q := NewFrameQueue()
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Push([]byte{byte(i % 256), byte(i / 256)})
		}
		q.Close()
	}()

	for i := 0; ; i++ {
		frame, err := q.Pop(context.Background())
		if err == io.EOF {
			if i != total {
				t.Errorf("Expected %d frames, got %d", total, i)
			}
			break
		}
		if got := int(frame[0]) + int(frame[1])*256; got != i {
			t.Fatalf("Frame %d out of order: got %d", i, got)
		}
	}
	wg.Wait()
}
