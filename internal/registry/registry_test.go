package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/llm"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(idle time.Duration) (*Registry, *clock, *atomic.Int32) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	var created atomic.Int32
	r := New(func(id string) *llm.Client {
		created.Add(1)
		return llm.New(nil, nil, llm.Options{})
	}, Options{IdleTimeout: idle, Now: clk.Now})
	return r, clk, &created
}

func TestAcquire_CreatesOncePerID(t *testing.T) {
	r, _, created := newTestRegistry(time.Minute)

	a, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
	release()

	b, release, err := r.Acquire(context.Background(), " alice ")
	require.NoError(t, err)
	release()

	assert.Same(t, a, b)
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, r.Len())
}

func TestAcquire_EmptyID(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)
	_, _, err := r.Acquire(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyID)
	assert.Zero(t, r.Len())
}

func TestAcquire_SerializesSameID(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)

	_, release, err := r.Acquire(context.Background(), "bob")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = r.Acquire(ctx, "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other ids are independent
	_, releaseOther, err := r.Acquire(context.Background(), "carol")
	require.NoError(t, err)
	releaseOther()

	acquired := make(chan struct{})
	go func() {
		_, rel, err := r.Acquire(context.Background(), "bob")
		if err == nil {
			rel()
		}
		close(acquired)
	}()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire never got the entry")
	}
}

func TestEvict_SkipsEntriesInUse(t *testing.T) {
	r, clk, created := newTestRegistry(time.Minute)

	_, releaseIdle, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	releaseIdle()

	_, releaseBusy, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	assert.Zero(t, r.Evict(clk.Now()))

	clk.Advance(31 * time.Second)
	assert.Equal(t, 1, r.Evict(clk.Now()))

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("busy")
	assert.True(t, ok, "entries in use are never evicted")

	releaseBusy()
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.Evict(clk.Now()))
	assert.Zero(t, r.Len())

	_, release, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	release()
	assert.Equal(t, int32(3), created.Load(), "evicted id starts a fresh conversation")
}

func TestEvict_Disabled(t *testing.T) {
	r, clk, _ := newTestRegistry(0)
	_, release, err := r.Acquire(context.Background(), "x")
	require.NoError(t, err)
	release()

	clk.Advance(24 * time.Hour)
	assert.Zero(t, r.Evict(clk.Now()))
	assert.Equal(t, 1, r.Len())
}

func TestRemove(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)
	_, release, err := r.Acquire(context.Background(), "dave")
	require.NoError(t, err)
	release()

	assert.True(t, r.Remove("dave"))
	assert.False(t, r.Remove("dave"))
	assert.Zero(t, r.Len())
}

func TestRun_StopsWithContext(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
