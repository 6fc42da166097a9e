// Package registry keeps the conversations of the request/response chat
// endpoint, keyed by the client-chosen session id.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
)

// ErrEmptyID is returned for a blank session id
var ErrEmptyID = errors.New("registry: session id is empty")

// Factory creates the conversation for a new session id
type Factory func(id string) *llm.Client

type entry struct {
	conv *llm.Client

	// sem serializes use of one conversation
	sem chan struct{}

	// guarded by Registry.mu
	refs     int
	lastUsed time.Time
}

// Options configures a Registry. Zero values use defaults.
type Options struct {
	// IdleTimeout is how long an unused entry survives; 0 disables eviction
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Registry maps session ids to conversations. It is the only state shared
// across sessions.
type Registry struct {
	factory Factory
	opts    Options
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry
func New(factory Factory, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		factory: factory,
		opts:    opts,
		logger:  observability.ForComponent("registry"),
		entries: make(map[string]*entry),
	}
}

// Acquire returns the conversation for id, creating it on first use. The
// caller has exclusive use until it calls release; a concurrent Acquire of
// the same id waits or gives up when ctx is done.
func (r *Registry) Acquire(ctx context.Context, id string) (*llm.Client, func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, ErrEmptyID
	}

	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		e = &entry{conv: r.factory(id), sem: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	e.refs++
	e.lastUsed = r.opts.Now()
	size := len(r.entries)
	r.mu.Unlock()

	if !exists {
		observability.SetRegistrySessions(size)
		r.logger.Debug().Str("session_id", id).Msg("Created conversation")
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		e.refs--
		r.mu.Unlock()
		return nil, nil, ctx.Err()
	}

	release := sync.OnceFunc(func() {
		<-e.sem
		r.mu.Lock()
		e.refs--
		e.lastUsed = r.opts.Now()
		r.mu.Unlock()
	})
	return e.conv, release, nil
}

// Get returns the conversation for id without creating or locking it
func (r *Registry) Get(id string) (*llm.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(id)]
	if !ok {
		return nil, false
	}
	return e.conv, true
}

// Remove drops the entry for id and clears its history
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[strings.TrimSpace(id)]
	if ok {
		delete(r.entries, strings.TrimSpace(id))
	}
	size := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.conv.Reset()
	observability.SetRegistrySessions(size)
	return true
}

// Evict drops entries that are not in use and have been idle longer than
// the idle timeout. Returns the number evicted.
func (r *Registry) Evict(now time.Time) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}

	r.mu.Lock()
	evicted := 0
	for id, e := range r.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > r.opts.IdleTimeout {
			delete(r.entries, id)
			evicted++
		}
	}
	size := len(r.entries)
	r.mu.Unlock()

	if evicted > 0 {
		observability.RecordRegistryEvictions(evicted)
		observability.SetRegistrySessions(size)
		r.logger.Info().Int("evicted", evicted).Int("remaining", size).Msg("Evicted idle conversations")
	}
	return evicted
}

// Run evicts idle entries every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = r.opts.IdleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict(r.opts.Now())
		}
	}
}

// Len returns the number of live entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
