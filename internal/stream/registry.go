package stream

import (
	"sync"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// inboxSize bounds the events buffered for one generation runner.
const inboxSize = 256

// Registry routes out-of-band events (gate decisions, cancellation) to the
// runner that owns a generation.
type Registry struct {
	mu      sync.RWMutex
	inboxes map[string]chan domain.StreamEvent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inboxes: make(map[string]chan domain.StreamEvent)}
}

// Open registers a generation and returns its inbox. ok is false when the
// generation already has a runner.
func (r *Registry) Open(generationID string) (<-chan domain.StreamEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inboxes[generationID]; exists {
		return nil, false
	}
	ch := make(chan domain.StreamEvent, inboxSize)
	r.inboxes[generationID] = ch
	return ch, true
}

// Close unregisters a generation. Events delivered afterwards are dropped.
func (r *Registry) Close(generationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inboxes, generationID)
}

// Deliver queues an event for the generation's runner. It reports false when
// no runner owns the generation or its inbox is full.
func (r *Registry) Deliver(generationID string, ev domain.StreamEvent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.inboxes[generationID]
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Active reports whether a runner owns the generation.
func (r *Registry) Active(generationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inboxes[generationID]
	return ok
}
