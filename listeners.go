package chatsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Binding describes one attached event handler.
type Binding struct {
	ID         int
	Target     string
	Event      string
	AttachedAt time.Time
}

type trackedBinding struct {
	Binding
	detach func()
}

// ListenerRegistry records attached handlers and subscriptions so they can
// be listed for diagnostics and detached together.
type ListenerRegistry struct {
	mu       sync.Mutex
	next     int
	bindings []trackedBinding
	log      *zap.Logger
}

// NewListenerRegistry creates an empty registry.
func NewListenerRegistry(log *zap.Logger) *ListenerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ListenerRegistry{log: log}
}

// Track records a binding of event on target. detach, when not nil, is
// invoked on Release or Teardown.
func (r *ListenerRegistry) Track(target, event string, detach func()) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	b := Binding{ID: r.next, Target: target, Event: event, AttachedAt: time.Now()}
	r.bindings = append(r.bindings, trackedBinding{Binding: b, detach: detach})
	return b
}

// Release detaches and forgets the binding with id.
func (r *ListenerRegistry) Release(id int) bool {
	r.mu.Lock()
	var found *trackedBinding
	for i := range r.bindings {
		if r.bindings[i].ID == id {
			b := r.bindings[i]
			found = &b
			r.bindings = append(r.bindings[:i:i], r.bindings[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return false
	}
	r.detach(*found)
	return true
}

// Active lists the bindings in attachment order.
func (r *ListenerRegistry) Active() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, len(r.bindings))
	for i, b := range r.bindings {
		out[i] = b.Binding
	}
	return out
}

// LogActive logs every active binding.
func (r *ListenerRegistry) LogActive() {
	active := r.Active()
	r.log.Info("active event listeners", zap.Int("count", len(active)))
	for i, b := range active {
		r.log.Info("listener",
			zap.Int("index", i+1),
			zap.String("event", b.Event),
			zap.String("target", b.Target),
			zap.Time("attached_at", b.AttachedAt),
		)
	}
}

// Teardown detaches every binding, newest first.
func (r *ListenerRegistry) Teardown() {
	r.mu.Lock()
	bindings := r.bindings
	r.bindings = nil
	r.mu.Unlock()
	for i := len(bindings) - 1; i >= 0; i-- {
		r.detach(bindings[i])
	}
}

func (r *ListenerRegistry) detach(b trackedBinding) {
	if b.detach == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("listener detach panicked",
				zap.String("event", b.Event), zap.String("target", b.Target), zap.Any("reason", rec))
		}
	}()
	b.detach()
}
