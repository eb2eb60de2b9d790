package settings

import (
	"sync"
)

// Listener receives a section's new settings. Listeners run synchronously on
// the reload goroutine and must not block for long.
type Listener func(*Meta)

// Registry maps section names to listeners.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string][]Listener)}
}

// Register adds fn for section. Registration order is delivery order.
func (r *Registry) Register(section string, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[section] = append(r.listeners[section], fn)
}

// Sections returns the names that have at least one listener.
func (r *Registry) Sections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	return names
}

// Notify delivers meta to every listener of section and returns how many ran.
func (r *Registry) Notify(section string, meta *Meta) int {
	r.mu.RLock()
	fns := append([]Listener(nil), r.listeners[section]...)
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(meta)
	}
	return len(fns)
}
