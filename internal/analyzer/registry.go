package analyzer

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new analyzer instance for one connection.
type Factory func(tag Tag) Analyzer

// Registry maps protocol tags to analyzer factories. A single registry is
// shared by all connections of a flow manager.
type Registry struct {
	mu        sync.RWMutex
	factories map[Tag]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Tag]Factory),
	}
}

// Register adds a factory for tag, replacing any previous registration.
func (r *Registry) Register(tag Tag, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = f
}

// New instantiates an analyzer for tag. Unknown tags return ErrUnknownTag;
// the caller decides whether that is fatal (for identification it never is).
func (r *Registry) New(tag Tag) (Analyzer, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return f(tag), nil
}

// Known reports whether tag has a registered factory.
func (r *Registry) Known(tag Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Tags returns all registered tags in sorted order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]Tag, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
