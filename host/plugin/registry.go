package plugin

import (
	"sync"
)

// FreeFunc releases resources held by a registry slot's opaque value. It is
// invoked once, when the slot is replaced by Set or explicitly freed.
type FreeFunc func(any)

// registry is an opaque-pointer slab keyed by plugin name, generalizing the
// teacher's atomic.Value-backed per-API fields (server/plugin/api.go: name,
// ctx, dataDir) into an open, explicitly-freed store. Two instances of this
// type back the manager-scoped and plugin-scoped data described in spec.md
// §4.5: the manager-scoped registry survives plugin unload/reload, the
// plugin-scoped one is torn down alongside its owning record.
type registry struct {
	mu    sync.Mutex
	slots map[string]slot
}

type slot struct {
	value any
	free  FreeFunc
}

func newRegistry() *registry {
	return &registry{slots: map[string]slot{}}
}

// Get returns the value stored for name and whether one exists.
func (r *registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		return nil, false
	}
	return s.value, true
}

// Set allocates or replaces the value stored for name. free, if non-nil, is
// invoked when the slot is later replaced or explicitly freed.
func (r *registry) Set(name string, value any, free FreeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.slots[name]; ok && old.free != nil {
		old.free(old.value)
	}
	r.slots[name] = slot{value: value, free: free}
}

// Free releases and removes the slot for name, if present.
func (r *registry) Free(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		return
	}
	if s.free != nil {
		s.free(s.value)
	}
	delete(r.slots, name)
}

// Names returns the keys currently populated, in no particular order.
func (r *registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	return names
}
