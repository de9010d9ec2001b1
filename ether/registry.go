package ether

import "sync"

// Callback is invoked for frames of a registered EtherType with the
// frame's payload, its length, and the id of the device it arrived on.
type Callback func(payload []byte, length int, deviceID int) int

// Registry maps EtherType to upper-layer callbacks. Registration is
// last-writer-wins per key.
type Registry struct {
	mu        sync.Mutex
	callbacks map[EtherType]Callback
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[EtherType]Callback)}
}

// Set upserts the callback for et. It returns 1 if et is new, 0 if it
// replaced an existing callback.
func (r *Registry) Set(et EtherType, cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.callbacks[et]
	r.callbacks[et] = cb
	if existed {
		return 0
	}
	return 1
}

// Lookup returns the callback registered for et, if any.
func (r *Registry) Lookup(et EtherType) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[et]
	return cb, ok
}
