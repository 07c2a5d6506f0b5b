package convo

import "sync"

// Registry is the concurrent map of live conversations keyed by
// (channel, thread). At most one live conversation exists per key.
//
// One mutex covers lookup, insertion, removal, and iteration: the router and
// the reaper mutate it from different goroutines and readers must never
// observe a half-inserted entry. The cardinality is small (open chat
// threads), so a single coarse lock suffices.
type Registry struct {
	mu     sync.Mutex
	convos map[Key]*Conversation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{convos: make(map[Key]*Conversation)}
}

// Find returns the live conversation for key, or false when none exists.
func (r *Registry) Find(key Key) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convos[key]
	return c, ok
}

// Insert adds c under key if absent and returns (c, true). When another
// conversation already holds the key, as with two inbound events racing to
// create the same thread, the existing one is returned with false and c is
// discarded, preserving the at-most-one-live-conversation invariant.
func (r *Registry) Insert(key Key, c *Conversation) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.convos[key]; ok {
		return existing, false
	}
	r.convos[key] = c
	return c, true
}

// Remove deletes the conversation stored under key, if any, and reports
// whether an entry was removed.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convos[key]; !ok {
		return false
	}
	delete(r.convos, key)
	return true
}

// RemoveIf atomically scans the registry and removes every conversation for
// which pred returns true, returning the removed conversations. The lock is
// held for the whole scan, so no insert or concurrent scan interleaves.
// pred must not call back into the registry.
func (r *Registry) RemoveIf(pred func(*Conversation) bool) []*Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Conversation
	for key, c := range r.convos {
		if pred(c) {
			removed = append(removed, c)
			delete(r.convos, key)
		}
	}
	return removed
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convos)
}

// Snapshot returns the live conversations at a point in time. The slice is
// safe to iterate without the registry lock; the conversations themselves
// guard their own state.
func (r *Registry) Snapshot() []*Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conversation, 0, len(r.convos))
	for _, c := range r.convos {
		out = append(out, c)
	}
	return out
}
