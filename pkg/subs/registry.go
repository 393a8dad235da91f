package subs

import (
	"sync"

	"github.com/andrew-markin/blobs/pkg/types"
)

// Subscriber is one live observer of a key, implemented by a connection
// session. The registry holds relation and lookup only; it never manages
// subscriber lifetime.
type Subscriber interface {
	// ID uniquely identifies the subscriber across its lifetime.
	ID() string

	// Notify delivers a change notification. Implementations must not
	// block; delivery is fire-and-forget.
	Notify()
}

// Registry maps keys to the set of subscribers currently observing them.
// All operations are linearizable under the internal lock.
type Registry struct {
	mu   sync.RWMutex
	keys map[types.Key]map[string]Subscriber
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[types.Key]map[string]Subscriber)}
}

// Add subscribes sub to key.
func (r *Registry) Add(key types.Key, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.keys[key]
	if !ok {
		set = make(map[string]Subscriber)
		r.keys[key] = set
	}
	set[sub.ID()] = sub
}

// Remove unsubscribes sub from key, dropping the key entry once empty.
func (r *Registry) Remove(key types.Key, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.keys[key]
	if !ok {
		return
	}
	delete(set, sub.ID())
	if len(set) == 0 {
		delete(r.keys, key)
	}
}

// Peers returns a snapshot of the subscribers of key other than excluding.
// The snapshot is safe to iterate without holding any registry lock.
func (r *Registry) Peers(key types.Key, excluding Subscriber) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.keys[key]
	if len(set) == 0 {
		return nil
	}

	peers := make([]Subscriber, 0, len(set))
	for id, sub := range set {
		if excluding != nil && id == excluding.ID() {
			continue
		}
		peers = append(peers, sub)
	}
	return peers
}

// Len returns the number of keys with at least one subscriber.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
