package keylock

import (
	"sync"

	"github.com/andrew-markin/blobs/pkg/types"
)

// Registry grants mutually exclusive access per key. Entries are created on
// first use and garbage-collected once a key has no holder and no waiters,
// so the map stays proportional to current contention, not to the number of
// keys ever touched.
type Registry struct {
	mu    sync.Mutex
	slots map[types.Key]*slot
}

type slot struct {
	// sem holds one token when the key is free. Waiters park on the
	// channel receive; wakeup order is runtime-scheduled, which is
	// starvation-free without being strict FIFO.
	sem  chan struct{}
	refs int
}

// NewRegistry creates an empty key lock registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[types.Key]*slot)}
}

// Lock blocks until the key is free and acquires it. Contention on one key
// never stalls acquisition of another.
func (r *Registry) Lock(key types.Key) {
	r.mu.Lock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		s.sem <- struct{}{}
		r.slots[key] = s
	}
	s.refs++
	r.mu.Unlock()

	<-s.sem
}

// Unlock releases the key, waking one waiter if any.
func (r *Registry) Unlock(key types.Key) {
	r.mu.Lock()
	s, ok := r.slots[key]
	if !ok {
		r.mu.Unlock()
		panic("keylock: unlock of unheld key " + key.String())
	}
	s.refs--
	if s.refs == 0 {
		delete(r.slots, key)
	}
	r.mu.Unlock()

	s.sem <- struct{}{}
}

// With runs fn while holding the key lock.
func (r *Registry) With(key types.Key, fn func()) {
	r.Lock(key)
	defer r.Unlock(key)
	fn()
}

// Len returns the number of live slots, for tests and introspection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
