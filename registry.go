package readmarker

import (
	"sync"
	"time"
)

// registry maps each conversation to its active channel.
// At most one active channel exists per key. Lock order is registry, then
// channel.
type registry struct {
	mu       sync.Mutex
	channels map[Key]*channel
	create   func(Key) *channel
	closed   bool
}

func newRegistry(create func(Key) *channel) *registry {
	return &registry{
		channels: make(map[Key]*channel),
		create:   create,
	}
}

// acquire returns the active channel for key, creating it if absent.
// created reports whether this call created it. After closeAll it returns
// a nil channel.
func (r *registry) acquire(key Key) (ch *channel, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	if ch, ok := r.channels[key]; ok && !ch.isTornDown() {
		return ch, false
	}
	ch = r.create(key)
	r.channels[key] = ch
	return ch, true
}

// remove tears ch down and deregisters it. A newer channel registered for the
// same key is left alone. It reports whether ch was still registered.
func (r *registry) remove(ch *channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch.close()
	if cur, ok := r.channels[ch.key]; ok && cur == ch {
		delete(r.channels, ch.key)
		return true
	}
	return false
}

// evictIdle tears down channels that have been idle for at least idle and
// returns their keys.
func (r *registry) evictIdle(now time.Time, idle time.Duration) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Key
	for key, ch := range r.channels {
		if ch.closeIfIdle(now, idle) {
			delete(r.channels, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// closeAll tears down every channel and refuses further acquires.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for key, ch := range r.channels {
		ch.close()
		delete(r.channels, key)
	}
}

// get returns the registered channel for key, if any.
func (r *registry) get(key Key) (*channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// Len returns the number of registered channels.
func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Keys returns the keys of all registered channels.
func (r *registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.channels))
	for key := range r.channels {
		keys = append(keys, key)
	}
	return keys
}
