// Package mutex provides a per-key mutual exclusion primitive.
//
// A KeyedMutex serializes work on one logical resource (a script, an entity,
// a workspace) without blocking work on any other key. Within a key, holders
// are granted strictly in arrival order and ownership is handed directly to
// the next waiter, so the key is never observed free while waiters exist.
package mutex

import (
	"context"
	"sync"
)

type waiter struct {
	ch      chan struct{}
	granted bool
}

// entry exists in the map exactly while the key is held.
type entry struct {
	waiters []*waiter
}

// KeyedMutex is a set of FIFO mutexes addressed by string keys.
// The zero value is ready to use.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// New returns an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*entry)}
}

// Lock acquires key, blocking until every earlier caller has released it.
func (m *KeyedMutex) Lock(key string) {
	_ = m.LockContext(context.Background(), key)
}

// LockContext acquires key or gives up when ctx is done. A waiter that gives
// up after ownership was already handed to it passes ownership on, so
// cancellation never leaves a key held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.keys == nil {
		m.keys = make(map[string]*entry)
	}
	e, held := m.keys[key]
	if !held {
		m.keys[key] = &entry{}
		m.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	if w.granted {
		m.mu.Unlock()
		m.Unlock(key)
		return ctx.Err()
	}
	for i, other := range e.waiters {
		if other == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return ctx.Err()
}

// Unlock releases key, handing it to the oldest waiter if there is one.
// Unlocking a key that is not held is a programming error and panics.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.keys[key]
	if !held {
		panic("mutex: unlock of unlocked key " + key)
	}
	if len(e.waiters) == 0 {
		delete(m.keys, key)
		return
	}
	next := e.waiters[0]
	e.waiters[0] = nil
	e.waiters = e.waiters[1:]
	next.granted = true
	close(next.ch)
}

// RunExclusive runs fn while holding key. The key is released on every exit
// path; a panic in fn is re-raised after release and fn's error is returned
// unchanged.
func (m *KeyedMutex) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := m.LockContext(ctx, key); err != nil {
		return err
	}
	defer m.Unlock(key)
	return fn(ctx)
}

// Held reports whether key currently has a holder.
func (m *KeyedMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.keys[key]
	return held
}

// Waiting returns the number of callers queued behind the holder of key.
func (m *KeyedMutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, held := m.keys[key]; held {
		return len(e.waiters)
	}
	return 0
}
