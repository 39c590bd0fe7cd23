package events

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLock serializes event processing per enrollment. Interaction writes
// are append-only and need no lock; enrollment-state mutations do.
type keyedLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[uuid.UUID]*entry)}
}

// Lock acquires the lock for a key and returns its unlock function.
func (k *keyedLock) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
