package orchestrator

import (
	"sync"
)

// keyedMutex provides per-key mutual exclusion. Used to serialize mutator
// calls against the same server so interleaved config writes cannot corrupt
// the remote state. Entries are reference counted and dropped when idle.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	sem  chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.sem <- struct{}{}
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return
	}
	<-e.sem
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
