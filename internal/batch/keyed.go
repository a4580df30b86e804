package batch

import "sync"

type unitKey struct {
	id   int64
	zoom int
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work on the same changeset and zoom
type keyedMutex struct {
	mu      sync.Mutex
	entries map[unitKey]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[unitKey]*keyedEntry)}
}

// Lock blocks until k is free and returns the unlock function
func (k *keyedMutex) Lock(key unitKey) func() {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
