package reconciler

import "sync"

// ownerLocks provides per-owner mutual exclusion. Entries are created on
// first use and removed as soon as the last holder or waiter releases,
// so the map stays bounded by the number of concurrently active owners.
type ownerLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu sync.Mutex
	// refs counts holders plus waiters; guarded by ownerLocks.mu.
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the owner's lock is held and returns the release
// function. Waiters for the same owner serialize; distinct owners never
// contend.
func (l *ownerLocks) Acquire(owner string) func() {
	l.mu.Lock()
	entry, ok := l.entries[owner]
	if !ok {
		entry = &lockEntry{}
		l.entries[owner] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.entries, owner)
			}
			l.mu.Unlock()
		})
	}
}

// size reports the number of live entries; used by tests to verify that
// idle entries are collected.
func (l *ownerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
