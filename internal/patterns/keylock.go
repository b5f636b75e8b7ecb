package patterns

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// keyLocker hands out one mutex per aggregate key. Entries are reference
// counted and removed once no goroutine holds or waits on them, so the map
// only grows with the number of keys being written concurrently.
type keyLocker struct {
	mu    sync.Mutex
	locks map[AggregateKey]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[AggregateKey]*refLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyLocker) Lock(key AggregateKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll holds every distinct key in keys. Keys are taken in a fixed order
// so two callers with overlapping sets cannot deadlock.
func (k *keyLocker) LockAll(keys []AggregateKey) func() {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, func(a, b AggregateKey) int {
		return cmp.Or(
			strings.Compare(a.UserID, b.UserID),
			strings.Compare(string(a.Type), string(b.Type)),
			strings.Compare(a.Key, b.Key),
		)
	})
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, key := range sorted {
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// size reports how many keys currently have a lock entry.
func (k *keyLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
