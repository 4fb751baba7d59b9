package chat

import "sync"

// targetLocks serializes work per message target. Entries are dropped when
// their last holder unlocks so the map only holds active targets.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (t *targetLocks) Lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &refLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

func (t *targetLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
