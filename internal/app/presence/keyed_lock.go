package presence

import (
	"sync"

	"github.com/dkeye/Ring/internal/domain"
)

// keyedLock hands out one mutex per user. Entries are reference counted
// and dropped when the last holder unlocks.
type keyedLock struct {
	mu    sync.Mutex
	locks map[domain.UserID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[domain.UserID]*refMutex)}
}

func (k *keyedLock) Lock(id domain.UserID) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
}

func (k *keyedLock) Unlock(id domain.UserID) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		k.mu.Unlock()
		return
	}
	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	m.Unlock()
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
