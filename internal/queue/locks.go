package queue

import (
	"fmt"
	"sync"
)

// IssueLocks serializes label read-modify-write sequences per (repo, number).
// The lock must be held across any multi-step label mutation so concurrent
// workers cannot interleave partial plans.
type IssueLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIssueLocks() *IssueLocks {
	return &IssueLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-issue lock and returns its unlock function.
func (il *IssueLocks) Lock(repo string, number int) func() {
	key := fmt.Sprintf("%s#%d", repo, number)
	il.mu.Lock()
	m, ok := il.locks[key]
	if !ok {
		m = &sync.Mutex{}
		il.locks[key] = m
	}
	il.mu.Unlock()

	m.Lock()
	return m.Unlock
}
