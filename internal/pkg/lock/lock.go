// Package lock provides keyed in-process mutual exclusion.
package lock

import "sync"

// KeyLock provides one non-blocking lock per key. Scheduled jobs use it so
// that a run never overlaps with a previous run of the same job.
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	slots map[K]chan struct{}
}

// New creates a new KeyLock instance.
func New[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{slots: make(map[K]chan struct{})}
}

// slot retrieves or creates the semaphore for key.
func (kl *KeyLock[K]) slot(key K) chan struct{} {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	ch, ok := kl.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		kl.slots[key] = ch
	}
	return ch
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (kl *KeyLock[K]) TryLock(key K) bool {
	select {
	case kl.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the lock for key. Unlocking a key that is not held panics.
func (kl *KeyLock[K]) Unlock(key K) {
	select {
	case <-kl.slot(key):
	default:
		panic("lock: unlock of unlocked key")
	}
}

// IsLocked reports whether key is currently held.
// This is a point-in-time check and may change immediately after.
func (kl *KeyLock[K]) IsLocked(key K) bool {
	return len(kl.slot(key)) == 1
}
