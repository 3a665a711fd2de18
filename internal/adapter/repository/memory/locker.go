package memory

import (
	"context"
	"sync"
)

// KeyedLocker implements domain.Locker for a single process
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates a locker with no held keys
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// WithLock runs fn while holding key, giving up if ctx ends first
func (k *KeyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := k.acquireRef(key)
	defer k.releaseRef(key, lock)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.ch }()

	return fn(ctx)
}

func (k *KeyedLocker) acquireRef(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (k *KeyedLocker) releaseRef(key string, lock *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
}
