package call

import (
	"context"
	"sync"
)

// Locker provides the per-session critical section. Lock blocks until key is
// held or ctx is done; the returned func releases the key and is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedLocker is an in-process Locker with one independent lock per key.
// Entries are reference counted and dropped once no holder or waiter remains.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty KeyedLocker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires key, honouring ctx cancellation while waiting
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.sem
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently tracked
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// ChainLocker acquires several lockers in order and releases them in reverse.
// It is used to put a cross-instance lock behind the in-process one.
type ChainLocker []Locker

// Lock acquires every locker in the chain or none of them
func (c ChainLocker) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	unlockAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	var once sync.Once
	return func() { once.Do(unlockAll) }, nil
}
