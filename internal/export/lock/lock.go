// Package lock serializes export requests per organization.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned by Acquire when the key is already held.
var ErrLocked = errors.New("lock already held")

// Locker acquires exclusive locks. Acquire never blocks waiting for a holder: it returns ErrLocked
// immediately. A held lock is renewed every ttl/3 until release, so ttl only bounds how long a holder
// that died without releasing blocks others. The returned release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// OrgKey is the lock key for exports of orgID.
func OrgKey(orgID string) string {
	return "realm_export:lock:" + orgID
}

// MemoryLocker is an in-process Locker. Use RedisLocker when several server processes share a database.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	now   func() time.Time
	token uint64
}

type heldLock struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]heldLock), now: time.Now}
}

// Acquire takes key until release is called, or until ttl passes without a renewal.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, ErrLocked
	}
	l.token++
	token := l.token
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	stop := keepAlive(ttl, func(context.Context) (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		h, ok := l.held[key]
		if !ok || h.token != token {
			return false, nil
		}
		l.held[key] = heldLock{token: token, expires: l.now().Add(ttl)}
		return true, nil
	}, nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// keepAlive calls extend every ttl/3 until the returned stop func is called or extend reports
// that the lock is no longer ours.
func keepAlive(ttl time.Duration, extend func(ctx context.Context) (bool, error), onLost func(error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := extend(ctx)
				cancel()
				if err != nil || !ok {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
