// Package lock provides record-level mutual exclusion for ledger
// transitions. A transition locks the keys of every record it reads and
// writes; transitions on disjoint keys proceed concurrently.
package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/vault-ledger/internal/model"
)

// Locker acquires exclusive hold of a set of keys. The returned unlock
// function releases all of them and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, keys ...model.Key) (unlock func(), err error)
}

// normalize sorts and de-duplicates keys so every caller acquires in the
// same order.
func normalize(keys []model.Key) []model.Key {
	out := make([]model.Key, 0, len(keys))
	seen := make(map[model.Key]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LocalLocker is an in-process Locker. Waiting for a held key aborts when
// the context is cancelled.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[model.Key]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; a token in the channel means held
	refs int
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[model.Key]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...model.Key) (func(), error) {
	keys = normalize(keys)
	held := make([]model.Key, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, k := range keys {
		s := l.acquireSlot(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.dropSlot(k)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *LocalLocker) acquireSlot(k model.Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) dropSlot(k model.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func (l *LocalLocker) release(k model.Key) {
	l.mu.Lock()
	s := l.slots[k]
	l.mu.Unlock()
	<-s.ch
	l.dropSlot(k)
}

// held reports the number of keys with waiters or holders. Used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
