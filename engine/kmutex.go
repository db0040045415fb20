package engine

import (
	"hash/fnv"
	"slices"
	"sync"
)

// keyLocker serializes updates of the same key. Keys are hashed and the
// hash is locked, so there are possible collisions for unrelated keys, but
// it just means 2 updates for different keys occasionally wait for each
// other.
type keyLocker struct {
	kmu []*kmutex
}

func newKeyLocker(n int) *keyLocker {
	if n <= 0 {
		n = 100
	}
	l := &keyLocker{}
	for i := 0; i < n; i++ {
		l.kmu = append(l.kmu, newLocker())
	}
	return l
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// Lock locks every key and returns the function that releases them.
// Hashes are taken in ascending order, so two callers locking overlapping
// key sets can't deadlock.
func (l *keyLocker) Lock(keys ...[]byte) (unlock func()) {
	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, keyHash(k))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		l.kmu[id%uint64(len(l.kmu))].Lock(id)
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			l.kmu[ids[i]%uint64(len(l.kmu))].Unlock(ids[i])
		}
	}
}

type kmutex struct {
	c *sync.Cond
	l sync.Locker
	s map[uint64]struct{}
}

func newLocker() *kmutex {
	l := sync.Mutex{}
	return &kmutex{c: sync.NewCond(&l), l: &l, s: make(map[uint64]struct{})}
}

func (km *kmutex) locked(key uint64) (ok bool) {
	_, ok = km.s[key]
	return
}

func (km *kmutex) Unlock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	delete(km.s, key)
	km.c.Broadcast()
}

func (km *kmutex) Lock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	for km.locked(key) {
		km.c.Wait()
	}
	km.s[key] = struct{}{}
}
