package engine

import (
	"context"
	"slices"
	"sync"
)

const DefaultShards = 32

// Memory is the in-memory reference engine. Keys are spread over shards,
// each with its own lock, so only keys of the same shard contend.
type Memory struct {
	shards []*memShard
}

type memShard struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemory(shards int) *Memory {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Memory{shards: make([]*memShard, shards)}
	for i := range m.shards {
		m.shards[i] = &memShard{m: make(map[string][]byte)}
	}
	return m
}

func (m *Memory) shardIndex(key []byte) int {
	return int(keyHash(key) % uint64(len(m.shards)))
}

func (m *Memory) shard(key []byte) *memShard {
	return m.shards[m.shardIndex(key)]
}

// lockShards write-locks (or read-locks) the shards owning keys, in
// ascending shard order.
func (m *Memory) lockShards(keys [][]byte, write bool) (unlock func()) {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, m.shardIndex(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		if write {
			m.shards[i].mu.Lock()
		} else {
			m.shards[i].mu.RLock()
		}
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			if write {
				m.shards[idx[j]].mu.Unlock()
			} else {
				m.shards[idx[j]].mu.RUnlock()
			}
		}
	}
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[string(key)]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *Memory) Put(_ context.Context, key, value []byte) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[string(key)] = clone(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key []byte) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, string(key))
	return nil
}

func (m *Memory) TestAndSet(_ context.Context, key, expected, value []byte) (bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.m[string(key)]
	if !matches(cur, found, expected) {
		return false, nil
	}
	if value == nil {
		delete(s.m, string(key))
	} else {
		s.m[string(key)] = clone(value)
	}
	return true, nil
}

func (m *Memory) Commit(_ context.Context, muts []Mutation) (bool, error) {
	keys := make([][]byte, len(muts))
	for i, mu := range muts {
		keys[i] = mu.Key
	}
	unlock := m.lockShards(keys, true)
	defer unlock()

	for _, mu := range muts {
		if !mu.Check {
			continue
		}
		cur, found := m.shard(mu.Key).m[string(mu.Key)]
		if !matches(cur, found, mu.Expect) {
			return false, nil
		}
	}
	for _, mu := range muts {
		s := m.shard(mu.Key)
		if mu.Delete {
			delete(s.m, string(mu.Key))
		} else {
			s.m[string(mu.Key)] = clone(mu.Value)
		}
	}
	return true, nil
}

func (m *Memory) Snapshot(_ context.Context, keys [][]byte) ([]Entry, error) {
	unlock := m.lockShards(keys, false)
	defer unlock()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		v, ok := m.shard(k).m[string(k)]
		out[i] = Entry{Key: k, Found: ok}
		if ok {
			out[i].Value = clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
