package executor

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"

	"dragonfabric/df"
	"dragonfabric/engine"
)

// errRejected aborts a batch whose compare-and-swap did not match.
var errRejected = errors.New("batch rejected")

// ExecuteBatch applies ops all-or-nothing. It returns false, with nothing
// applied, when a CompareAndSwap in the batch does not match. Ops see the
// effects of the ops before them, and follow-ups generated by an Increment
// join the same commit. Generators may be called more than once when the
// batch has to be retried after a concurrent write.
func (e *Executor) ExecuteBatch(ctx context.Context, ops []WriteOperation) (bool, error) {
	if len(ops) == 0 {
		return true, nil
	}
	applied := false
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		b, err := e.newBatch(ctx, ops)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := b.apply(ctx, op, 0); err != nil {
				return err
			}
		}
		ok, err := e.eng.Commit(ctx, b.mutations())
		if err != nil {
			return err
		}
		if !ok {
			return df.ErrConflict
		}
		applied = true
		return nil
	})
	if errors.Is(err, errRejected) {
		e.log.Debug().Int("ops", len(ops)).Msg("batch rejected")
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "batch")
	}
	return applied, nil
}

// slot is the staged state of one key touched by a batch.
type slot struct {
	key []byte
	// as found in the store; a read slot becomes a commit precondition
	base      []byte
	baseFound bool
	read      bool

	val   []byte
	found bool
	dirty bool
}

type batch struct {
	e     *Executor
	slots map[string]*slot
	order []*slot
}

// newBatch loads every key named by ops from one snapshot.
func (e *Executor) newBatch(ctx context.Context, ops []WriteOperation) (*batch, error) {
	b := &batch{e: e, slots: make(map[string]*slot, len(ops))}
	var keys [][]byte
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		k := df.DataKey(opKey(op))
		if !seen[string(k)] {
			seen[string(k)] = true
			keys = append(keys, k)
		}
	}
	entries, err := e.eng.Snapshot(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		b.add(en.Key, en.Value, en.Found)
	}
	return b, nil
}

func (b *batch) add(key, value []byte, found bool) *slot {
	if found && value == nil {
		value = []byte{}
	}
	s := &slot{key: key, base: value, baseFound: found, val: value, found: found}
	b.slots[string(key)] = s
	b.order = append(b.order, s)
	return s
}

// slot returns the staged state of a user key. A key first named by a
// generated follow-up is read in a new snapshot together with every key
// already loaded; if any of those moved since, the batch starts over, so
// all decisions are taken on values that existed at the same time.
func (b *batch) slot(ctx context.Context, key []byte) (*slot, error) {
	k := df.DataKey(key)
	if s, ok := b.slots[string(k)]; ok {
		return s, nil
	}
	keys := make([][]byte, 0, len(b.order)+1)
	for _, s := range b.order {
		keys = append(keys, s.key)
	}
	keys = append(keys, k)
	entries, err := b.e.eng.Snapshot(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i, s := range b.order {
		if entries[i].Found != s.baseFound || !bytes.Equal(entries[i].Value, s.base) {
			return nil, df.ErrConflict
		}
	}
	last := entries[len(entries)-1]
	return b.add(k, last.Value, last.Found), nil
}

func (b *batch) apply(ctx context.Context, op WriteOperation, depth int) error {
	s, err := b.slot(ctx, opKey(op))
	if err != nil {
		return err
	}
	switch op := op.(type) {
	case Write:
		s.set(op.Value, true)
	case Delete:
		s.set(nil, false)
	case CompareAndSwap:
		s.read = true
		if !s.matches(op.Expected) {
			return errRejected
		}
		s.set(op.Value, op.Value != nil)
	case Increment:
		s.read = true
		cur, err := df.DecodeCounter(s.val, s.found)
		if err != nil {
			return errors.Wrapf(err, "increment %x", op.Key)
		}
		n := cur + op.Delta
		s.set(df.Int64ToByte(n), true)
		if op.Then == nil {
			return nil
		}
		next := op.Then(n)
		if next == nil {
			return nil
		}
		if depth+1 > b.e.maxChain {
			return errors.Wrapf(df.ErrChainTooDeep, "limit %d", b.e.maxChain)
		}
		return b.apply(ctx, next, depth+1)
	default:
		return errors.Wrapf(df.ErrUnknownOperation, "%T", op)
	}
	return nil
}

func (s *slot) set(value []byte, found bool) {
	s.dirty = true
	s.found = found
	if !found {
		s.val = nil
		return
	}
	s.val = append([]byte{}, value...)
}

func (s *slot) matches(expect []byte) bool {
	if expect == nil {
		return !s.found
	}
	return s.found && bytes.Equal(s.val, expect)
}

func (b *batch) mutations() []engine.Mutation {
	muts := make([]engine.Mutation, 0, len(b.order))
	for _, s := range b.order {
		if !s.dirty && !s.read {
			continue
		}
		var m engine.Mutation
		switch {
		case !s.dirty:
			m = engine.Set(s.key, s.base)
		case s.found:
			m = engine.Put(s.key, s.val)
		default:
			m = engine.Del(s.key)
		}
		if s.read {
			var expect []byte
			if s.baseFound {
				expect = s.base
			}
			m = m.If(expect)
		}
		muts = append(muts, m)
	}
	return muts
}

func opKey(op WriteOperation) []byte {
	switch op := op.(type) {
	case Write:
		return op.Key
	case Delete:
		return op.Key
	case CompareAndSwap:
		return op.Key
	case Increment:
		return op.Key
	}
	return nil
}
