// Package engine holds the raw keyed byte stores the executor runs on.
//
// Every adapter offers the same small contract: single key get/put/delete,
// a per key test-and-set, and a conditional multi-key commit. Absence is a
// first-class state: Get reports it through the found flag, and at the
// test-and-set boundary a nil slice means "no such key" while an empty
// non-nil slice is a present, empty value.
package engine

import (
	"bytes"
	"context"
)

type Engine interface {
	// Get returns a copy of the value stored at key.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)
	// Put stores value at key. A nil value is stored as an empty value.
	Put(ctx context.Context, key, value []byte) error
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key []byte) error
	// TestAndSet replaces the value at key with value only if the current
	// value equals expected. A nil expected means the key must not exist,
	// a nil value deletes the key. Losing the comparison is not an error.
	TestAndSet(ctx context.Context, key, expected, value []byte) (bool, error)
	// Commit applies all mutations atomically if every checked mutation
	// matches, and applies nothing otherwise.
	Commit(ctx context.Context, muts []Mutation) (bool, error)
	// Snapshot reads keys as of a single point in time.
	Snapshot(ctx context.Context, keys [][]byte) ([]Entry, error)
	Close() error
}

// Mutation is one write inside a Commit.
type Mutation struct {
	Key []byte
	// Check makes the commit conditional on the key currently holding
	// Expect (nil Expect: the key must be absent).
	Check  bool
	Expect []byte
	// Delete removes the key, otherwise Value is stored.
	Delete bool
	Value  []byte
}

// Entry is the state of one key in a Snapshot.
type Entry struct {
	Key   []byte
	Value []byte
	Found bool
}

// Put builds an unconditional write.
func Put(key, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

// Del builds an unconditional delete.
func Del(key []byte) Mutation {
	return Mutation{Key: key, Delete: true}
}

// Set builds the mutation for "value, nil meaning delete".
func Set(key, value []byte) Mutation {
	if value == nil {
		return Del(key)
	}
	return Put(key, value)
}

// If makes m conditional on the key holding expect (nil: absent).
func (m Mutation) If(expect []byte) Mutation {
	m.Check = true
	m.Expect = expect
	return m
}

// matches reports whether the stored state (cur, found) satisfies the
// expectation of a test-and-set.
func matches(cur []byte, found bool, expect []byte) bool {
	if expect == nil {
		return !found
	}
	return found && bytes.Equal(cur, expect)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
