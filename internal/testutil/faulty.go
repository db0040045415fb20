package testutil

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"dragonfabric/df"
	"dragonfabric/engine"
)

// ErrInjected is the backend fault Faulty reports.
var ErrInjected = errors.New("injected fault")

// Faulty wraps an engine and injects faults into it. Switches can be
// flipped while the engine is in use.
type Faulty struct {
	engine.Engine

	mu sync.Mutex
	// failReads and failWrites turn reads (Get, Snapshot) and writes
	// (Put, Delete, TestAndSet, Commit) into storage faults.
	failReads  bool
	failWrites bool
	// loseRaces makes every TestAndSet and Commit report a lost comparison.
	loseRaces bool
	// onSnapshot runs before the n-th Snapshot call (counting from 1).
	onSnapshot func(n int)
	snapshots  int
}

func NewFaulty(e engine.Engine) *Faulty {
	return &Faulty{Engine: e}
}

func (f *Faulty) FailReads(on bool) {
	f.mu.Lock()
	f.failReads = on
	f.mu.Unlock()
}

func (f *Faulty) FailWrites(on bool) {
	f.mu.Lock()
	f.failWrites = on
	f.mu.Unlock()
}

func (f *Faulty) LoseRaces(on bool) {
	f.mu.Lock()
	f.loseRaces = on
	f.mu.Unlock()
}

func (f *Faulty) OnSnapshot(hook func(n int)) {
	f.mu.Lock()
	f.onSnapshot = hook
	f.mu.Unlock()
}

func (f *Faulty) state() (reads, writes, lose bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failReads, f.failWrites, f.loseRaces
}

func fault(op string) error {
	return df.StorageError(ErrInjected, op)
}

func (f *Faulty) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if reads, _, _ := f.state(); reads {
		return nil, false, fault("get")
	}
	return f.Engine.Get(ctx, key)
}

func (f *Faulty) Put(ctx context.Context, key, value []byte) error {
	if _, writes, _ := f.state(); writes {
		return fault("put")
	}
	return f.Engine.Put(ctx, key, value)
}

func (f *Faulty) Delete(ctx context.Context, key []byte) error {
	if _, writes, _ := f.state(); writes {
		return fault("delete")
	}
	return f.Engine.Delete(ctx, key)
}

func (f *Faulty) TestAndSet(ctx context.Context, key, expected, value []byte) (bool, error) {
	_, writes, lose := f.state()
	if writes {
		return false, fault("test-and-set")
	}
	if lose {
		return false, nil
	}
	return f.Engine.TestAndSet(ctx, key, expected, value)
}

func (f *Faulty) Commit(ctx context.Context, muts []engine.Mutation) (bool, error) {
	_, writes, lose := f.state()
	if writes {
		return false, fault("commit")
	}
	if lose {
		return false, nil
	}
	return f.Engine.Commit(ctx, muts)
}

func (f *Faulty) Snapshot(ctx context.Context, keys [][]byte) ([]engine.Entry, error) {
	f.mu.Lock()
	f.snapshots++
	n, hook, reads := f.snapshots, f.onSnapshot, f.failReads
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if reads {
		return nil, fault("snapshot")
	}
	return f.Engine.Snapshot(ctx, keys)
}
