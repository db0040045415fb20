package engine

// The pebble engine keeps the "read-modify-write" discipline of a keyed
// mutex plus group commit:
//
// '|_' - Start,  U- Update Logic   '_|' - End,  '_' - waiting,  '^' - data is flushed
// Request #1 ------|U_____________________|-------
// Request #1 --------------|U_____________|-------
// Request #2 --------------|_U____________|-------
// Request #3 --------------|__U___________|-------
// Flush Loop -----------------------------^-------
//
// Updates of the same key happen one after another under the key lock.
// Each update is written without sync and then waits for the flush loop;
// one synced WAL write makes every update before it durable, so all
// waiters are released together.

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"dragonfabric/df"
)

type PebbleConfig struct {
	Path string `yaml:"Path"`
	// InMemory keeps the whole DB on an in-memory filesystem.
	InMemory bool `yaml:"InMemory"`
	// GroupCommit batches WAL syncs across writers. When off, every
	// write is committed with pebble.Sync.
	GroupCommit   bool          `yaml:"GroupCommit"`
	FlushInterval time.Duration `yaml:"FlushInterval"`
	LockShards    int           `yaml:"LockShards"`
	MemTableSize  uint64        `yaml:"MemTableSize"`
	MaxOpenFiles  int           `yaml:"MaxOpenFiles"`
}

type Pebble struct {
	db       *pebble.DB
	locks    *keyLocker
	group    bool
	interval time.Duration

	mu      sync.Mutex
	gen     *flushGen
	count   int  // number of writes since last WAL sync
	stopped bool // graceful shutdown
	pending int  // number of requests inflight (track for graceful shutdown)

	cancel   context.CancelFunc
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// flushGen is what writers between two syncs wait on.
type flushGen struct {
	done chan struct{}
	err  error
}

func newFlushGen() *flushGen {
	return &flushGen{done: make(chan struct{})}
}

func OpenPebble(cfg PebbleConfig) (*Pebble, error) {
	opts := &pebble.Options{}
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
	}
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.MaxOpenFiles > 0 {
		opts.MaxOpenFiles = cfg.MaxOpenFiles
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, df.StorageError(err, "pebble open")
	}
	return newPebble(db, cfg), nil
}

func newPebble(db *pebble.DB, cfg PebbleConfig) *Pebble {
	p := &Pebble{
		db:       db,
		locks:    newKeyLocker(cfg.LockShards),
		group:    cfg.GroupCommit,
		interval: cfg.FlushInterval,
		gen:      newFlushGen(),
	}
	if p.interval <= 0 {
		p.interval = 5 * time.Millisecond
	}
	if p.group {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.loopDone = make(chan struct{})
		go p.flushLoop(ctx)
	}
	return p
}

func (p *Pebble) writeOpts() *pebble.WriteOptions {
	if p.group {
		return pebble.NoSync
	}
	return pebble.Sync
}

// flush syncs the WAL if anything was written since the last call and
// releases everyone waiting for it.
func (p *Pebble) flush() (count, pending int) {
	p.mu.Lock()
	count = p.count
	p.count = 0
	gen := p.gen // all previous updates are waiting on this gen
	pending = p.pending
	p.gen = newFlushGen() // future updates wait on the next one
	p.mu.Unlock()

	if count > 0 {
		// since we have only 1 WAL and writes are sequential -
		// if this write completes, all previous updates are flushed too
		gen.err = p.db.LogData([]byte("f"), pebble.Sync)
	}
	close(gen.done)
	return count, pending
}

func (p *Pebble) flushLoop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true // make sure all new requests are failing
			p.mu.Unlock()
			for {
				count, pending := p.flush() // flush all pending requests
				if pending == 0 {
					return
				}
				if count == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		default:
			count, _ := p.flush()
			if count == 0 {
				// avoid spinning if no data needs to be flushed
				time.Sleep(p.interval)
			}
		}
	}
}

// enter registers a request, failing once the engine is stopping.
func (p *Pebble) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.Mark(df.ErrStopped, df.ErrStorage)
	}
	p.pending++
	return nil
}

func (p *Pebble) leave() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

// update runs f with keys locked. f reports whether it wrote anything;
// writes wait until they are durable.
func (p *Pebble) update(keys [][]byte, f func() (bool, error)) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.leave()

	unlock := p.locks.Lock(keys...)
	wrote, err := f()
	unlock()
	if err != nil || !wrote || !p.group {
		return err
	}

	// wait till our update is flushed to disk
	p.mu.Lock()
	p.count++
	gen := p.gen
	p.mu.Unlock()
	<-gen.done
	return df.StorageError(gen.err, "pebble sync")
}

func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	d, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, df.StorageError(err, "pebble get")
	}
	defer closer.Close()
	return clone(d), true, nil
}

func (p *Pebble) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	if err := p.enter(); err != nil {
		return nil, false, err
	}
	defer p.leave()
	return p.get(key)
}

func (p *Pebble) Put(_ context.Context, key, value []byte) error {
	return p.update([][]byte{key}, func() (bool, error) {
		err := p.db.Set(key, value, p.writeOpts())
		return err == nil, df.StorageError(err, "pebble set")
	})
}

func (p *Pebble) Delete(_ context.Context, key []byte) error {
	return p.update([][]byte{key}, func() (bool, error) {
		err := p.db.Delete(key, p.writeOpts())
		return err == nil, df.StorageError(err, "pebble delete")
	})
}

func (p *Pebble) TestAndSet(ctx context.Context, key, expected, value []byte) (bool, error) {
	return p.Commit(ctx, []Mutation{Set(key, value).If(expected)})
}

func (p *Pebble) Commit(_ context.Context, muts []Mutation) (bool, error) {
	keys := make([][]byte, len(muts))
	for i, m := range muts {
		keys[i] = m.Key
	}
	ok := false
	err := p.update(keys, func() (bool, error) {
		for _, m := range muts {
			if !m.Check {
				continue
			}
			cur, found, err := p.get(m.Key)
			if err != nil {
				return false, err
			}
			if !matches(cur, found, m.Expect) {
				return false, nil
			}
		}
		b := p.db.NewBatch()
		defer b.Close()
		for _, m := range muts {
			var err error
			if m.Delete {
				err = b.Delete(m.Key, nil)
			} else {
				err = b.Set(m.Key, m.Value, nil)
			}
			if err != nil {
				return false, df.StorageError(err, "pebble batch")
			}
		}
		if err := b.Commit(p.writeOpts()); err != nil {
			return false, df.StorageError(err, "pebble commit")
		}
		ok = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Pebble) Snapshot(_ context.Context, keys [][]byte) ([]Entry, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	snap := p.db.NewSnapshot()
	defer snap.Close()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = Entry{Key: k}
		d, closer, err := snap.Get(k)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, df.StorageError(err, "pebble snapshot get")
		}
		out[i].Value = clone(d)
		out[i].Found = true
		closer.Close()
	}
	return out, nil
}

// Close stops accepting writes, releases everyone waiting for a flush and
// closes the DB. Closing twice is a no-op.
func (p *Pebble) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.close()
	})
	return p.closeErr
}

func (p *Pebble) close() error {
	if p.group {
		p.cancel()
		<-p.loopDone
	} else {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		for {
			p.mu.Lock()
			pending := p.pending
			p.mu.Unlock()
			if pending == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	return df.StorageError(p.db.Close(), "pebble close")
}
