// Package executor applies operations to an engine.Engine.
//
// Single operations are atomic per key: writes and deletes are plain puts,
// compare-and-swap is the engine's test-and-set, and increments are an
// optimistic read/test-and-set loop. ExecuteBatch applies a list of write
// operations all-or-nothing through one conditional engine commit.
package executor

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"dragonfabric/df"
	"dragonfabric/engine"
	"dragonfabric/queue"
)

// DefaultMaxChainDepth bounds how many generated follow-ups one operation
// may trigger in a row.
const DefaultMaxChainDepth = 16

type Executor struct {
	eng      engine.Engine
	queues   *queue.Store
	log      zerolog.Logger
	retry    df.RetryPolicy
	maxChain int
}

type Option func(*Executor)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

func WithRetry(p df.RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

func WithMaxChainDepth(n int) Option {
	return func(e *Executor) {
		e.maxChain = n
	}
}

func New(eng engine.Engine, opts ...Option) *Executor {
	e := &Executor{
		eng:      eng,
		log:      zerolog.Nop(),
		retry:    df.DefaultRetryPolicy(),
		maxChain: DefaultMaxChainDepth,
	}
	for _, o := range opts {
		o(e)
	}
	e.queues = queue.New(eng, e.retry)
	return e
}

// Execute applies a single operation. Expected outcomes are reported in the
// Result (a lost compare-and-swap, an empty queue), errors are reserved for
// faults: df.ErrTypeMismatch, df.ErrContention and storage failures.
func (e *Executor) Execute(ctx context.Context, op Operation) (Result, error) {
	return e.execute(ctx, op, 0)
}

func (e *Executor) execute(ctx context.Context, op Operation, depth int) (Result, error) {
	var res Result
	var err error
	switch op := op.(type) {
	case Read:
		res.Value, res.Found, err = e.eng.Get(ctx, df.DataKey(op.Key))
	case Write:
		err = e.eng.Put(ctx, df.DataKey(op.Key), op.Value)
		res.Success = err == nil
	case Delete:
		err = e.eng.Delete(ctx, df.DataKey(op.Key))
		res.Success = err == nil
	case CompareAndSwap:
		res.Success, err = e.eng.TestAndSet(ctx, df.DataKey(op.Key), op.Expected, op.Value)
	case Increment:
		res.Counter, err = e.increment(ctx, op.Key, op.Delta)
		if err == nil && op.Then != nil {
			res.Chained, res.ChainErr = e.chain(ctx, op, res.Counter, depth)
		}
	case ReadCounter:
		var d []byte
		var found bool
		d, found, err = e.eng.Get(ctx, df.DataKey(op.Key))
		if err == nil {
			res.Counter, err = df.DecodeCounter(d, found)
		}
	case QueuePush:
		err = e.queues.Push(ctx, op.Queue, op.Value)
		res.Success = err == nil
	case QueuePop:
		res.Value, res.Found, err = e.queues.Pop(ctx, op.Queue)
	default:
		return Result{}, errors.Wrapf(df.ErrUnknownOperation, "%T", op)
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "%s", op.Kind())
	}
	res.Kind = op.Kind()
	return res, nil
}

// increment adds delta to the counter at key and returns the new value.
// Overflow wraps around.
func (e *Executor) increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	k := df.DataKey(key)
	var n int64
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		cur, found, err := e.eng.Get(ctx, k)
		if err != nil {
			return err
		}
		v, err := df.DecodeCounter(cur, found)
		if err != nil {
			return err
		}
		var expect []byte
		if found {
			expect = cur
		}
		next := v + delta
		ok, err := e.eng.TestAndSet(ctx, k, expect, df.Int64ToByte(next))
		if err != nil {
			return err
		}
		if !ok {
			return df.ErrConflict
		}
		n = next
		return nil
	})
	return n, err
}

// ReadMany reads several keys as of one point in time. The results are in
// the order of keys.
func (e *Executor) ReadMany(ctx context.Context, keys ...[]byte) ([]Result, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ks := make([][]byte, len(keys))
	for i, k := range keys {
		ks[i] = df.DataKey(k)
	}
	entries, err := e.eng.Snapshot(ctx, ks)
	if err != nil {
		return nil, errors.Wrap(err, "read many")
	}
	res := make([]Result, len(entries))
	for i, en := range entries {
		res[i] = Result{Kind: KindRead, Value: en.Value, Found: en.Found}
	}
	return res, nil
}
