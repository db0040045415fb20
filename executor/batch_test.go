package executor_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dragonfabric/df"
	"dragonfabric/engine"
	"dragonfabric/executor"
)

func batch(t *testing.T, x *executor.Executor, ops ...executor.WriteOperation) bool {
	t.Helper()
	ok, err := x.ExecuteBatch(context.Background(), ops)
	require.NoError(t, err)
	return ok
}

func TestBatchEmpty(t *testing.T) {
	x := executor.New(engine.NewMemory(0))
	assert.True(t, batch(t, x))
}

func TestBatchSeesEarlierOps(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		k := []byte("k")
		assert.True(t, batch(t, x,
			executor.Write{Key: k, Value: []byte("a")},
			executor.CompareAndSwap{Key: k, Expected: []byte("a"), Value: []byte("b")},
			executor.Increment{Key: []byte("n"), Delta: 2},
			executor.Increment{Key: []byte("n"), Delta: 3},
			executor.Delete{Key: []byte("gone")},
		))
		assert.Equal(t, []byte("b"), read(t, x, k))
		assert.Equal(t, int64(5), counter(t, x, []byte("n")))
		assert.Nil(t, read(t, x, []byte("gone")))
	})
}

func TestBatchRejectedByCompareAndSwap(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		exec(t, x, executor.Write{Key: []byte("guard"), Value: []byte("v1")})
		exec(t, x, executor.Write{Key: []byte("victim"), Value: []byte("keep")})

		assert.False(t, batch(t, x,
			executor.Write{Key: []byte("new"), Value: []byte("x")},
			executor.Delete{Key: []byte("victim")},
			executor.Increment{Key: []byte("n"), Delta: 1},
			executor.CompareAndSwap{Key: []byte("guard"), Expected: []byte("v0"), Value: []byte("v2")},
		))
		assert.Nil(t, read(t, x, []byte("new")))
		assert.Equal(t, []byte("keep"), read(t, x, []byte("victim")))
		assert.Nil(t, read(t, x, []byte("n")))
		assert.Equal(t, []byte("v1"), read(t, x, []byte("guard")))
	})
}

func TestBatchCompareAndSwapAbsent(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		k := []byte("lock")
		assert.True(t, batch(t, x, executor.CompareAndSwap{Key: k, Value: []byte("me")}))
		assert.False(t, batch(t, x, executor.CompareAndSwap{Key: k, Value: []byte("you")}))
		assert.True(t, batch(t, x, executor.CompareAndSwap{Key: k, Expected: []byte("me")}))
		assert.Nil(t, read(t, x, k))
	})
}

func TestBatchTypeMismatch(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		exec(t, x, executor.Write{Key: []byte("text"), Value: []byte("abc")})

		ok, err := x.ExecuteBatch(context.Background(), []executor.WriteOperation{
			executor.Write{Key: []byte("a"), Value: []byte("1")},
			executor.Increment{Key: []byte("text"), Delta: 1},
		})
		assert.False(t, ok)
		require.ErrorIs(t, err, df.ErrTypeMismatch)
		assert.Nil(t, read(t, x, []byte("a")))
		assert.Equal(t, []byte("abc"), read(t, x, []byte("text")))
	})
}

func TestBatchChainJoinsCommit(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		mirror := func(n int64) executor.WriteOperation {
			return executor.Write{Key: []byte("mirror"), Value: df.Int64ToByte(n)}
		}
		assert.True(t, batch(t, x,
			executor.Increment{Key: []byte("n"), Delta: 7, Then: mirror},
		))
		assert.Equal(t, df.Int64ToByte(7), read(t, x, []byte("mirror")))

		// a rejected batch drops the follow-up with everything else
		assert.False(t, batch(t, x,
			executor.Increment{Key: []byte("n"), Delta: 1, Then: mirror},
			executor.CompareAndSwap{Key: []byte("missing"), Expected: []byte("x"), Value: []byte("y")},
		))
		assert.Equal(t, df.Int64ToByte(7), read(t, x, []byte("mirror")))
		assert.Equal(t, int64(7), counter(t, x, []byte("n")))
	})
}

// A reader never sees half of a batch: both keys are written together and
// always hold the same value.
func TestBatchAtomicForReaders(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		ctx := context.Background()
		a, b := []byte("left"), []byte("right")
		require.True(t, batch(t, x,
			executor.Write{Key: a, Value: []byte("0")},
			executor.Write{Key: b, Value: []byte("0")},
		))

		var done atomic.Bool
		var g errgroup.Group
		g.Go(func() error {
			defer done.Store(true)
			for i := 1; i <= 100; i++ {
				v := []byte(fmt.Sprint(i))
				ok, err := x.ExecuteBatch(ctx, []executor.WriteOperation{
					executor.Write{Key: a, Value: v},
					executor.Write{Key: b, Value: v},
				})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("batch %d rejected", i)
				}
			}
			return nil
		})
		g.Go(func() error {
			for !done.Load() {
				res, err := x.ReadMany(ctx, a, b)
				if err != nil {
					return err
				}
				if string(res[0].Value) != string(res[1].Value) {
					return fmt.Errorf("torn read: %q vs %q", res[0].Value, res[1].Value)
				}
			}
			return nil
		})
		require.NoError(t, g.Wait())
		assert.Equal(t, []byte("100"), read(t, x, a))
	})
}

// Concurrent batches moving amounts between two counters keep the total.
func TestBatchTransfers(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		ctx := context.Background()
		from, to := []byte("from"), []byte("to")
		exec(t, x, executor.Increment{Key: from, Delta: 1000})

		var g errgroup.Group
		for w := 0; w < 4; w++ {
			g.Go(func() error {
				for i := 0; i < 25; i++ {
					ok, err := x.ExecuteBatch(ctx, []executor.WriteOperation{
						executor.Increment{Key: from, Delta: -1},
						executor.Increment{Key: to, Delta: 1},
					})
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("transfer rejected")
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(900), counter(t, x, from))
		assert.Equal(t, int64(100), counter(t, x, to))
	})
}
