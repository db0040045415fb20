package executor_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dragonfabric/df"
	"dragonfabric/engine"
	"dragonfabric/executor"
	"dragonfabric/internal/testutil"
)

func forEachExecutor(t *testing.T, f func(t *testing.T, x *executor.Executor, e engine.Engine)) {
	for _, c := range testutil.Engines() {
		c := c
		t.Run(c.Name, func(t *testing.T) {
			e := c.Open(t)
			f(t, executor.New(e), e)
		})
	}
}

func exec(t *testing.T, x *executor.Executor, op executor.Operation) executor.Result {
	t.Helper()
	res, err := x.Execute(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, op.Kind(), res.Kind)
	return res
}

func read(t *testing.T, x *executor.Executor, key []byte) []byte {
	t.Helper()
	res := exec(t, x, executor.Read{Key: key})
	if !res.Found {
		return nil
	}
	require.NotNil(t, res.Value)
	return res.Value
}

func counter(t *testing.T, x *executor.Executor, key []byte) int64 {
	t.Helper()
	return exec(t, x, executor.ReadCounter{Key: key}).Counter
}

func cas(t *testing.T, x *executor.Executor, key, expected, value []byte) bool {
	t.Helper()
	return exec(t, x, executor.CompareAndSwap{Key: key, Expected: expected, Value: value}).Success
}

func TestSimpleReadWrite(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		keys := [][]byte{[]byte("key0"), []byte("key1")}
		values := [][]byte{[]byte("value0"), []byte("value1")}

		ok, err := x.ExecuteBatch(context.Background(), []executor.WriteOperation{
			executor.Write{Key: keys[0], Value: values[0]},
			executor.Write{Key: keys[1], Value: values[1]},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		assert.Equal(t, values[0], read(t, x, keys[0]))
		assert.Equal(t, values[1], read(t, x, keys[1]))
	})
}

func TestWriteDelete(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		key := []byte("k")
		assert.Nil(t, read(t, x, key))
		assert.True(t, exec(t, x, executor.Delete{Key: key}).Success)

		assert.True(t, exec(t, x, executor.Write{Key: key, Value: []byte{}}).Success)
		v := read(t, x, key)
		assert.NotNil(t, v)
		assert.Empty(t, v)

		assert.True(t, exec(t, x, executor.Delete{Key: key}).Success)
		assert.Nil(t, read(t, x, key))
	})
}

func TestCompareAndSwap(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		key := []byte("somekey")
		one, two, three := []byte("value_one"), []byte("value_two"), []byte("value_three")

		exec(t, x, executor.Write{Key: key, Value: one})
		assert.True(t, cas(t, x, key, one, two))
		assert.Equal(t, two, read(t, x, key))

		assert.False(t, cas(t, x, key, one, two))
		assert.True(t, cas(t, x, key, two, two))
		assert.Equal(t, two, read(t, x, key))

		assert.True(t, cas(t, x, key, two, three))
		assert.Equal(t, three, read(t, x, key))

		assert.False(t, cas(t, x, key, nil, two))
		assert.Equal(t, three, read(t, x, key))

		assert.True(t, cas(t, x, key, three, nil))
		assert.Nil(t, read(t, x, key))

		assert.True(t, cas(t, x, key, nil, one))
		assert.Equal(t, one, read(t, x, key))
	})
}

func TestCompareAndSwapChain(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		rnd := rand.New(rand.NewSource(7))
		key := []byte("chainkey")
		chain := testutil.RandomBytes(rnd, 20, 20)

		assert.True(t, cas(t, x, key, nil, chain[0]))
		for i := 1; i < len(chain); i++ {
			assert.True(t, cas(t, x, key, chain[i-1], chain[i]))
			assert.False(t, cas(t, x, key, chain[i-1], chain[i]))
		}
		assert.Equal(t, chain[len(chain)-1], read(t, x, key))
	})
}

func TestIncrement(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		rnd := rand.New(rand.NewSource(3))
		keys := testutil.RandomBytes(rnd, 10, 8)
		half := len(keys) / 2

		for i := 0; i < half; i++ {
			assert.Equal(t, int64(1), exec(t, x, executor.Increment{Key: keys[i], Delta: 1}).Counter)
		}
		for i := range keys {
			want := int64(0)
			if i < half {
				want = 1
			}
			assert.Equal(t, want, counter(t, x, keys[i]))
		}

		for i := 0; i < half; i++ {
			exec(t, x, executor.Increment{Key: keys[i], Delta: -1})
		}
		for i := range keys {
			assert.Equal(t, int64(0), counter(t, x, keys[i]))
		}

		for i := range keys {
			exec(t, x, executor.Increment{Key: keys[i], Delta: int64(i)})
		}
		for i := len(keys) - 1; i >= 0; i-- {
			assert.Equal(t, int64(i), counter(t, x, keys[i]))
		}

		for i := range keys {
			exec(t, x, executor.Increment{Key: keys[i], Delta: int64(len(keys) - i)})
		}
		for i := range keys {
			assert.Equal(t, int64(len(keys)), counter(t, x, keys[i]))
		}
	})
}

func TestIncrementStoredZeroIsNotAbsent(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		key := []byte("zero")
		exec(t, x, executor.Increment{Key: key, Delta: 0})
		assert.Equal(t, df.Int64ToByte(0), read(t, x, key))
	})
}

func TestIncrementWraps(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		key := []byte("max")
		exec(t, x, executor.Write{Key: key, Value: df.Int64ToByte(1<<63 - 1)})
		assert.Equal(t, int64(-1<<63), exec(t, x, executor.Increment{Key: key, Delta: 1}).Counter)
	})
}

func TestIncrementTypeMismatch(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		ctx := context.Background()
		key := []byte("text")
		exec(t, x, executor.Write{Key: key, Value: []byte("hello")})

		_, err := x.Execute(ctx, executor.Increment{Key: key, Delta: 1})
		require.ErrorIs(t, err, df.ErrTypeMismatch)
		assert.Equal(t, []byte("hello"), read(t, x, key))

		_, err = x.Execute(ctx, executor.ReadCounter{Key: key})
		require.ErrorIs(t, err, df.ErrTypeMismatch)
	})
}

func TestIncrementChain(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		raw, step := []byte("raw"), []byte("step")
		every10 := func(n int64) executor.WriteOperation {
			if n%10 == 0 {
				return executor.Increment{Key: step, Delta: 10}
			}
			return nil
		}
		incr := func() executor.Result {
			return exec(t, x, executor.Increment{Key: raw, Delta: 1, Then: every10})
		}

		for i := 0; i < 9; i++ {
			res := incr()
			assert.Nil(t, res.Chained)
			assert.NoError(t, res.ChainErr)
		}
		assert.Equal(t, int64(9), counter(t, x, raw))
		assert.Equal(t, int64(0), counter(t, x, step))

		res := incr()
		assert.Equal(t, int64(10), res.Counter)
		require.NotNil(t, res.Chained)
		assert.Equal(t, executor.KindIncrement, res.Chained.Kind)
		assert.Equal(t, int64(10), res.Chained.Counter)
		assert.Equal(t, int64(10), counter(t, x, raw))
		assert.Equal(t, int64(10), counter(t, x, step))

		for i := 0; i < 15; i++ {
			incr()
		}
		assert.Equal(t, int64(25), counter(t, x, raw))
		assert.Equal(t, int64(20), counter(t, x, step))
	})
}

func TestChainErrorDoesNotFailParent(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		bad := []byte("bad")
		exec(t, x, executor.Write{Key: bad, Value: []byte("not a counter")})

		res := exec(t, x, executor.Increment{
			Key:   []byte("parent"),
			Delta: 5,
			Then: func(int64) executor.WriteOperation {
				return executor.Increment{Key: bad, Delta: 1}
			},
		})
		assert.Equal(t, int64(5), res.Counter)
		assert.Nil(t, res.Chained)
		assert.ErrorIs(t, res.ChainErr, df.ErrTypeMismatch)
		assert.Equal(t, int64(5), counter(t, x, []byte("parent")))
		assert.Equal(t, []byte("not a counter"), read(t, x, bad))
	})
}

func TestChainedWrite(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		res := exec(t, x, executor.Increment{
			Key:   []byte("seq"),
			Delta: 1,
			Then: func(n int64) executor.WriteOperation {
				return executor.Write{Key: []byte("last"), Value: df.Int64ToByte(n)}
			},
		})
		require.NotNil(t, res.Chained)
		assert.True(t, res.Chained.Success)
		assert.Equal(t, df.Int64ToByte(1), read(t, x, []byte("last")))
	})
}

func TestChainDepthLimit(t *testing.T) {
	e := engine.NewMemory(0)
	x := executor.New(e, executor.WithMaxChainDepth(3))
	key := []byte("loop")
	var forever executor.Generator
	forever = func(int64) executor.WriteOperation {
		return executor.Increment{Key: key, Delta: 1, Then: forever}
	}

	res := exec(t, x, executor.Increment{Key: key, Delta: 1, Then: forever})
	assert.Equal(t, int64(1), res.Counter)
	depth := 0
	for res.Chained != nil {
		require.NoError(t, res.ChainErr)
		res = *res.Chained
		depth++
	}
	assert.Equal(t, 3, depth)
	assert.ErrorIs(t, res.ChainErr, df.ErrChainTooDeep)
	assert.Equal(t, int64(4), counter(t, x, key))

	ok, err := x.ExecuteBatch(context.Background(), []executor.WriteOperation{
		executor.Increment{Key: key, Delta: 1, Then: forever},
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, df.ErrChainTooDeep)
	assert.Equal(t, int64(4), counter(t, x, key))
}

func TestQueues(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		rnd := rand.New(rand.NewSource(5))
		name := []byte("testQueue")
		values := testutil.RandomBytes(rnd, 10, 10)
		pop := func() []byte {
			res := exec(t, x, executor.QueuePop{Queue: name})
			if !res.Found {
				return nil
			}
			return res.Value
		}
		push := func(v []byte) {
			assert.True(t, exec(t, x, executor.QueuePush{Queue: name, Value: v}).Success)
		}

		assert.Nil(t, pop())
		push(values[0])
		assert.Equal(t, values[0], pop())
		assert.Nil(t, pop())

		push(values[1])
		push(values[2])
		assert.Equal(t, values[1], pop())
		push(values[3])
		push(values[4])
		assert.Equal(t, values[2], pop())
		assert.Equal(t, values[3], pop())
		assert.Equal(t, values[4], pop())
		assert.Nil(t, pop())
	})
}

func TestQueueDoesNotCollideWithKeys(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		name := []byte("shared")
		exec(t, x, executor.Write{Key: name, Value: []byte("kv")})
		exec(t, x, executor.QueuePush{Queue: name, Value: []byte("q")})

		assert.Equal(t, []byte("kv"), read(t, x, name))
		res := exec(t, x, executor.QueuePop{Queue: name})
		assert.True(t, res.Found)
		assert.Equal(t, []byte("q"), res.Value)
	})
}

func TestConcurrentIncrements(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		ctx := context.Background()
		key := []byte("hot")
		const workers, perWorker = 8, 50

		var g errgroup.Group
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				for j := 0; j < perWorker; j++ {
					if _, err := x.Execute(ctx, executor.Increment{Key: key, Delta: 1}); err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(workers*perWorker), counter(t, x, key))
	})
}

func TestConcurrentCompareAndSwapSingleWinner(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		ctx := context.Background()
		key := []byte("owner")
		const racers = 16

		wins := make([]bool, racers)
		var g errgroup.Group
		for i := 0; i < racers; i++ {
			i := i
			g.Go(func() error {
				res, err := x.Execute(ctx, executor.CompareAndSwap{Key: key, Value: []byte{byte(i)}})
				wins[i] = res.Success
				return err
			})
		}
		require.NoError(t, g.Wait())

		winner := -1
		for i, w := range wins {
			if w {
				require.Equal(t, -1, winner, "two winners")
				winner = i
			}
		}
		require.NotEqual(t, -1, winner)
		assert.Equal(t, []byte{byte(winner)}, read(t, x, key))
	})
}

func TestReadMany(t *testing.T) {
	forEachExecutor(t, func(t *testing.T, x *executor.Executor, _ engine.Engine) {
		exec(t, x, executor.Write{Key: []byte("a"), Value: []byte("1")})
		exec(t, x, executor.Write{Key: []byte("c"), Value: []byte("3")})

		res, err := x.ReadMany(context.Background(), []byte("a"), []byte("b"), []byte("c"))
		require.NoError(t, err)
		require.Len(t, res, 3)
		assert.True(t, res[0].Found)
		assert.Equal(t, []byte("1"), res[0].Value)
		assert.False(t, res[1].Found)
		assert.True(t, res[2].Found)
		assert.Equal(t, []byte("3"), res[2].Value)
	})
}

func TestExecuteNil(t *testing.T) {
	x := executor.New(engine.NewMemory(0))
	_, err := x.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, df.ErrUnknownOperation)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "cas", executor.KindCompareAndSwap.String())
	assert.Equal(t, "queue-pop", executor.QueuePop{}.Kind().String())
	assert.Equal(t, "unknown", executor.Kind(0).String())
}
