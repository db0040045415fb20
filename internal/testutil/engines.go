// Package testutil opens every storage engine the tests should run against.
package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dragonfabric/engine"
)

const (
	PostgresEnv = "FABRIC_POSTGRES_DSN"
	RedisEnv    = "FABRIC_REDIS_ADDR"
)

type Case struct {
	Name string
	Open func(t *testing.T) engine.Engine
}

// Engines lists the memory, pebble and sqlite engines, plus postgres and
// redis when their environment variables are set. Every engine is closed
// when the test ends.
func Engines() []Case {
	cases := []Case{
		{Name: "memory", Open: func(t *testing.T) engine.Engine {
			return engine.NewMemory(0)
		}},
		{Name: "pebble", Open: func(t *testing.T) engine.Engine {
			return OpenPebble(t, engine.PebbleConfig{InMemory: true})
		}},
		{Name: "pebble-group-commit", Open: func(t *testing.T) engine.Engine {
			return OpenPebble(t, engine.PebbleConfig{
				InMemory:      true,
				GroupCommit:   true,
				FlushInterval: time.Millisecond,
			})
		}},
		{Name: "sqlite", Open: func(t *testing.T) engine.Engine {
			cfg := engine.SQLConfig{DSN: filepath.Join(t.TempDir(), "fabric.db")}
			return open(t, engine.Config{Backend: engine.BackendSQLite, SQL: cfg})
		}},
	}
	if dsn := os.Getenv(PostgresEnv); dsn != "" {
		cases = append(cases, Case{Name: "postgres", Open: func(t *testing.T) engine.Engine {
			cfg := engine.SQLConfig{DSN: dsn, Table: fmt.Sprintf("fabric_test_%d", rand.Int63())}
			return open(t, engine.Config{Backend: engine.BackendPostgres, SQL: cfg})
		}})
	}
	if addr := os.Getenv(RedisEnv); addr != "" {
		cases = append(cases, Case{Name: "redis", Open: func(t *testing.T) engine.Engine {
			cfg := engine.RedisConfig{
				Addrs:     []string{addr},
				Namespace: fmt.Sprintf("{fabric-test-%d}:", rand.Int63()),
			}
			return open(t, engine.Config{Backend: engine.BackendRedis, Redis: cfg})
		}})
	}
	return cases
}

func OpenPebble(t *testing.T, cfg engine.PebbleConfig) engine.Engine {
	return open(t, engine.Config{Backend: engine.BackendPebble, Pebble: cfg})
}

func open(t *testing.T, cfg engine.Config) engine.Engine {
	t.Helper()
	e, err := engine.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e
}

// RandomBytes returns num random byte slices of the given length.
func RandomBytes(rnd *rand.Rand, num, length int) [][]byte {
	out := make([][]byte, num)
	for i := range out {
		out[i] = make([]byte, length)
		rnd.Read(out[i])
	}
	return out
}
