package engine

import (
	"context"

	"github.com/cockroachdb/errors"

	"dragonfabric/df"
)

const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type MemoryConfig struct {
	Shards int `yaml:"Shards"`
}

type Config struct {
	Backend string       `yaml:"Backend"`
	Memory  MemoryConfig `yaml:"Memory"`
	Pebble  PebbleConfig `yaml:"Pebble"`
	SQL     SQLConfig    `yaml:"SQL"`
	Redis   RedisConfig  `yaml:"Redis"`
}

// Open builds the engine named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Engine, error) {
	var (
		e   Engine
		err error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		e = NewMemory(cfg.Memory.Shards)
	case BackendPebble:
		var p *Pebble
		if p, err = OpenPebble(cfg.Pebble); err == nil {
			e = p
		}
	case BackendSQLite, BackendPostgres:
		var s *SQL
		if cfg.Backend == BackendSQLite {
			s, err = OpenSQLite(ctx, cfg.SQL)
		} else {
			s, err = OpenPostgres(ctx, cfg.SQL)
		}
		if err == nil {
			e = s
		}
	case BackendRedis:
		var r *Redis
		if r, err = OpenRedis(ctx, cfg.Redis); err == nil {
			e = r
		}
	default:
		err = errors.Wrapf(df.ErrUnknownBackend, "%q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
