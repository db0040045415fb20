package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"dragonfabric/df"
)

// DefaultNamespace carries a hash tag, so all keys land in one cluster slot
// and the multi-key scripts stay legal.
const DefaultNamespace = "{fabric}:"

type RedisConfig struct {
	Addrs     []string `yaml:"Addrs"`
	Password  string   `yaml:"Password"`
	DB        int      `yaml:"DB"`
	Namespace string   `yaml:"Namespace"`
}

// ARGV holds 5 fields per key:
// check, expect present, expected value, delete, new value.
var commitScript = redis.NewScript(`
for i = 1, #KEYS do
  local a = (i - 1) * 5
  if ARGV[a + 1] == '1' then
    local cur = redis.call('GET', KEYS[i])
    if ARGV[a + 2] == '1' then
      if cur ~= ARGV[a + 3] then
        return 0
      end
    elseif cur then
      return 0
    end
  end
end
for i = 1, #KEYS do
  local a = (i - 1) * 5
  if ARGV[a + 4] == '1' then
    redis.call('DEL', KEYS[i])
  else
    redis.call('SET', KEYS[i], ARGV[a + 5])
  end
end
return 1
`)

// Redis keeps values as plain strings. Test-and-set and commits run as
// Lua scripts, which the server executes atomically.
type Redis struct {
	c  redis.UniversalClient
	ns string
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, df.StorageError(err, "redis ping")
	}
	return NewRedis(c, cfg.Namespace), nil
}

func NewRedis(c redis.UniversalClient, namespace string) *Redis {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Redis{c: c, ns: namespace}
}

func (r *Redis) key(k []byte) string {
	return r.ns + string(k)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *Redis) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := r.c.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, df.StorageError(err, "redis get")
	}
	return clone(v), true, nil
}

func (r *Redis) Put(ctx context.Context, key, value []byte) error {
	return df.StorageError(r.c.Set(ctx, r.key(key), value, 0).Err(), "redis set")
}

func (r *Redis) Delete(ctx context.Context, key []byte) error {
	return df.StorageError(r.c.Del(ctx, r.key(key)).Err(), "redis del")
}

func (r *Redis) TestAndSet(ctx context.Context, key, expected, value []byte) (bool, error) {
	return r.Commit(ctx, []Mutation{Set(key, value).If(expected)})
}

func (r *Redis) Commit(ctx context.Context, muts []Mutation) (bool, error) {
	if len(muts) == 0 {
		return true, nil
	}
	keys := make([]string, len(muts))
	args := make([]interface{}, 0, len(muts)*5)
	for i, m := range muts {
		keys[i] = r.key(m.Key)
		args = append(args,
			flag(m.Check), flag(m.Expect != nil), m.Expect,
			flag(m.Delete), m.Value)
	}
	n, err := commitScript.Run(ctx, r.c, keys, args...).Int()
	if err != nil {
		return false, df.StorageError(err, "redis commit")
	}
	return n == 1, nil
}

func (r *Redis) Snapshot(ctx context.Context, keys [][]byte) ([]Entry, error) {
	out := make([]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rk := make([]string, len(keys))
	for i, k := range keys {
		rk[i] = r.key(k)
	}
	vals, err := r.c.MGet(ctx, rk...).Result()
	if err != nil {
		return nil, df.StorageError(err, "redis mget")
	}
	for i, v := range vals {
		out[i] = Entry{Key: keys[i]}
		if s, ok := v.(string); ok {
			out[i].Value = []byte(s)
			out[i].Found = true
		}
	}
	return out, nil
}

func (r *Redis) Close() error {
	return df.StorageError(r.c.Close(), "redis close")
}
