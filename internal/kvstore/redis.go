package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithExpiry = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(opt *redis.Options) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt)}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.Del(ctx, key).Err()
}

func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return s.Client.Incr(ctx, key).Result()
	}
	return incrWithExpiry.Run(ctx, s.Client, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.Client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
