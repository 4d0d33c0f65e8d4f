package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "idempotency:"
	redisPendingMark = "P"
	redisDonePrefix  = "D"
)

// RedisStore claims keys with SET NX so that concurrent reservations across
// service instances are decided by Redis. Records expire through the key TTL:
// a pending claim carries the short lease, a saved result the full TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	lease  time.Duration
}

func NewRedisStore(client *redis.Client, ttl, wait time.Duration, opts ...Option) *RedisStore {
	o := buildOptions(ttl, opts)
	return &RedisStore{client: client, ttl: ttl, wait: wait, lease: o.lease}
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	k := redisKey(key)
	return reserveOrWait(ctx, key, s.wait, func(ctx context.Context) (bool, error) {
		return s.client.SetNX(ctx, k, redisPendingMark, s.lease).Result()
	}, func(ctx context.Context) (recordState, []byte, error) {
		val, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return stateMissing, nil, nil
		}
		if err != nil {
			return stateMissing, nil, err
		}
		if len(val) == 0 || string(val[:1]) != redisDonePrefix {
			return statePending, nil, nil
		}
		return stateDone, val[1:], nil
	})
}

func (s *RedisStore) Save(ctx context.Context, key string, result []byte) error {
	ctx, cancel := settle(ctx)
	defer cancel()

	val := make([]byte, 0, len(result)+1)
	val = append(val, redisDonePrefix...)
	val = append(val, result...)
	return s.client.Set(ctx, redisKey(key), val, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	ctx, cancel := settle(ctx)
	defer cancel()

	return s.client.Del(ctx, redisKey(key)).Err()
}
