package counter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisTracker struct {
	client *redis.Client
}

func NewRedisTracker(addr string, password string, db int) *RedisTracker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTracker{client: client}
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && window > 0 {
		if err := t.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *RedisTracker) Count(ctx context.Context, key string) (int64, error) {
	n, err := t.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
