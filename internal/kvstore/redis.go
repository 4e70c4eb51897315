package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the shared state with Redis so every instance of the
// service observes the same counters and blocks.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (rs *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := rs.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// TTL is set only on window start; a concurrent duplicate set is
		// idempotent.
		if err := rs.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (rs *RedisStore) GetCount(ctx context.Context, key string) (int64, error) {
	val, err := rs.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (rs *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return rs.client.Set(ctx, key, value, ttl).Err()
}

func (rs *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := rs.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (rs *RedisStore) Take(ctx context.Context, key string) (string, bool, error) {
	val, err := rs.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, key).Err()
}

func (rs *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (rs *RedisStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := rs.client.Pipeline()
	pipe.SAdd(ctx, key, member)
	// NX keeps the expiry anchored at set creation instead of sliding it
	// forward on every insert.
	pipe.ExpireNX(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (rs *RedisStore) SetSize(ctx context.Context, key string) (int64, error) {
	return rs.client.SCard(ctx, key).Result()
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
