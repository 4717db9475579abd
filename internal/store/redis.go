package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the connection parameters for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Store on a Redis server via go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed store. The connection is lazy; call Ping
// to verify reachability.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client}
}

func (r *Redis) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) GetField(ctx context.Context, key, field string) (string, bool, error) {
	value, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return value, true, nil
}

func (r *Redis) GetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

func (r *Redis) DeleteField(ctx context.Context, key, field string) (bool, error) {
	removed, err := r.client.HDel(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("hdel %s %s: %w", key, field, err)
	}
	return removed == 1, nil
}

func (r *Redis) DeleteKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, seconds int) error {
	set, err := r.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Result()
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	if !set {
		return fmt.Errorf("expire %s: key does not exist", key)
	}
	return nil
}

func (r *Redis) IncrementField(ctx context.Context, key, field string, delta int64) error {
	if err := r.client.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("hincrby %s %s: %w", key, field, err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
