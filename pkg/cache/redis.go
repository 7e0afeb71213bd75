package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "flowstate:"

// RedisConfig carries connection settings for the cache server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Cache on a Redis server. Every failure is logged at warn
// and reported as a miss so the surrounding store operation keeps going.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, logger *slog.Logger, cfg RedisConfig) (*Redis, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", cfg.DB)

	return &Redis{
		client: client,
		logger: logger.With("component", "redis_cache"),
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "Cache read failed", "key", key, "error", err)
		}

		return nil, false
	}

	return value, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := r.client.Set(ctx, keyPrefix+key, value, ttl).Err()
	if err != nil {
		r.logger.WarnContext(ctx, "Cache write failed", "key", key, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, key string) {
	err := r.client.Del(ctx, keyPrefix+key).Err()
	if err != nil {
		r.logger.WarnContext(ctx, "Cache invalidation failed", "key", key, "error", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
