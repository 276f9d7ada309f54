package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// PoolSize 0 keeps the go-redis default (10 per CPU).
	PoolSize int
}

func NewRedisProvider(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisHealth reports whether the shared client answers PING.
type RedisHealth struct {
	Client *redis.Client
}

func (h RedisHealth) Health(ctx context.Context) error {
	if h.Client == nil {
		return errors.New("redis client not configured")
	}
	if err := h.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
