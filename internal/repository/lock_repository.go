package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockPollInterval = 20 * time.Millisecond

// releaseLockScript deletes the lock only if the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisLocker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) persistence.Locker {
	return &redisLocker{rdb: rdb}
}

func keyLock(key string) string { return "validq:lock:" + key }

// Acquire takes a lease on key with SET NX PX, polling until ctx ends.
func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	k := keyLock(key)
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", domain.ErrBusy, key)
			}
			return nil, fmt.Errorf("redis SETNX lock: %w", err)
		}
		if ok {
			return func() {
				_ = releaseLockScript.Run(context.Background(), l.rdb, []string{k}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", domain.ErrBusy, key)
		case <-time.After(lockPollInterval):
		}
	}
}
