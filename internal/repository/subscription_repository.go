package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, sub domain.Subscription, ttlSeconds int) (*domain.Subscription, error)
	Heartbeat(ctx context.Context, id string, ttlSeconds int) (*domain.Subscription, error)
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	ListActive(ctx context.Context, model domain.TrustModel, now time.Time) ([]domain.Subscription, error)
	ListByValidator(ctx context.Context, validator domain.Address, now time.Time) ([]domain.Subscription, error)
	AllowNotify(ctx context.Context, id string, minIntervalSeconds int) (bool, error)
	NextGroupIndex(ctx context.Context, model domain.TrustModel, groupID string, mod int) (int, error)
	CountActive(ctx context.Context, model domain.TrustModel, now time.Time) (int64, error)
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type subscriptionRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
	now func() time.Time
}

func NewSubscriptionRepository(rdb *redis.Client, tz *time.Location) SubscriptionRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &subscriptionRedisRepo{rdb: rdb, tz: tz, now: func() time.Time { return time.Now().In(tz) }}
}

func (r *subscriptionRedisRepo) keySubsHash() string {
	return "validq:subs"
}

func (r *subscriptionRedisRepo) keySubsModel(m domain.TrustModel) string {
	return fmt.Sprintf("validq:subs:%s", strings.ToLower(string(m)))
}

func (r *subscriptionRedisRepo) keySubsValidator(a domain.Address) string {
	return fmt.Sprintf("validq:subs:validator:%s", a)
}

func (r *subscriptionRedisRepo) keySubNotifyThrottle(id string) string {
	return fmt.Sprintf("validq:subs:last:%s", id)
}

func (r *subscriptionRedisRepo) keyGroupRR(m domain.TrustModel, groupID string) string {
	return fmt.Sprintf("validq:subs:rr:%s:%s", strings.ToLower(string(m)), groupID)
}

func (r *subscriptionRedisRepo) index(ctx context.Context, pipe redis.Pipeliner, sub *domain.Subscription) {
	z := &redis.Z{Score: float64(sub.ExpiresAt.UTC().Unix()), Member: sub.ID}
	for _, m := range sub.Models {
		pipe.ZAdd(ctx, r.keySubsModel(m), z)
	}
	pipe.ZAdd(ctx, r.keySubsValidator(sub.Validator), z)
}

func (r *subscriptionRedisRepo) Create(ctx context.Context, sub domain.Subscription, ttlSeconds int) (*domain.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if sub.MinIntervalSeconds <= 0 {
		sub.MinIntervalSeconds = 5
	}
	now := r.now()
	sub.CreatedAt = now
	sub.ExpiresAt = now.Add(time.Duration(ttlSeconds) * time.Second)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keySubsHash(), sub.ID, marshal(sub))
	r.index(ctx, pipe, &sub)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRedisRepo) Heartbeat(ctx context.Context, id string, ttlSeconds int) (*domain.Subscription, error) {
	sub, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	sub.ExpiresAt = r.now().Add(time.Duration(ttlSeconds) * time.Second)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keySubsHash(), id, marshal(sub))
	r.index(ctx, pipe, sub)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *subscriptionRedisRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	js, err := r.rdb.HGet(ctx, r.keySubsHash(), id).Result()
	if err == redis.Nil || js == "" {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET sub: %w", err)
	}
	var sub domain.Subscription
	if err := json.Unmarshal([]byte(js), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal sub: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRedisRepo) listIndex(ctx context.Context, key string, now time.Time) ([]domain.Subscription, error) {
	min := fmt.Sprintf("%d", now.UTC().Unix())
	zrange := &redis.ZRangeBy{Min: min, Max: "+inf", Offset: 0, Count: 1000}
	ids, err := r.rdb.ZRangeByScore(ctx, key, zrange).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	subs := make([]domain.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := r.Get(ctx, id)
		if err != nil || sub.ExpiresAt.Before(now) {
			_ = r.rdb.ZRem(ctx, key, id).Err()
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

func (r *subscriptionRedisRepo) ListActive(ctx context.Context, model domain.TrustModel, now time.Time) ([]domain.Subscription, error) {
	return r.listIndex(ctx, r.keySubsModel(model), now)
}

func (r *subscriptionRedisRepo) ListByValidator(ctx context.Context, validator domain.Address, now time.Time) ([]domain.Subscription, error) {
	return r.listIndex(ctx, r.keySubsValidator(validator), now)
}

func (r *subscriptionRedisRepo) CountActive(ctx context.Context, model domain.TrustModel, now time.Time) (int64, error) {
	return r.rdb.ZCount(ctx, r.keySubsModel(model), fmt.Sprintf("%d", now.UTC().Unix()), "+inf").Result()
}

func (r *subscriptionRedisRepo) AllowNotify(ctx context.Context, id string, minIntervalSeconds int) (bool, error) {
	if minIntervalSeconds <= 0 {
		minIntervalSeconds = 5
	}
	ok, err := r.rdb.SetNX(ctx, r.keySubNotifyThrottle(id), "1", time.Duration(minIntervalSeconds)*time.Second).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return ok, nil
}

func (r *subscriptionRedisRepo) NextGroupIndex(ctx context.Context, model domain.TrustModel, groupID string, mod int) (int, error) {
	if mod <= 0 {
		return 0, nil
	}
	n, err := r.rdb.Incr(ctx, r.keyGroupRR(model, groupID)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return int(n % int64(mod)), nil
}

func (r *subscriptionRedisRepo) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	maxTS := fmt.Sprintf("%d", before.UTC().Unix())
	removed := 0

	for _, m := range domain.AllModels {
		key := r.keySubsModel(m)
		zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}
		ids, err := r.rdb.ZRangeByScore(ctx, key, zrange).Result()
		if err != nil && err != redis.Nil {
			return removed, err
		}
		for _, id := range ids {
			sub, err := r.Get(ctx, id)
			if err != nil {
				_ = r.rdb.ZRem(ctx, key, id).Err()
				_ = r.rdb.HDel(ctx, r.keySubsHash(), id).Err()
				_ = r.rdb.Del(ctx, r.keySubNotifyThrottle(id)).Err()
				removed++
				continue
			}
			if sub.ExpiresAt.After(before) {
				_ = r.rdb.ZAdd(ctx, key, &redis.Z{Score: float64(sub.ExpiresAt.UTC().Unix()), Member: sub.ID}).Err()
				continue
			}
			pipe := r.rdb.TxPipeline()
			for _, sm := range sub.Models {
				pipe.ZRem(ctx, r.keySubsModel(sm), sub.ID)
			}
			pipe.ZRem(ctx, r.keySubsValidator(sub.Validator), sub.ID)
			pipe.HDel(ctx, r.keySubsHash(), sub.ID)
			pipe.Del(ctx, r.keySubNotifyThrottle(sub.ID))
			if _, err := pipe.Exec(ctx); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
