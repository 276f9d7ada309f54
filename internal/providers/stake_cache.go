package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// CachedStakeLedger serves StakeOf from a Redis read-through cache. Cached snapshots keep the
// FreshAt of the underlying read, so callers can judge staleness.
type CachedStakeLedger struct {
	StakeLedger
	rdb *redis.Client
	ttl time.Duration
}

func NewCachedStakeLedger(inner StakeLedger, rdb *redis.Client, ttl time.Duration) *CachedStakeLedger {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStakeLedger{StakeLedger: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedStakeLedger) keyCache(a domain.Address) string {
	return "validq:stakecache:" + a.String()
}

func (c *CachedStakeLedger) StakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error) {
	if js, err := c.rdb.Get(ctx, c.keyCache(principal)).Result(); err == nil {
		var snap domain.StakeSnapshot
		if json.Unmarshal([]byte(js), &snap) == nil {
			return snap, nil
		}
	}
	return c.FreshStakeOf(ctx, principal)
}

// FreshStakeOf bypasses the cache and refreshes it.
func (c *CachedStakeLedger) FreshStakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error) {
	snap, err := c.StakeLedger.StakeOf(ctx, principal)
	if err != nil {
		return domain.StakeSnapshot{}, err
	}
	b, _ := json.Marshal(snap)
	_ = c.rdb.Set(ctx, c.keyCache(principal), string(b), c.ttl).Err()
	return snap, nil
}

func (c *CachedStakeLedger) IsVerified(ctx context.Context, principal domain.Address) (bool, error) {
	snap, err := c.StakeOf(ctx, principal)
	if err != nil {
		return false, err
	}
	return snap.Verified, nil
}

// RequestSlash forwards to the ledger and drops the cached snapshot.
func (c *CachedStakeLedger) RequestSlash(ctx context.Context, principal domain.Address, amount uint64, evidence domain.Hash) (uint64, error) {
	n, err := c.StakeLedger.RequestSlash(ctx, principal, amount, evidence)
	_ = c.rdb.Del(ctx, c.keyCache(principal)).Err()
	return n, err
}

// Invalidate drops the cached snapshot for principal.
func (c *CachedStakeLedger) Invalidate(ctx context.Context, principal domain.Address) error {
	return c.rdb.Del(ctx, c.keyCache(principal)).Err()
}
