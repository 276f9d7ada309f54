package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type AttestorRepository interface {
	persistence.AttestorStorage
}

type attestorRedisRepo struct {
	rdb *redis.Client
}

func NewAttestorRepository(rdb *redis.Client) AttestorRepository {
	return &attestorRedisRepo{rdb: rdb}
}

// keyAttestors is a HASH: field = attestor address, value = JSON.
func (r *attestorRedisRepo) keyAttestors() string { return "validq:attestors" }

func (r *attestorRedisRepo) PutAttestor(ctx context.Context, a domain.TrustedAttestor) error {
	return r.rdb.HSet(ctx, r.keyAttestors(), a.Address.String(), marshal(a)).Err()
}

func (r *attestorRedisRepo) GetAttestor(ctx context.Context, addr domain.Address) (*domain.TrustedAttestor, error) {
	js, err := r.rdb.HGet(ctx, r.keyAttestors(), addr.String()).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET attestor: %w", err)
	}
	var a domain.TrustedAttestor
	if err := json.Unmarshal([]byte(js), &a); err != nil {
		return nil, fmt.Errorf("unmarshal attestor: %w", err)
	}
	return &a, nil
}

func (r *attestorRedisRepo) RemoveAttestor(ctx context.Context, addr domain.Address) error {
	n, err := r.rdb.HDel(ctx, r.keyAttestors(), addr.String()).Result()
	if err != nil {
		return fmt.Errorf("redis HDEL attestor: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *attestorRedisRepo) ListAttestors(ctx context.Context) ([]domain.TrustedAttestor, error) {
	all, err := r.rdb.HGetAll(ctx, r.keyAttestors()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL attestors: %w", err)
	}
	out := make([]domain.TrustedAttestor, 0, len(all))
	for _, js := range all {
		var a domain.TrustedAttestor
		if err := json.Unmarshal([]byte(js), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}
