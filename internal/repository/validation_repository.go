package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

const defaultTxRetries = 16

type ValidationRepository interface {
	persistence.ValidationStorage
}

type validationRedisRepo struct {
	rdb     *redis.Client
	retries int
}

func NewValidationRepository(rdb *redis.Client, retries int) ValidationRepository {
	if retries <= 0 {
		retries = defaultTxRetries
	}
	return &validationRedisRepo{rdb: rdb, retries: retries}
}

// ===== Keys =====
func keyRecord(h domain.Hash) string     { return "validq:req:" + h.String() }
func keyBalance(a domain.Address) string { return "validq:bal:" + a.String() }

// keyDeadlines is a ZSET of pending requests per model: member=hash, score=deadline (epoch).
func keyDeadlines(m domain.TrustModel) string {
	return "validq:deadlines:" + strings.ToLower(string(m))
}

// ===== Helpers =====

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalRecord(s string) (*domain.ValidationRecord, error) {
	var rec domain.ValidationRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseBalance(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func readBalance(ctx context.Context, tx *redis.Tx, a domain.Address) (uint64, error) {
	v, err := tx.Get(ctx, keyBalance(a)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET balance: %w", err)
	}
	return parseBalance(v)
}

// watchRetry runs fn under WATCH on keys, retrying while the optimistic commit conflicts.
func (r *validationRedisRepo) watchRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < r.retries; i++ {
		err := r.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.ErrBusy
}

// ===== Records =====

func (r *validationRedisRepo) Create(ctx context.Context, rec *domain.ValidationRecord) error {
	req := rec.Request
	recKey := keyRecord(req.Hash)
	balKey := keyBalance(req.Requester)

	return r.watchRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, recKey).Result()
		if err != nil {
			return fmt.Errorf("redis EXISTS record: %w", err)
		}
		if n > 0 {
			return domain.ErrAlreadyExists
		}
		bal, err := readBalance(ctx, tx, req.Requester)
		if err != nil {
			return err
		}
		if bal < rec.Escrow {
			return fmt.Errorf("%w: balance %d, escrow %d", domain.ErrInsufficientFunds, bal, rec.Escrow)
		}
		rec.Version = 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, marshal(rec), 0)
			pipe.Set(ctx, balKey, strconv.FormatUint(bal-rec.Escrow, 10), 0)
			if req.Status == domain.StatusPending {
				pipe.ZAdd(ctx, keyDeadlines(req.Model), &redis.Z{Score: float64(req.DeadlineUnix()), Member: req.Hash.String()})
			}
			return nil
		})
		return err
	}, recKey, balKey)
}

func (r *validationRedisRepo) Get(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error) {
	s, err := r.rdb.Get(ctx, keyRecord(hash)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET record: %w", err)
	}
	return unmarshalRecord(s)
}

func (r *validationRedisRepo) Update(ctx context.Context, hash domain.Hash, fn persistence.Mutation) (*domain.ValidationRecord, error) {
	recKey := keyRecord(hash)
	var out *domain.ValidationRecord

	err := r.watchRetry(ctx, func(tx *redis.Tx) error {
		s, err := tx.Get(ctx, recKey).Result()
		if err == redis.Nil {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis GET record: %w", err)
		}
		before, err := unmarshalRecord(s)
		if err != nil {
			return err
		}
		rec := persistence.CloneRecord(before)
		transfers, err := fn(rec)
		if err != nil {
			return err
		}
		if err := persistence.CheckConservation(before.Escrow, rec.Escrow, transfers); err != nil {
			return err
		}

		credits, err := mergeTransfers(transfers)
		if err != nil {
			return err
		}
		balKeys := make([]string, 0, len(credits))
		for a := range credits {
			balKeys = append(balKeys, keyBalance(a))
		}
		if len(balKeys) > 0 {
			if err := tx.Watch(ctx, balKeys...).Err(); err != nil {
				return fmt.Errorf("redis WATCH balances: %w", err)
			}
		}
		newBalances := make(map[domain.Address]uint64, len(credits))
		for a, amt := range credits {
			bal, err := readBalance(ctx, tx, a)
			if err != nil {
				return err
			}
			if newBalances[a], err = domain.AddAmount(bal, amt); err != nil {
				return err
			}
		}

		rec.Version = before.Version + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, marshal(rec), 0)
			for a, bal := range newBalances {
				pipe.Set(ctx, keyBalance(a), strconv.FormatUint(bal, 10), 0)
			}
			if rec.Request.Status != domain.StatusPending {
				pipe.ZRem(ctx, keyDeadlines(rec.Request.Model), hash.String())
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}, recKey)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mergeTransfers(transfers []domain.Transfer) (map[domain.Address]uint64, error) {
	out := make(map[domain.Address]uint64, len(transfers))
	for _, t := range transfers {
		if t.Amount == 0 {
			continue
		}
		v, err := domain.AddAmount(out[t.To], t.Amount)
		if err != nil {
			return nil, err
		}
		out[t.To] = v
	}
	return out, nil
}

// ===== Deadline index =====

func (r *validationRedisRepo) DueBefore(ctx context.Context, before time.Time, limit int) ([]domain.Hash, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.Hash, 0, limit)
	for _, m := range domain.AllModels {
		if len(out) >= limit {
			break
		}
		members, err := r.rdb.ZRangeByScore(ctx, keyDeadlines(m), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(before.Unix(), 10),
			Count: int64(limit - len(out)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ZRANGEBYSCORE deadlines: %w", err)
		}
		for _, s := range members {
			h, err := domain.ParseHash(s)
			if err != nil {
				continue
			}
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *validationRedisRepo) Stats(ctx context.Context, now time.Time) ([]domain.ProtocolStats, error) {
	pipe := r.rdb.Pipeline()
	card := make([]*redis.IntCmd, len(domain.AllModels))
	due := make([]*redis.IntCmd, len(domain.AllModels))
	for i, m := range domain.AllModels {
		card[i] = pipe.ZCard(ctx, keyDeadlines(m))
		due[i] = pipe.ZCount(ctx, keyDeadlines(m), "-inf", strconv.FormatInt(now.Unix(), 10))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	out := make([]domain.ProtocolStats, 0, len(domain.AllModels))
	for i, m := range domain.AllModels {
		out = append(out, domain.ProtocolStats{Model: m, Pending: card[i].Val(), Overdue: due[i].Val()})
	}
	return out, nil
}

// ===== Balances =====

func (r *validationRedisRepo) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	v, err := r.rdb.Get(ctx, keyBalance(addr)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET balance: %w", err)
	}
	return parseBalance(v)
}

func (r *validationRedisRepo) Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error) {
	key := keyBalance(addr)
	var out uint64
	err := r.watchRetry(ctx, func(tx *redis.Tx) error {
		bal, err := readBalance(ctx, tx, addr)
		if err != nil {
			return err
		}
		next, err := domain.AddAmount(bal, amount)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatUint(next, 10), 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}, key)
	return out, err
}
