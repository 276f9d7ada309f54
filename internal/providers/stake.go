package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// StakeLedger is the external registry of principal stake.
type StakeLedger interface {
	StakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error)
	IsVerified(ctx context.Context, principal domain.Address) (bool, error)
	// RequestSlash removes up to amount from principal's stake and returns what was taken.
	// Repeating a call with the same evidence hash returns the first result without slashing again.
	RequestSlash(ctx context.Context, principal domain.Address, amount uint64, evidence domain.Hash) (uint64, error)
}

// ===== Redis-backed ledger =====

const slashRecordTTL = 30 * 24 * time.Hour

type RedisStakeLedger struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStakeLedger(rdb *redis.Client, now func() time.Time) *RedisStakeLedger {
	if now == nil {
		now = time.Now
	}
	return &RedisStakeLedger{rdb: rdb, now: now}
}

// keyStake is a HASH with fields amount, updated (epoch), verified.
func (l *RedisStakeLedger) keyStake(a domain.Address) string { return "validq:stake:" + a.String() }
func (l *RedisStakeLedger) keySlash(e domain.Hash) string    { return "validq:slash:" + e.String() }
func (l *RedisStakeLedger) keySlashedPool() string           { return "validq:stake:slashed" }

// SetStake records a principal's stake; used by the admin API and tests.
func (l *RedisStakeLedger) SetStake(ctx context.Context, principal domain.Address, amount uint64, verified bool) error {
	return l.rdb.HSet(ctx, l.keyStake(principal),
		"amount", strconv.FormatUint(amount, 10),
		"updated", l.now().Unix(),
		"verified", strconv.FormatBool(verified),
	).Err()
}

func snapshotFromHash(principal domain.Address, fields map[string]string, now time.Time) (domain.StakeSnapshot, error) {
	snap := domain.StakeSnapshot{Principal: principal, FreshAt: now}
	if len(fields) == 0 {
		return snap, nil
	}
	amount, err := strconv.ParseUint(fields["amount"], 10, 64)
	if err != nil {
		return snap, fmt.Errorf("parse stake amount: %w", err)
	}
	snap.Amount = amount
	if ts, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
		snap.LastUpdated = time.Unix(ts, 0).UTC()
	}
	snap.Verified, _ = strconv.ParseBool(fields["verified"])
	return snap, nil
}

// StakeOf reads the authoritative value, so the snapshot is fresh as of the read.
func (l *RedisStakeLedger) StakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error) {
	fields, err := l.rdb.HGetAll(ctx, l.keyStake(principal)).Result()
	if err != nil {
		return domain.StakeSnapshot{}, fmt.Errorf("%w: redis HGETALL stake: %v", domain.ErrDependency, err)
	}
	return snapshotFromHash(principal, fields, l.now())
}

func (l *RedisStakeLedger) IsVerified(ctx context.Context, principal domain.Address) (bool, error) {
	snap, err := l.StakeOf(ctx, principal)
	if err != nil {
		return false, err
	}
	return snap.Verified, nil
}

func (l *RedisStakeLedger) RequestSlash(ctx context.Context, principal domain.Address, amount uint64, evidence domain.Hash) (uint64, error) {
	stakeKey := l.keyStake(principal)
	slashKey := l.keySlash(evidence)
	var slashed uint64

	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, slashKey).Result()
		if err == nil {
			slashed, err = strconv.ParseUint(prev, 10, 64)
			return err
		}
		if err != redis.Nil {
			return err
		}
		fields, err := tx.HGetAll(ctx, stakeKey).Result()
		if err != nil {
			return err
		}
		snap, err := snapshotFromHash(principal, fields, l.now())
		if err != nil {
			return err
		}
		take := amount
		if take > snap.Amount {
			take = snap.Amount
		}
		pool, err := tx.Get(ctx, l.keySlashedPool()).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		poolAmt, _ := strconv.ParseUint(pool, 10, 64)
		if poolAmt, err = domain.AddAmount(poolAmt, take); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) > 0 {
				pipe.HSet(ctx, stakeKey, "amount", strconv.FormatUint(snap.Amount-take, 10), "updated", l.now().Unix())
			}
			pipe.Set(ctx, slashKey, strconv.FormatUint(take, 10), slashRecordTTL)
			pipe.Set(ctx, l.keySlashedPool(), strconv.FormatUint(poolAmt, 10), 0)
			return nil
		})
		if err == nil {
			slashed = take
		}
		return err
	}

	for i := 0; i < 16; i++ {
		err := l.rdb.Watch(ctx, txf, stakeKey, slashKey, l.keySlashedPool())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: slash: %v", domain.ErrDependency, err)
		}
		return slashed, nil
	}
	return 0, fmt.Errorf("%w: slash contention", domain.ErrDependency)
}

// SlashedTotal returns the amount moved out of stakes by slashing.
func (l *RedisStakeLedger) SlashedTotal(ctx context.Context) (uint64, error) {
	v, err := l.rdb.Get(ctx, l.keySlashedPool()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// ===== HTTP ledger =====

// HTTPStakeLedger talks to a remote ledger:
// GET {base}/stakes/{addr} -> StakeSnapshot; POST {base}/slashes -> {"slashed": n}.
type HTTPStakeLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPStakeLedger(baseURL, apiKey string, timeout time.Duration) *HTTPStakeLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStakeLedger{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (l *HTTPStakeLedger) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.apiKey != "" {
		req.Header.Set("X-Api-Key", l.apiKey)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stake ledger: %v", domain.ErrDependency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: stake ledger status %d", domain.ErrDependency, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode stake ledger response: %v", domain.ErrDependency, err)
	}
	return nil
}

func (l *HTTPStakeLedger) StakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error) {
	var snap domain.StakeSnapshot
	if err := l.do(ctx, http.MethodGet, "/stakes/"+principal.String(), nil, &snap); err != nil {
		return domain.StakeSnapshot{}, err
	}
	snap.Principal = principal
	return snap, nil
}

func (l *HTTPStakeLedger) IsVerified(ctx context.Context, principal domain.Address) (bool, error) {
	snap, err := l.StakeOf(ctx, principal)
	if err != nil {
		return false, err
	}
	return snap.Verified, nil
}

type slashRequest struct {
	Principal    domain.Address `json:"principal"`
	Amount       uint64         `json:"amount"`
	EvidenceHash domain.Hash    `json:"evidenceHash"`
}

type slashResponse struct {
	Slashed uint64 `json:"slashed"`
}

func (l *HTTPStakeLedger) RequestSlash(ctx context.Context, principal domain.Address, amount uint64, evidence domain.Hash) (uint64, error) {
	var out slashResponse
	err := l.do(ctx, http.MethodPost, "/slashes", slashRequest{Principal: principal, Amount: amount, EvidenceHash: evidence}, &out)
	if err != nil {
		return 0, err
	}
	if out.Slashed > amount {
		return 0, fmt.Errorf("%w: ledger slashed %d, more than requested %d", domain.ErrDependency, out.Slashed, amount)
	}
	return out.Slashed, nil
}
