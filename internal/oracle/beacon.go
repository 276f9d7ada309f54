package oracle

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"golang.org/x/crypto/sha3"
)

// LocalBeacon derives randomness from a server-held secret; rounds advance with the clock.
type LocalBeacon struct {
	secret []byte
	period time.Duration
	now    func() time.Time
}

func NewLocalBeacon(secret string, period time.Duration, now func() time.Time) *LocalBeacon {
	if period <= 0 {
		period = 3 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &LocalBeacon{secret: []byte(secret), period: period, now: now}
}

func (b *LocalBeacon) Randomness(_ context.Context, requestHash domain.Hash) (Round, error) {
	if len(b.secret) == 0 {
		return Round{}, errors.New("local beacon secret not configured")
	}
	number := uint64(b.now().UnixNano() / int64(b.period))
	mac := hmac.New(sha3.New256, b.secret)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], number)
	mac.Write(nb[:])
	mac.Write(requestHash[:])
	var out domain.Hash
	copy(out[:], mac.Sum(nil))
	return Round{Number: number, Value: out}, nil
}

// HTTPBeacon reads the latest round from a drand-compatible HTTP endpoint
// (GET {base}/public/latest -> {"round":n,"randomness":"hex"}).
type HTTPBeacon struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBeacon(baseURL string, timeout time.Duration) *HTTPBeacon {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBeacon{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type drandRound struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

func (b *HTTPBeacon) Randomness(ctx context.Context, requestHash domain.Hash) (Round, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/public/latest", nil)
	if err != nil {
		return Round{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return Round{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Round{}, fmt.Errorf("beacon status %d", resp.StatusCode)
	}
	var out drandRound
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return Round{}, fmt.Errorf("decode beacon round: %w", err)
	}
	raw, err := hex.DecodeString(out.Randomness)
	if err != nil || len(raw) == 0 {
		return Round{}, fmt.Errorf("invalid beacon randomness %q", out.Randomness)
	}
	return Round{Number: out.Round, Value: domain.Keccak256(raw, requestHash[:])}, nil
}
