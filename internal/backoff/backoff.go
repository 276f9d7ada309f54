// Package backoff computes retry delays for outbound callback deliveries.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Policy string

const (
	Fixed          Policy = "fixed"
	Linear         Policy = "linear"
	Exponential    Policy = "exponential"
	ExpEqualJitter Policy = "exp_equal_jitter"
	ExpFullJitter  Policy = "exp_full_jitter"
)

// ParsePolicy accepts the configured policy name; empty selects ExpFullJitter.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ExpFullJitter, nil
	case Fixed, Linear, Exponential, ExpEqualJitter, ExpFullJitter:
		return p, nil
	default:
		return "", fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Schedule is a retry policy bounded by Base and Max.
type Schedule struct {
	Policy Policy
	Base   time.Duration
	Max    time.Duration
}

// Delay returns the wait before retry number retry (0 for the first retry).
// Unknown policies behave as ExpFullJitter. rng may be nil for jitter-free policies.
func (s Schedule) Delay(retry int, rng *rand.Rand) time.Duration {
	retry = max(retry, 0)
	base := s.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := s.Max
	if ceiling <= 0 {
		ceiling = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	switch s.Policy {
	case Fixed:
		return min(base, ceiling)
	case Linear:
		return min(base*time.Duration(max(1, retry+1)), ceiling)
	case Exponential:
		return exp(base, ceiling, retry)
	case ExpEqualJitter:
		d := exp(base, ceiling, retry)
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(d-half)+1))
	default:
		d := exp(base, ceiling, retry)
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

// exp is base*2^retry capped at ceiling without overflowing.
func exp(base, ceiling time.Duration, retry int) time.Duration {
	f := float64(base) * math.Pow(2, float64(retry))
	if f >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(f)
}
