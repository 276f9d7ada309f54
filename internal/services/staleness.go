package services

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/validq/internal/providers"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// StalenessPolicy decides whether a stake snapshot may back a precondition check.
type StalenessPolicy interface {
	Accept(snap domain.StakeSnapshot, now time.Time) error
}

// MaxAgePolicy rejects snapshots confirmed more than MaxAge before now.
type MaxAgePolicy struct {
	MaxAge time.Duration
}

func (p MaxAgePolicy) Accept(snap domain.StakeSnapshot, now time.Time) error {
	if snap.FreshAt.IsZero() {
		return fmt.Errorf("%w: %s has no freshness timestamp", domain.ErrStaleStake, snap.Principal)
	}
	if p.MaxAge > 0 && now.Sub(snap.FreshAt) > p.MaxAge {
		return fmt.Errorf("%w: %s confirmed %s ago", domain.ErrStaleStake, snap.Principal, now.Sub(snap.FreshAt).Truncate(time.Second))
	}
	return nil
}

// AcceptAll trusts every snapshot regardless of age.
type AcceptAll struct{}

func (AcceptAll) Accept(domain.StakeSnapshot, time.Time) error { return nil }

type freshReader interface {
	FreshStakeOf(ctx context.Context, principal domain.Address) (domain.StakeSnapshot, error)
}

// stakeAtSlashTime bypasses any snapshot cache in front of the ledger.
func stakeAtSlashTime(ctx context.Context, ledger providers.StakeLedger, principal domain.Address) (domain.StakeSnapshot, error) {
	if fr, ok := ledger.(freshReader); ok {
		return fr.FreshStakeOf(ctx, principal)
	}
	return ledger.StakeOf(ctx, principal)
}
