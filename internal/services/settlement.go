package services

import (
	"time"

	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// completionPayout splits the escrowed bounty between treasury, agent owner and validator.
func completionPayout(p Params, bounty uint64, owner, validator domain.Address, now time.Time) (domain.Settlement, []domain.Transfer, error) {
	dist, err := domain.SplitBounty(bounty, p.ProtocolFeeBps, p.AgentRewardBps)
	if err != nil {
		return domain.Settlement{}, nil, err
	}
	st := domain.Settlement{
		Treasury:        p.Treasury,
		TreasuryAmount:  dist.Treasury,
		Owner:           owner,
		OwnerAmount:     dist.Owner,
		Validator:       validator,
		ValidatorAmount: dist.Validator,
		SettledAt:       now,
	}
	return st, nonZero(
		domain.Transfer{To: p.Treasury, Amount: dist.Treasury},
		domain.Transfer{To: owner, Amount: dist.Owner},
		domain.Transfer{To: validator, Amount: dist.Validator},
	), nil
}

// refundPayout returns the whole escrow to the requester.
func refundPayout(rec *domain.ValidationRecord, now time.Time) (domain.Settlement, []domain.Transfer) {
	st := domain.Settlement{Refund: rec.Escrow, SettledAt: now}
	return st, nonZero(domain.Transfer{To: rec.Request.Requester, Amount: rec.Escrow})
}

func nonZero(ts ...domain.Transfer) []domain.Transfer {
	out := ts[:0]
	for _, t := range ts {
		if t.Amount > 0 {
			out = append(out, t)
		}
	}
	return out
}

func observeSettlement(rec *domain.ValidationRecord) {
	model := string(rec.Request.Model)
	st := rec.Settlement
	if st == nil {
		return
	}
	metrics.BountyDistributedTotal.WithLabelValues(model, "treasury").Add(float64(st.TreasuryAmount))
	metrics.BountyDistributedTotal.WithLabelValues(model, "owner").Add(float64(st.OwnerAmount))
	metrics.BountyDistributedTotal.WithLabelValues(model, "validator").Add(float64(st.ValidatorAmount))
	metrics.BountyDistributedTotal.WithLabelValues(model, "refund").Add(float64(st.Refund))
	metrics.ValidationLatencySeconds.WithLabelValues(model, string(rec.Request.Status)).
		Observe(st.SettledAt.Sub(rec.Request.CreatedAt).Seconds())
}
