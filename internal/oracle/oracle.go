package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

var ErrNoCandidates = errors.New("no candidates")

// Round is one unit of beacon output.
type Round struct {
	Number uint64
	Value  domain.Hash
}

// Beacon supplies randomness bound to a request.
type Beacon interface {
	Randomness(ctx context.Context, requestHash domain.Hash) (Round, error)
}

type Selection struct {
	Validator  domain.Address
	Candidates []domain.Address
	Randomness domain.Hash
	Round      uint64
}

type Oracle struct {
	beacon Beacon
}

func New(beacon Beacon) *Oracle {
	return &Oracle{beacon: beacon}
}

// Normalize removes duplicate and zero addresses and sorts the rest.
func Normalize(candidates []domain.Address) []domain.Address {
	seen := make(map[domain.Address]struct{}, len(candidates))
	out := make([]domain.Address, 0, len(candidates))
	for _, c := range candidates {
		if c.IsZero() {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	domain.SortAddresses(out)
	return out
}

// SelectOne picks one candidate using beacon randomness. The pick depends only on the
// randomness, the request hash and the normalized candidate set.
func (o *Oracle) SelectOne(ctx context.Context, requestHash domain.Hash, candidates []domain.Address) (Selection, error) {
	set := Normalize(candidates)
	if len(set) == 0 {
		return Selection{}, ErrNoCandidates
	}
	round, err := o.beacon.Randomness(ctx, requestHash)
	if err != nil {
		return Selection{}, fmt.Errorf("beacon: %w", err)
	}
	idx := Pick(round.Value, requestHash, set)
	return Selection{
		Validator:  set[idx],
		Candidates: set,
		Randomness: round.Value,
		Round:      round.Number,
	}, nil
}

// Pick maps randomness onto an index of the normalized set.
func Pick(randomness, requestHash domain.Hash, set []domain.Address) int {
	parts := make([][]byte, 0, len(set)+2)
	parts = append(parts, randomness[:], requestHash[:])
	for i := range set {
		parts = append(parts, set[i][:])
	}
	seed := domain.Keccak256(parts...)
	n := new(big.Int).SetBytes(seed[:])
	return int(n.Mod(n, big.NewInt(int64(len(set)))).Int64())
}
