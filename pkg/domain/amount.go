package domain

import (
	"fmt"
	"math/bits"
)

// BpsDenominator is the basis-point scale used by every percentage parameter.
const BpsDenominator = 10_000

func AddAmount(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, a, b)
	}
	return sum, nil
}

func SubAmount(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrAmountOverflow, a, b)
	}
	return diff, nil
}

// ApplyBps returns amount*bps/10000 truncated, computed in 128 bits.
func ApplyBps(amount uint64, bps uint32) (uint64, error) {
	if bps > BpsDenominator {
		return 0, fmt.Errorf("%w: %d bps", ErrAmountOverflow, bps)
	}
	hi, lo := bits.Mul64(amount, uint64(bps))
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	return q, nil
}

// Distribution is the three-way bounty split of a completed validation.
type Distribution struct {
	Treasury  uint64 `json:"treasury"`
	Owner     uint64 `json:"owner"`
	Validator uint64 `json:"validator"`
}

func (d Distribution) Total() (uint64, error) {
	t, err := AddAmount(d.Treasury, d.Owner)
	if err != nil {
		return 0, err
	}
	return AddAmount(t, d.Validator)
}

// SplitBounty takes the protocol fee off the bounty, pays the agent owner a share of the remainder
// and leaves the rest, including truncation dust, to the validator.
func SplitBounty(bounty uint64, feeBps, ownerBps uint32) (Distribution, error) {
	fee, err := ApplyBps(bounty, feeBps)
	if err != nil {
		return Distribution{}, err
	}
	rest, err := SubAmount(bounty, fee)
	if err != nil {
		return Distribution{}, err
	}
	owner, err := ApplyBps(rest, ownerBps)
	if err != nil {
		return Distribution{}, err
	}
	validator, err := SubAmount(rest, owner)
	if err != nil {
		return Distribution{}, err
	}
	return Distribution{Treasury: fee, Owner: owner, Validator: validator}, nil
}
