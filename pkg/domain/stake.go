package domain

import "time"

// StakeSnapshot is the stake ledger's view of a principal's stake.
type StakeSnapshot struct {
	Principal   Address   `json:"principal"`
	Amount      uint64    `json:"amount"`
	LastUpdated time.Time `json:"lastUpdated"`
	// FreshAt is when the ledger last confirmed the amount.
	FreshAt  time.Time `json:"freshAt"`
	Verified bool      `json:"verified"`
}

// Agent is an identity directory entry.
type Agent struct {
	ID        Hash      `json:"id"`
	Owner     Address   `json:"owner"`
	Operators []Address `json:"operators,omitempty"`
}

func (a Agent) Controls(principal Address) bool {
	if a.Owner == principal {
		return true
	}
	for _, op := range a.Operators {
		if op == principal {
			return true
		}
	}
	return false
}

// TrustedAttestor binds an attestor address to the enclave measurement it may vouch for.
type TrustedAttestor struct {
	Address     Address   `json:"address"`
	Measurement Hash      `json:"measurement"`
	Label       string    `json:"label,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}
