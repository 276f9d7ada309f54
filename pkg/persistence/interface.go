package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = domain.ErrNotFound

	// ErrAlreadyExists is returned when a key already exists
	ErrAlreadyExists = domain.ErrAlreadyExists
)

// PluginPersistence provides storage operations for persistence plugins.
// This is the main interface that all persistence backends must implement.
type PluginPersistence interface {
	// ValidationStorage returns the validation record and balance storage
	ValidationStorage() ValidationStorage

	// AttestorStorage returns the trusted attestor registry
	AttestorStorage() AttestorStorage

	// Locker returns the per-request lock used to serialize operations
	Locker() Locker

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}

// Mutation edits a record inside a store transaction and returns the payouts to credit from its
// escrow. It must not perform I/O and may run more than once if the commit conflicts.
type Mutation func(rec *domain.ValidationRecord) ([]domain.Transfer, error)

// ValidationStorage defines persistence operations for validation records and the balances
// that fund them.
type ValidationStorage interface {
	// Create stores a new record, debiting rec.Escrow from the requester's balance in the same commit
	Create(ctx context.Context, rec *domain.ValidationRecord) error

	// Get retrieves a record by request hash
	Get(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error)

	// Update applies fn and commits the record together with its transfers, or nothing
	Update(ctx context.Context, hash domain.Hash, fn Mutation) (*domain.ValidationRecord, error)

	// DueBefore lists pending requests whose deadline is at or before the given time
	DueBefore(ctx context.Context, before time.Time, limit int) ([]domain.Hash, error)

	// Stats counts pending and overdue requests per model
	Stats(ctx context.Context, now time.Time) ([]domain.ProtocolStats, error)

	// Balance returns the spendable balance of a principal
	Balance(ctx context.Context, addr domain.Address) (uint64, error)

	// Deposit credits a principal's balance and returns the new balance
	Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error)
}

// AttestorStorage defines persistence operations for trusted TEE attestors
type AttestorStorage interface {
	PutAttestor(ctx context.Context, a domain.TrustedAttestor) error
	GetAttestor(ctx context.Context, addr domain.Address) (*domain.TrustedAttestor, error)
	RemoveAttestor(ctx context.Context, addr domain.Address) error
	ListAttestors(ctx context.Context) ([]domain.TrustedAttestor, error)
}

// Locker provides mutual exclusion per key. Acquire blocks until the lock is held or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// CheckConservation verifies that transfers account exactly for the escrow released by a mutation.
func CheckConservation(escrowBefore, escrowAfter uint64, transfers []domain.Transfer) error {
	released, err := domain.SubAmount(escrowBefore, escrowAfter)
	if err != nil {
		return fmt.Errorf("escrow increased during update: %w", err)
	}
	var total uint64
	for _, t := range transfers {
		if total, err = domain.AddAmount(total, t.Amount); err != nil {
			return err
		}
	}
	if total != released {
		return fmt.Errorf("%w: transfers %d != released escrow %d", domain.ErrSettlementFailed, total, released)
	}
	return nil
}

// CloneRecord deep-copies a record so mutations can be discarded on failure.
func CloneRecord(rec *domain.ValidationRecord) *domain.ValidationRecord {
	out := *rec
	if rec.Response != nil {
		r := *rec.Response
		r.Proof = append([]byte(nil), rec.Response.Proof...)
		out.Response = &r
	}
	if rec.Selection != nil {
		s := *rec.Selection
		s.Candidates = append([]domain.Address(nil), rec.Selection.Candidates...)
		out.Selection = &s
	}
	if rec.Dispute != nil {
		d := *rec.Dispute
		d.Evidence = append([]byte(nil), rec.Dispute.Evidence...)
		out.Dispute = &d
	}
	if rec.Settlement != nil {
		s := *rec.Settlement
		out.Settlement = &s
	}
	if rec.Recorded != nil {
		c := *rec.Recorded
		c.Response.Proof = append([]byte(nil), rec.Recorded.Response.Proof...)
		out.Recorded = &c
	}
	out.Penalties = append([]domain.Penalty(nil), rec.Penalties...)
	return &out
}
