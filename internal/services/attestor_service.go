package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"
)

// AttestorService manages the registry of trusted TEE attestors and their
// expected code measurements.
type AttestorService interface {
	Add(ctx context.Context, addr domain.Address, measurement domain.Hash, label string) (*domain.TrustedAttestor, error)
	Remove(ctx context.Context, addr domain.Address) error
	List(ctx context.Context) ([]domain.TrustedAttestor, error)
	// Seed adds every entry not yet registered; existing entries keep their measurement.
	Seed(ctx context.Context, seeds []domain.TrustedAttestor) (int, error)
}

type attestorService struct {
	store  persistence.AttestorStorage
	logger *slog.Logger
	now    func() time.Time
}

func NewAttestorService(store persistence.AttestorStorage, logger *slog.Logger) AttestorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &attestorService{store: store, logger: logger, now: time.Now}
}

func (s *attestorService) Add(ctx context.Context, addr domain.Address, measurement domain.Hash, label string) (*domain.TrustedAttestor, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("%w: attestor address is required", domain.ErrInvalidArgument)
	}
	if measurement.IsZero() {
		return nil, fmt.Errorf("%w: measurement is required", domain.ErrInvalidArgument)
	}
	a := domain.TrustedAttestor{Address: addr, Measurement: measurement, Label: label, AddedAt: s.now().UTC()}
	if err := s.store.PutAttestor(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: put attestor: %w", domain.ErrDependency, err)
	}
	s.logger.Info("attestor trusted", "attestor", addr.String(), "measurement", measurement.String(), "label", label)
	return &a, nil
}

func (s *attestorService) Remove(ctx context.Context, addr domain.Address) error {
	if err := s.store.RemoveAttestor(ctx, addr); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: remove attestor: %w", domain.ErrDependency, err)
	}
	s.logger.Info("attestor removed", "attestor", addr.String())
	return nil
}

func (s *attestorService) List(ctx context.Context) ([]domain.TrustedAttestor, error) {
	out, err := s.store.ListAttestors(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list attestors: %w", domain.ErrDependency, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

func (s *attestorService) Seed(ctx context.Context, seeds []domain.TrustedAttestor) (int, error) {
	added := 0
	for _, seed := range seeds {
		_, err := s.store.GetAttestor(ctx, seed.Address)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return added, fmt.Errorf("%w: get attestor: %w", domain.ErrDependency, err)
		}
		if _, err := s.Add(ctx, seed.Address, seed.Measurement, seed.Label); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
