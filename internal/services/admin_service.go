package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

// AgentRegistrar is implemented by identity directories that accept writes.
type AgentRegistrar interface {
	Register(ctx context.Context, agent domain.Agent) error
}

// StakeSetter is implemented by stake ledgers that accept writes.
type StakeSetter interface {
	SetStake(ctx context.Context, principal domain.Address, amount uint64, verified bool) error
}

type stakeInvalidator interface {
	Invalidate(ctx context.Context, principal domain.Address) error
}

// AdminService seeds the local identity directory and stake ledger. Against
// remote providers both writers are nil and every call is rejected.
type AdminService interface {
	RegisterAgent(ctx context.Context, agent domain.Agent) error
	SetStake(ctx context.Context, principal domain.Address, amount uint64, verified bool) error
}

type adminService struct {
	agents AgentRegistrar
	stakes StakeSetter
	cache  stakeInvalidator
	logger *slog.Logger
}

// NewAdminService wires the writers; cache may be nil or any value with an
// Invalidate method, such as providers.CachedStakeLedger.
func NewAdminService(agents AgentRegistrar, stakes StakeSetter, cache any, logger *slog.Logger) AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &adminService{agents: agents, stakes: stakes, logger: logger}
	if inv, ok := cache.(stakeInvalidator); ok {
		s.cache = inv
	}
	return s
}

func (s *adminService) RegisterAgent(ctx context.Context, agent domain.Agent) error {
	if s.agents == nil {
		return fmt.Errorf("%w: identity directory is read-only", domain.ErrInvalidArgument)
	}
	if agent.ID.IsZero() || agent.Owner.IsZero() {
		return fmt.Errorf("%w: agent id and owner are required", domain.ErrInvalidArgument)
	}
	if err := s.agents.Register(ctx, agent); err != nil {
		return fmt.Errorf("%w: register agent: %w", domain.ErrDependency, err)
	}
	s.logger.Info("agent registered", "agent", agent.ID.String(), "owner", agent.Owner.String(), "operators", len(agent.Operators))
	return nil
}

func (s *adminService) SetStake(ctx context.Context, principal domain.Address, amount uint64, verified bool) error {
	if s.stakes == nil {
		return fmt.Errorf("%w: stake ledger is read-only", domain.ErrInvalidArgument)
	}
	if principal.IsZero() {
		return fmt.Errorf("%w: principal is required", domain.ErrInvalidArgument)
	}
	if err := s.stakes.SetStake(ctx, principal, amount, verified); err != nil {
		return fmt.Errorf("%w: set stake: %w", domain.ErrDependency, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, principal); err != nil {
			s.logger.Warn("stake cache invalidation failed", "principal", principal.String(), "err", err)
		}
	}
	s.logger.Info("stake set", "principal", principal.String(), "amount", amount, "verified", verified)
	return nil
}
