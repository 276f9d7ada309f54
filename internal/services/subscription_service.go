package services

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/osvaldoandrade/validq/internal/repository"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

type SubscriptionService interface {
	Create(ctx context.Context, validator domain.Address, callbackURL string, models []domain.TrustModel, deliveryMode string, groupID string, ttlSeconds int, minIntervalSeconds int) (*domain.Subscription, error)
	Heartbeat(ctx context.Context, validator domain.Address, id string, ttlSeconds int) (*domain.Subscription, error)
	// List returns the validator's subscriptions whose lease has not lapsed.
	List(ctx context.Context, validator domain.Address) ([]domain.Subscription, error)
	CandidatePool
}

type subscriptionService struct {
	repo       repository.SubscriptionRepository
	defaultTTL int
}

func NewSubscriptionService(repo repository.SubscriptionRepository, defaultTTLSeconds int) SubscriptionService {
	if defaultTTLSeconds <= 0 {
		defaultTTLSeconds = 300
	}
	return &subscriptionService{repo: repo, defaultTTL: defaultTTLSeconds}
}

func (s *subscriptionService) Create(ctx context.Context, validator domain.Address, callbackURL string, models []domain.TrustModel, deliveryMode string, groupID string, ttlSeconds int, minIntervalSeconds int) (*domain.Subscription, error) {
	if validator.IsZero() {
		return nil, fmt.Errorf("%w: validator is required", domain.ErrInvalidArgument)
	}
	if callbackURL == "" {
		return nil, fmt.Errorf("%w: callbackUrl is required", domain.ErrInvalidArgument)
	}
	u, err := url.Parse(callbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid callback url", domain.ErrInvalidArgument)
	}
	if len(models) == 0 {
		models = []domain.TrustModel{domain.ModelStakeSecured, domain.ModelTEEAttested, domain.ModelHybrid}
	}
	for _, m := range models {
		if !m.Valid() || m == domain.ModelReputationOnly {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModel, m)
		}
	}
	if deliveryMode == "" {
		deliveryMode = "fanout"
	}
	switch deliveryMode {
	case "fanout", "group", "hash":
	default:
		return nil, fmt.Errorf("%w: invalid deliveryMode", domain.ErrInvalidArgument)
	}
	if deliveryMode == "group" && groupID == "" {
		return nil, fmt.Errorf("%w: groupId is required", domain.ErrInvalidArgument)
	}
	if ttlSeconds <= 0 {
		ttlSeconds = s.defaultTTL
	}

	sub := domain.Subscription{
		Validator:          validator,
		CallbackURL:        callbackURL,
		Models:             models,
		DeliveryMode:       deliveryMode,
		GroupID:            groupID,
		MinIntervalSeconds: minIntervalSeconds,
	}
	return s.repo.Create(ctx, sub, ttlSeconds)
}

func (s *subscriptionService) Heartbeat(ctx context.Context, validator domain.Address, id string, ttlSeconds int) (*domain.Subscription, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Validator != validator {
		return nil, fmt.Errorf("%w: subscription belongs to another validator", domain.ErrNotAuthorized)
	}
	if ttlSeconds <= 0 {
		ttlSeconds = s.defaultTTL
	}
	return s.repo.Heartbeat(ctx, id, ttlSeconds)
}

func (s *subscriptionService) List(ctx context.Context, validator domain.Address) ([]domain.Subscription, error) {
	if validator.IsZero() {
		return nil, fmt.Errorf("%w: validator is required", domain.ErrInvalidArgument)
	}
	return s.repo.ListByValidator(ctx, validator, time.Now())
}

// Candidates returns the validators holding a live subscription for model.
func (s *subscriptionService) Candidates(ctx context.Context, model domain.TrustModel) ([]domain.Address, error) {
	subs, err := s.repo.ListActive(ctx, model, time.Now())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Validator)
	}
	return out, nil
}
