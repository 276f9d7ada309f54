package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/repository"
)

const (
	cleanupBatchSize = 500
	// cleanupMaxBatches bounds one pass; leftovers wait for the next tick.
	cleanupMaxBatches = 20
)

// SubscriptionCleanupService drops validator subscriptions whose heartbeat
// lease has lapsed so they stop receiving new-request notifications.
type SubscriptionCleanupService interface {
	Start(ctx context.Context)
	RunOnce(ctx context.Context) (int, error)
}

type subscriptionCleanupService struct {
	repo      repository.SubscriptionRepository
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSubscriptionCleanupService(repo repository.SubscriptionRepository, logger *slog.Logger, intervalSeconds int) SubscriptionCleanupService {
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &subscriptionCleanupService{
		repo:      repo,
		logger:    logger.With("component", "subscription_cleanup"),
		interval:  time.Duration(intervalSeconds) * time.Second,
		batchSize: cleanupBatchSize,
		now:       time.Now,
	}
}

func (s *subscriptionCleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Warn("subscription cleanup failed", "removed", removed, "err", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("expired subscriptions removed", "count", removed)
			}
		}
	}
}

// RunOnce removes leases that expired before now, batch by batch, until a
// batch comes back short.
func (s *subscriptionCleanupService) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now()
	total := 0
	for i := 0; i < cleanupMaxBatches; i++ {
		n, err := s.repo.CleanupExpired(ctx, s.batchSize, cutoff)
		total += n
		metrics.SubscriptionsExpiredTotal.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			break
		}
	}
	return total, nil
}
