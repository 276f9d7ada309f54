package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// SweeperService settles requests whose deadline passed without a response,
// and finishes responses that were recorded but never settled.
type SweeperService interface {
	Start(ctx context.Context)
	RunOnce(ctx context.Context) (SweepReport, error)
}

type SweepReport struct {
	Slashed   int `json:"slashed"`
	Reclaimed int `json:"reclaimed"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type sweeperService struct {
	svc       ValidationService
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	// caller is recorded as the actor of sweeper-initiated transitions.
	caller domain.Address
}

func NewSweeperService(svc ValidationService, logger *slog.Logger, caller domain.Address, intervalSeconds, batchSize int) SweeperService {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sweeperService{
		svc:       svc,
		logger:    logger,
		interval:  time.Duration(intervalSeconds) * time.Second,
		batchSize: batchSize,
		caller:    caller,
	}
}

func (s *sweeperService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", "err", err)
				continue
			}
			if rep.Slashed+rep.Reclaimed+rep.Completed+rep.Failed > 0 {
				s.logger.Info("expiry sweep", "slashed", rep.Slashed, "reclaimed", rep.Reclaimed, "completed", rep.Completed, "skipped", rep.Skipped, "failed", rep.Failed)
			}
		}
	}
}

func (s *sweeperService) RunOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	hashes, err := s.svc.ListOverdue(ctx, s.batchSize)
	if err != nil {
		return rep, err
	}
	for _, h := range hashes {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rec, err := s.svc.GetValidation(ctx, h)
		if err != nil {
			rep.Failed++
			continue
		}
		var action string
		switch {
		case rec.Recorded != nil:
			// A response beat the deadline but its settlement did not commit.
			action = "complete"
			r := rec.Recorded.Response
			_, err = s.svc.SubmitValidation(ctx, r.Validator, h, Submission{Score: r.Score, Proof: r.Proof, DetailsURI: r.DetailsURI})
		case rec.Selection != nil:
			action = "slash"
			_, err = s.svc.SlashForMissedDeadline(ctx, s.caller, h)
		default:
			action = "reclaim"
			_, err = s.svc.ReclaimExpired(ctx, s.caller, h)
		}
		switch {
		case err == nil:
			switch action {
			case "complete":
				rep.Completed++
			case "slash":
				rep.Slashed++
			default:
				rep.Reclaimed++
			}
			metrics.SweeperActionsTotal.WithLabelValues(action, "success").Inc()
		case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrDeadlineNotReached), errors.Is(err, domain.ErrResponseRecorded):
			// Another caller got there first; the next tick sees the final state.
			rep.Skipped++
			metrics.SweeperActionsTotal.WithLabelValues(action, "skipped").Inc()
		default:
			rep.Failed++
			metrics.SweeperActionsTotal.WithLabelValues(action, "failure").Inc()
			s.logger.Warn("sweep action failed", "hash", h.String(), "action", action, "err", err)
		}
	}
	return rep, nil
}
