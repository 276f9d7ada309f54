package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/validq/internal/attestation"
	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/oracle"
	"github.com/osvaldoandrade/validq/internal/providers"
	"github.com/osvaldoandrade/validq/internal/tracing"
	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"
)

// Params are the protocol constants. Percentages are basis points.
type Params struct {
	Treasury                      domain.Address
	ProtocolFeeBps                uint32
	AgentRewardBps                uint32
	MinStakeSecuredBounty         uint64
	MinTEEBounty                  uint64
	MinAgentOwnerStake            uint64
	MinValidatorStake             uint64
	IncorrectComputationThreshold uint8
	IncorrectComputationSlashBps  uint32
	MissedDeadlineSlashBps        uint32
	MinSelectionCandidates        int // eligible validators a draw needs
	LockWait                      time.Duration
	LockTTL                       time.Duration
}

func DefaultParams(treasury domain.Address) Params {
	return Params{
		Treasury:                      treasury,
		ProtocolFeeBps:                1000,
		AgentRewardBps:                1000,
		MinStakeSecuredBounty:         1_000_000,
		MinTEEBounty:                  1_000_000,
		MinAgentOwnerStake:            100_000_000,
		MinValidatorStake:             100_000_000,
		IncorrectComputationThreshold: 50,
		IncorrectComputationSlashBps:  5000,
		MissedDeadlineSlashBps:        1000,
		MinSelectionCandidates:        2,
		LockWait:                      5 * time.Second,
		LockTTL:                       30 * time.Second,
	}
}

// minBounty returns the smallest accepted bounty for a model that can be requested.
func (p Params) minBounty(m domain.TrustModel) uint64 {
	switch m {
	case domain.ModelStakeSecured, domain.ModelHybrid:
		return p.MinStakeSecuredBounty
	case domain.ModelTEEAttested:
		return p.MinTEEBounty
	}
	return 0
}

type CreateRequest struct {
	AgentID    domain.Hash
	TaskHash   domain.Hash
	OutputHash domain.Hash
	Model      domain.TrustModel
	Bounty     uint64
	Deadline   time.Time
	// Salt disambiguates otherwise identical requests; zero means generate one.
	Salt        domain.Hash
	CallbackURL string
}

type Submission struct {
	Score      uint8
	Proof      []byte
	DetailsURI string
	// Evidence is stored through the uploader; its URI fills DetailsURI when that is empty.
	Evidence []byte
}

type SelectionOracle interface {
	SelectOne(ctx context.Context, requestHash domain.Hash, candidates []domain.Address) (oracle.Selection, error)
}

// CandidatePool lists validators the server knows are available for a model.
type CandidatePool interface {
	Candidates(ctx context.Context, model domain.TrustModel) ([]domain.Address, error)
}

type AttestationVerifier interface {
	Verify(ctx context.Context, raw []byte, subj attestation.Subject) (attestation.Proof, error)
}

type ValidationService interface {
	RequestValidation(ctx context.Context, requester domain.Address, req CreateRequest) (*domain.ValidationRecord, error)
	SelectValidator(ctx context.Context, caller domain.Address, hash domain.Hash, candidates []domain.Address) (*domain.ValidationRecord, error)
	SubmitValidation(ctx context.Context, caller domain.Address, hash domain.Hash, sub Submission) (*domain.ValidationRecord, error)
	SlashForMissedDeadline(ctx context.Context, caller domain.Address, hash domain.Hash) (*domain.ValidationRecord, error)
	ReclaimExpired(ctx context.Context, caller domain.Address, hash domain.Hash) (*domain.ValidationRecord, error)
	DisputeValidation(ctx context.Context, caller domain.Address, hash domain.Hash, evidence []byte) (*domain.ValidationRecord, error)
	ResolveDispute(ctx context.Context, arbitrator domain.Address, hash domain.Hash, resolution string) (*domain.ValidationRecord, error)

	GetValidation(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error)
	IsDisputed(ctx context.Context, hash domain.Hash) (bool, error)
	ListOverdue(ctx context.Context, limit int) ([]domain.Hash, error)
	Balance(ctx context.Context, addr domain.Address) (uint64, error)
	Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error)
}

type ValidationDeps struct {
	Store     persistence.ValidationStorage
	Locker    persistence.Locker
	Identity  providers.IdentityDirectory
	Stake     providers.StakeLedger
	Oracle    SelectionOracle
	Pool      CandidatePool
	Verifier  AttestationVerifier
	Staleness StalenessPolicy
	Uploader  providers.Uploader
	Notifier  NotifierService
	Callbacks CallbackService
	Logger    *slog.Logger
	Now       func() time.Time
}

type validationService struct {
	ValidationDeps
	params Params
	tracer trace.Tracer
}

func NewValidationService(deps ValidationDeps, params Params) ValidationService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Staleness == nil {
		deps.Staleness = MaxAgePolicy{MaxAge: 5 * time.Minute}
	}
	if params.MinSelectionCandidates <= 0 {
		params.MinSelectionCandidates = 1
	}
	if params.LockWait <= 0 {
		params.LockWait = 5 * time.Second
	}
	if params.LockTTL <= 0 {
		params.LockTTL = 30 * time.Second
	}
	return &validationService{
		ValidationDeps: deps,
		params:         params,
		tracer:         tracing.Tracer("validq/services"),
	}
}

func lockKey(h domain.Hash) string { return "req:" + h.String() }

// withLock runs fn while holding the request's lease.
func (s *validationService) withLock(ctx context.Context, hash domain.Hash, fn func() error) error {
	lctx, cancel := context.WithTimeout(ctx, s.params.LockWait)
	defer cancel()
	release, err := s.Locker.Acquire(lctx, lockKey(hash), s.params.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrBusy) {
			return err
		}
		return fmt.Errorf("%w: lock: %v", domain.ErrDependency, err)
	}
	defer release()
	return fn()
}

func (s *validationService) startSpan(ctx context.Context, op string, hash domain.Hash) (context.Context, trace.Span) {
	return tracing.StartOperation(ctx, s.tracer, op, hash)
}

// finish records the outcome of an operation on its span and in metrics.
func finish(span trace.Span, op string, err error) {
	if code := tracing.RecordOutcome(span, err); code != "" {
		metrics.OperationErrorsTotal.WithLabelValues(op, code).Inc()
	}
	span.End()
}

// settlementErr classifies a failed commit: state races keep their kind, anything else
// means the payout could not be applied.
func settlementErr(err error) error {
	switch domain.KindOf(err) {
	case domain.KindTerminal, domain.KindNotFound, domain.KindConflict, domain.KindPrecondition, domain.KindAuthorization:
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
}

func validCallback(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *validationService) ownerStakeCheck(ctx context.Context, owner domain.Address, now time.Time) error {
	snap, err := s.Stake.StakeOf(ctx, owner)
	if err != nil {
		return err
	}
	if err := s.Staleness.Accept(snap, now); err != nil {
		return err
	}
	if snap.Amount < s.params.MinAgentOwnerStake {
		return fmt.Errorf("%w: %d < %d", domain.ErrInsufficientOwnerStake, snap.Amount, s.params.MinAgentOwnerStake)
	}
	return nil
}

func (s *validationService) RequestValidation(ctx context.Context, requester domain.Address, req CreateRequest) (rec *domain.ValidationRecord, err error) {
	if req.Salt.IsZero() {
		id := uuid.New()
		req.Salt = domain.Keccak256(id[:])
	}
	hash := domain.RequestHash(req.AgentID, requester, req.TaskHash, req.OutputHash, req.Model, req.Salt)
	ctx, span := s.startSpan(ctx, "request", hash)
	span.SetAttributes(tracing.AttrModel.String(string(req.Model)))
	defer func() { finish(span, "request", err) }()

	now := s.Now().UTC()
	switch req.Model {
	case domain.ModelReputationOnly:
		return nil, domain.ErrReputationOnlyDisabled
	case domain.ModelStakeSecured, domain.ModelTEEAttested, domain.ModelHybrid:
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModel, req.Model)
	}
	if requester.IsZero() {
		return nil, fmt.Errorf("%w: requester is required", domain.ErrInvalidArgument)
	}
	if !req.Deadline.After(now) {
		return nil, domain.ErrDeadlineNotFuture
	}
	if !validCallback(req.CallbackURL) {
		return nil, fmt.Errorf("%w: invalid callback url", domain.ErrInvalidArgument)
	}
	exists, err := s.Identity.Exists(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, req.AgentID)
	}
	if min := s.params.minBounty(req.Model); req.Bounty < min {
		return nil, fmt.Errorf("%w: %d < %d", domain.ErrBountyTooLow, req.Bounty, min)
	}
	if req.Model.RequiresSelection() {
		owner, err := s.Identity.OwnerOf(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		if err := s.ownerStakeCheck(ctx, owner, now); err != nil {
			return nil, err
		}
	}

	traceParent, traceState := tracing.TraceContextStrings(ctx)
	rec = &domain.ValidationRecord{
		Request: domain.ValidationRequest{
			Hash:        hash,
			AgentID:     req.AgentID,
			Requester:   requester,
			TaskHash:    req.TaskHash,
			OutputHash:  req.OutputHash,
			Model:       req.Model,
			Salt:        req.Salt,
			Bounty:      req.Bounty,
			Deadline:    req.Deadline.UTC(),
			Status:      domain.StatusPending,
			CallbackURL: req.CallbackURL,
			TraceParent: traceParent,
			TraceState:  traceState,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Escrow: req.Bounty,
	}
	err = s.withLock(ctx, hash, func() error {
		return s.Store.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	metrics.ValidationRequestedTotal.WithLabelValues(string(req.Model)).Inc()
	s.Logger.Info("validation requested", "hash", hash.String(), "model", req.Model, "requester", requester.String(), "bounty", req.Bounty, "deadline", rec.Request.Deadline)
	if s.Notifier != nil {
		s.Notifier.NotifyRequestOpened(ctx, *rec)
	}
	return rec, nil
}

// eligibleCandidates normalizes the set and keeps verified, staked candidates
// that are not party to the request.
func (s *validationService) eligibleCandidates(ctx context.Context, rec *domain.ValidationRecord, owner domain.Address, candidates []domain.Address, now time.Time) ([]domain.Address, error) {
	var out []domain.Address
	for _, c := range oracle.Normalize(candidates) {
		if c == rec.Request.Requester || c == owner {
			continue
		}
		snap, err := s.Stake.StakeOf(ctx, c)
		if err != nil {
			if domain.KindOf(err) == domain.KindExternal {
				return nil, err
			}
			continue
		}
		if s.Staleness.Accept(snap, now) != nil || snap.Amount < s.params.MinValidatorStake {
			continue
		}
		verified, err := s.Stake.IsVerified(ctx, c)
		if err != nil {
			if domain.KindOf(err) == domain.KindExternal {
				return nil, err
			}
			continue
		}
		if !verified {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// candidatePool merges the caller's list with validators subscribed for the model.
func (s *validationService) candidatePool(ctx context.Context, model domain.TrustModel, candidates []domain.Address) ([]domain.Address, error) {
	if s.Pool == nil {
		return candidates, nil
	}
	pool, err := s.Pool.Candidates(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("%w: candidate pool: %v", domain.ErrDependency, err)
	}
	return append(append([]domain.Address(nil), candidates...), pool...), nil
}

func (s *validationService) SelectValidator(ctx context.Context, caller domain.Address, hash domain.Hash, candidates []domain.Address) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "select", hash)
	defer func() { finish(span, "select", err) }()

	err = s.withLock(ctx, hash, func() error {
		cur, err := s.Store.Get(ctx, hash)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		if !cur.Request.Model.RequiresSelection() {
			return domain.ErrModelNotSelectable
		}
		if cur.Request.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s", domain.ErrTerminalState, cur.Request.Status)
		}
		if !now.Before(cur.Request.Deadline) {
			return domain.ErrDeadlinePassed
		}
		if cur.Selection != nil {
			return domain.ErrValidatorAlreadySelected
		}
		if caller != cur.Request.Requester {
			return fmt.Errorf("%w: only the requester can trigger selection", domain.ErrNotAuthorized)
		}
		owner, err := s.Identity.OwnerOf(ctx, cur.Request.AgentID)
		if err != nil {
			return err
		}
		pool, err := s.candidatePool(ctx, cur.Request.Model, candidates)
		if err != nil {
			return err
		}
		eligible, err := s.eligibleCandidates(ctx, cur, owner, pool, now)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return domain.ErrNoEligibleValidators
		}
		if len(eligible) < s.params.MinSelectionCandidates {
			return fmt.Errorf("%w: %d eligible, need %d", domain.ErrNoEligibleValidators, len(eligible), s.params.MinSelectionCandidates)
		}
		sel, err := s.Oracle.SelectOne(ctx, hash, eligible)
		if err != nil {
			if errors.Is(err, oracle.ErrNoCandidates) {
				return domain.ErrNoEligibleValidators
			}
			return fmt.Errorf("%w: selection oracle: %v", domain.ErrDependency, err)
		}

		rec, err = s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
			if r.Request.Status != domain.StatusPending {
				return nil, domain.ErrTerminalState
			}
			if r.Selection != nil {
				return nil, domain.ErrValidatorAlreadySelected
			}
			r.Selection = &domain.SelectedValidator{
				Validator:  sel.Validator,
				Candidates: sel.Candidates,
				Randomness: sel.Randomness,
				Round:      sel.Round,
				SelectedAt: now,
			}
			r.Request.UpdatedAt = now
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ValidatorSelectedTotal.WithLabelValues(string(rec.Request.Model)).Inc()
	s.Logger.Info("validator selected", "hash", hash.String(), "validator", rec.Selection.Validator.String(), "candidates", len(rec.Selection.Candidates), "round", rec.Selection.Round, "caller", caller.String())
	if s.Notifier != nil {
		s.Notifier.NotifyValidatorSelected(ctx, *rec)
	}
	return rec, nil
}

// planSlash sizes a penalty of bps of principal's stake read at slash time.
func (s *validationService) planSlash(ctx context.Context, requestHash domain.Hash, principal domain.Address, bps uint32, reason domain.PenaltyReason, now time.Time) (domain.Penalty, error) {
	p := domain.Penalty{Principal: principal, Reason: reason, EvidenceHash: domain.PenaltyEvidence(requestHash, reason), At: now}
	snap, err := stakeAtSlashTime(ctx, s.Stake, principal)
	if err != nil {
		metrics.SlashesTotal.WithLabelValues(string(reason), "failure").Inc()
		return p, fmt.Errorf("%w: read stake: %w", domain.ErrSettlementFailed, err)
	}
	if p.Requested, err = domain.ApplyBps(snap.Amount, bps); err != nil {
		return p, err
	}
	return p, nil
}

// executeSlash hands a planned penalty to the ledger. The ledger deduplicates on
// the evidence hash, so a penalty retried after a failed commit is taken once.
func (s *validationService) executeSlash(ctx context.Context, requestHash domain.Hash, p *domain.Penalty) error {
	if p.Requested == 0 {
		return nil
	}
	slashed, err := s.Stake.RequestSlash(ctx, p.Principal, p.Requested, p.EvidenceHash)
	if err != nil {
		metrics.SlashesTotal.WithLabelValues(string(p.Reason), "failure").Inc()
		return fmt.Errorf("%w: slash: %w", domain.ErrSettlementFailed, err)
	}
	p.Slashed = slashed
	metrics.SlashesTotal.WithLabelValues(string(p.Reason), "success").Inc()
	metrics.SlashedUnitsTotal.WithLabelValues(string(p.Reason)).Add(float64(slashed))
	s.Logger.Warn("stake slashed", "hash", requestHash.String(), "principal", p.Principal.String(), "reason", p.Reason, "requested", p.Requested, "slashed", slashed)
	return nil
}

// slash plans and executes a penalty in one step.
func (s *validationService) slash(ctx context.Context, requestHash domain.Hash, principal domain.Address, bps uint32, reason domain.PenaltyReason, now time.Time) (domain.Penalty, error) {
	p, err := s.planSlash(ctx, requestHash, principal, bps, reason, now)
	if err != nil {
		return p, err
	}
	return p, s.executeSlash(ctx, requestHash, &p)
}

// sameResponse reports whether sub resubmits the recorded response.
func sameResponse(rc *domain.RecordedCompletion, caller domain.Address, sub Submission) bool {
	return rc.Response.Validator == caller &&
		rc.Response.Score == sub.Score &&
		bytes.Equal(rc.Response.Proof, sub.Proof)
}

func (s *validationService) SubmitValidation(ctx context.Context, caller domain.Address, hash domain.Hash, sub Submission) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "submit", hash)
	span.SetAttributes(attribute.Int("validq.score", int(sub.Score)))
	defer func() { finish(span, "submit", err) }()

	err = s.withLock(ctx, hash, func() error {
		cur, err := s.Store.Get(ctx, hash)
		if err != nil {
			return err
		}
		if cur.Request.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s", domain.ErrTerminalState, cur.Request.Status)
		}
		if cur.Recorded != nil {
			// The penalty may already be with the ledger: only this response can settle.
			if !sameResponse(cur.Recorded, caller, sub) {
				return domain.ErrResponseRecorded
			}
			rec, err = s.completeRecorded(ctx, cur)
			return err
		}
		rec, err = s.submitFresh(ctx, cur, caller, sub)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, rec, "validation completed", "validator", caller.String(), "score", rec.Response.Score)
	return rec, nil
}

func (s *validationService) submitFresh(ctx context.Context, cur *domain.ValidationRecord, caller domain.Address, sub Submission) (*domain.ValidationRecord, error) {
	hash := cur.Request.Hash
	now := s.Now().UTC()
	if !now.Before(cur.Request.Deadline) {
		return nil, domain.ErrDeadlinePassed
	}
	if sub.Score > 100 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidScore, sub.Score)
	}
	model := cur.Request.Model
	switch model {
	case domain.ModelStakeSecured, domain.ModelTEEAttested, domain.ModelHybrid:
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModel, model)
	}
	if model.RequiresSelection() {
		if cur.Selection == nil {
			return nil, domain.ErrNoValidatorSelected
		}
		if caller != cur.Selection.Validator {
			return nil, domain.ErrNotSelectedValidator
		}
	}
	if model.RequiresAttestation() {
		_, err := s.Verifier.Verify(ctx, sub.Proof, attestation.Subject{
			TaskHash:    cur.Request.TaskHash,
			OutputHash:  cur.Request.OutputHash,
			RequestHash: hash,
		})
		if err != nil {
			if domain.KindOf(err) == domain.KindVerification {
				metrics.AttestationRejectedTotal.WithLabelValues(domain.CodeOf(err)).Inc()
			}
			return nil, err
		}
	}

	owner, err := s.Identity.OwnerOf(ctx, cur.Request.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: owner lookup: %w", domain.ErrSettlementFailed, err)
	}
	settlement, transfers, err := completionPayout(s.params, cur.Request.Bounty, owner, caller, now)
	if err != nil {
		return nil, err
	}
	var penalty *domain.Penalty
	if model.RequiresSelection() && sub.Score < s.params.IncorrectComputationThreshold {
		p, err := s.planSlash(ctx, hash, owner, s.params.IncorrectComputationSlashBps, domain.PenaltyIncorrectComputation, now)
		if err != nil {
			return nil, err
		}
		penalty = &p
	}

	response := domain.ValidationResponse{
		Validator:  caller,
		Score:      sub.Score,
		Proof:      append([]byte(nil), sub.Proof...),
		DetailsURI: sub.DetailsURI,
		Timestamp:  now,
	}
	// Evidence goes up only once every check has passed; until the record
	// references it, any failure removes it again.
	evidencePath := ""
	if len(sub.Evidence) > 0 && s.Uploader != nil {
		evidencePath = providers.EvidencePath(hash, "response-"+caller.String())
		uri, err := s.Uploader.UploadBytes(ctx, evidencePath, "application/octet-stream", sub.Evidence)
		if err != nil {
			return nil, fmt.Errorf("%w: store evidence: %v", domain.ErrDependency, err)
		}
		if response.DetailsURI == "" {
			response.DetailsURI = uri
		}
	}
	dropEvidence := func() {
		if evidencePath == "" {
			return
		}
		if err := s.Uploader.Delete(context.WithoutCancel(ctx), evidencePath); err != nil {
			s.Logger.Warn("evidence cleanup failed", "hash", hash.String(), "path", evidencePath, "err", err)
		}
	}

	if penalty == nil {
		rec, err := s.commitCompletion(ctx, hash, response, settlement, transfers, nil)
		if err != nil {
			dropEvidence()
			return nil, err
		}
		return rec, nil
	}

	recorded, err := s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
		if r.Request.Status != domain.StatusPending {
			return nil, domain.ErrTerminalState
		}
		if r.Recorded != nil {
			return nil, domain.ErrResponseRecorded
		}
		r.Recorded = &domain.RecordedCompletion{Response: response, Penalty: *penalty}
		r.Request.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		dropEvidence()
		return nil, settlementErr(err)
	}
	return s.completeRecorded(ctx, recorded)
}

// completeRecorded slashes the recorded penalty and settles the recorded response.
func (s *validationService) completeRecorded(ctx context.Context, cur *domain.ValidationRecord) (*domain.ValidationRecord, error) {
	rc := cur.Recorded
	owner, err := s.Identity.OwnerOf(ctx, cur.Request.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: owner lookup: %w", domain.ErrSettlementFailed, err)
	}
	settlement, transfers, err := completionPayout(s.params, cur.Request.Bounty, owner, rc.Response.Validator, s.Now().UTC())
	if err != nil {
		return nil, err
	}
	penalty := rc.Penalty
	if err := s.executeSlash(ctx, cur.Request.Hash, &penalty); err != nil {
		return nil, err
	}
	return s.commitCompletion(ctx, cur.Request.Hash, rc.Response, settlement, transfers, &penalty)
}

func (s *validationService) commitCompletion(ctx context.Context, hash domain.Hash, response domain.ValidationResponse, settlement domain.Settlement, transfers []domain.Transfer, penalty *domain.Penalty) (*domain.ValidationRecord, error) {
	now := s.Now().UTC()
	rec, err := s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
		if r.Request.Status != domain.StatusPending {
			return nil, domain.ErrTerminalState
		}
		if r.Escrow != r.Request.Bounty {
			return nil, fmt.Errorf("escrow %d does not match bounty %d", r.Escrow, r.Request.Bounty)
		}
		resp := response
		resp.Proof = append([]byte(nil), response.Proof...)
		r.Response = &resp
		r.Recorded = nil
		r.Request.Status = domain.StatusCompleted
		r.Request.UpdatedAt = now
		st := settlement
		r.Settlement = &st
		r.Escrow = 0
		if penalty != nil {
			r.Penalties = append(r.Penalties, *penalty)
		}
		return transfers, nil
	})
	if err != nil {
		return nil, settlementErr(err)
	}
	return rec, nil
}

func (s *validationService) SlashForMissedDeadline(ctx context.Context, caller domain.Address, hash domain.Hash) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "slash", hash)
	defer func() { finish(span, "slash", err) }()

	err = s.withLock(ctx, hash, func() error {
		cur, err := s.Store.Get(ctx, hash)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		if cur.Request.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s", domain.ErrTerminalState, cur.Request.Status)
		}
		if !cur.Request.Model.RequiresSelection() {
			return domain.ErrModelNotSlashable
		}
		if cur.Selection == nil {
			return domain.ErrNoValidatorSelected
		}
		if cur.Recorded != nil {
			return domain.ErrResponseRecorded
		}
		if now.Before(cur.Request.Deadline) {
			return domain.ErrDeadlineNotReached
		}

		validator := cur.Selection.Validator
		penalty, err := s.slash(ctx, hash, validator, s.params.MissedDeadlineSlashBps, domain.PenaltyMissedDeadline, now)
		if err != nil {
			return err
		}

		rec, err = s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
			if r.Request.Status != domain.StatusPending {
				return nil, domain.ErrTerminalState
			}
			settlement, transfers := refundPayout(r, now)
			r.Request.Status = domain.StatusExpired
			r.Request.UpdatedAt = now
			r.Settlement = &settlement
			r.Escrow = 0
			r.Penalties = append(r.Penalties, penalty)
			return transfers, nil
		})
		if err != nil {
			return settlementErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, rec, "validation expired", "validator", rec.Selection.Validator.String(), "caller", caller.String())
	return rec, nil
}

func (s *validationService) ReclaimExpired(ctx context.Context, caller domain.Address, hash domain.Hash) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "reclaim", hash)
	defer func() { finish(span, "reclaim", err) }()

	err = s.withLock(ctx, hash, func() error {
		cur, err := s.Store.Get(ctx, hash)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		if cur.Request.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s", domain.ErrTerminalState, cur.Request.Status)
		}
		if cur.Selection != nil {
			return domain.ErrValidatorSelected
		}
		if cur.Recorded != nil {
			return domain.ErrResponseRecorded
		}
		if now.Before(cur.Request.Deadline) {
			return domain.ErrDeadlineNotReached
		}
		rec, err = s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
			if r.Request.Status != domain.StatusPending {
				return nil, domain.ErrTerminalState
			}
			if r.Selection != nil {
				return nil, domain.ErrValidatorSelected
			}
			settlement, transfers := refundPayout(r, now)
			r.Request.Status = domain.StatusExpired
			r.Request.UpdatedAt = now
			r.Settlement = &settlement
			r.Escrow = 0
			return transfers, nil
		})
		if err != nil {
			return settlementErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, rec, "validation reclaimed", "caller", caller.String())
	return rec, nil
}

func (s *validationService) DisputeValidation(ctx context.Context, caller domain.Address, hash domain.Hash, evidence []byte) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "dispute", hash)
	defer func() { finish(span, "dispute", err) }()

	err = s.withLock(ctx, hash, func() error {
		cur, err := s.Store.Get(ctx, hash)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		switch cur.Request.Status {
		case domain.StatusCompleted:
		case domain.StatusDisputed:
			return domain.ErrDisputeExists
		case domain.StatusPending:
			return domain.ErrNotDisputable
		default:
			return fmt.Errorf("%w: %s", domain.ErrTerminalState, cur.Request.Status)
		}
		if caller != cur.Request.Requester {
			ok, err := s.Identity.IsOperator(ctx, cur.Request.AgentID, caller)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s may not dispute", domain.ErrNotAuthorized, caller)
			}
		}
		if len(evidence) == 0 {
			return domain.ErrEvidenceRequired
		}

		rec, err = s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
			if r.Request.Status == domain.StatusDisputed || r.Dispute != nil {
				return nil, domain.ErrDisputeExists
			}
			if !domain.CanTransition(r.Request.Status, domain.StatusDisputed) {
				return nil, domain.ErrTerminalState
			}
			r.Dispute = &domain.Dispute{
				ID:        uuid.NewString(),
				Disputant: caller,
				Evidence:  append([]byte(nil), evidence...),
				Timestamp: now,
			}
			r.Request.Status = domain.StatusDisputed
			r.Request.UpdatedAt = now
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, rec, "validation disputed", "disputant", caller.String(), "dispute_id", rec.Dispute.ID)
	return rec, nil
}

func (s *validationService) ResolveDispute(ctx context.Context, arbitrator domain.Address, hash domain.Hash, resolution string) (rec *domain.ValidationRecord, err error) {
	ctx, span := s.startSpan(ctx, "resolve", hash)
	defer func() { finish(span, "resolve", err) }()

	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return nil, fmt.Errorf("%w: resolution is required", domain.ErrInvalidArgument)
	}
	err = s.withLock(ctx, hash, func() error {
		now := s.Now().UTC()
		var err error
		rec, err = s.Store.Update(ctx, hash, func(r *domain.ValidationRecord) ([]domain.Transfer, error) {
			if r.Request.Status != domain.StatusDisputed || r.Dispute == nil {
				return nil, domain.ErrNoDispute
			}
			if r.Dispute.Resolved {
				return nil, fmt.Errorf("%w: dispute already resolved", domain.ErrTerminalState)
			}
			by, at := arbitrator, now
			r.Dispute.Resolved = true
			r.Dispute.ResolvedBy = &by
			r.Dispute.ResolvedAt = &at
			r.Dispute.Resolution = resolution
			r.Request.UpdatedAt = now
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("dispute resolved", "hash", hash.String(), "arbitrator", arbitrator.String())
	return rec, nil
}

// afterTransition emits metrics, logs and requester callbacks for a committed status change.
func (s *validationService) afterTransition(ctx context.Context, rec *domain.ValidationRecord, msg string, attrs ...any) {
	metrics.ValidationTransitionsTotal.WithLabelValues(string(rec.Request.Model), string(rec.Request.Status)).Inc()
	if rec.Request.Status != domain.StatusDisputed {
		observeSettlement(rec)
	}
	args := append([]any{"hash", rec.Request.Hash.String(), "model", rec.Request.Model, "status", rec.Request.Status}, attrs...)
	s.Logger.Info(msg, args...)
	if s.Callbacks != nil {
		s.Callbacks.Send(ctx, *rec)
	}
}

func (s *validationService) GetValidation(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error) {
	return s.Store.Get(ctx, hash)
}

func (s *validationService) IsDisputed(ctx context.Context, hash domain.Hash) (bool, error) {
	rec, err := s.Store.Get(ctx, hash)
	if err != nil {
		return false, err
	}
	return rec.Request.Status == domain.StatusDisputed, nil
}

func (s *validationService) ListOverdue(ctx context.Context, limit int) ([]domain.Hash, error) {
	return s.Store.DueBefore(ctx, s.Now().UTC(), limit)
}

func (s *validationService) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	return s.Store.Balance(ctx, addr)
}

func (s *validationService) Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error) {
	if addr.IsZero() || amount == 0 {
		return 0, fmt.Errorf("%w: address and a positive amount are required", domain.ErrInvalidArgument)
	}
	return s.Store.Deposit(ctx, addr, amount)
}
