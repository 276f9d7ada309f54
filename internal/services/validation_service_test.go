package services

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-redis/redis/v8"

	"github.com/osvaldoandrade/validq/internal/attestation"
	"github.com/osvaldoandrade/validq/internal/oracle"
	"github.com/osvaldoandrade/validq/internal/providers"
	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"
	"github.com/osvaldoandrade/validq/pkg/persistence/memory"
)

var (
	treasury    = domain.MustParseAddress("0x00000000000000000000000000000000000000aa")
	owner       = domain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	operator    = domain.MustParseAddress("0x00000000000000000000000000000000000000a3")
	requester   = domain.MustParseAddress("0x00000000000000000000000000000000000000c1")
	validator   = domain.MustParseAddress("0x00000000000000000000000000000000000000b1")
	second      = domain.MustParseAddress("0x00000000000000000000000000000000000000b2")
	underStaked = domain.MustParseAddress("0x00000000000000000000000000000000000000b3")
	stranger    = domain.MustParseAddress("0x00000000000000000000000000000000000000ff")

	agentID     = domain.Keccak256([]byte("agent"))
	taskHash    = domain.Keccak256([]byte("task"))
	outputHash  = domain.Keccak256([]byte("output"))
	measurement = domain.Keccak256([]byte("enclave-v1"))
)

const (
	ownerStake     = 1_000_000_000
	validatorStake = 500_000_000
	initialBalance = 100_000_000
	tenUnits       = 10_000_000
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyLedger fails slash requests on demand.
type flakyLedger struct {
	*providers.CachedStakeLedger
	failSlash atomic.Bool
}

func (l *flakyLedger) RequestSlash(ctx context.Context, principal domain.Address, amount uint64, evidence domain.Hash) (uint64, error) {
	if l.failSlash.Load() {
		return 0, errors.New("ledger offline")
	}
	return l.CachedStakeLedger.RequestSlash(ctx, principal, amount, evidence)
}

// failingStore lets the next pass commits through, then fails the next failures.
type failingStore struct {
	persistence.ValidationStorage
	pass     atomic.Int32
	failures atomic.Int32
}

func (s *failingStore) Update(ctx context.Context, hash domain.Hash, fn persistence.Mutation) (*domain.ValidationRecord, error) {
	if s.failures.Load() > 0 && s.pass.Load() > 0 {
		s.pass.Add(-1)
		return s.ValidationStorage.Update(ctx, hash, fn)
	}
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errors.New("commit aborted")
	}
	return s.ValidationStorage.Update(ctx, hash, fn)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	svc      ValidationService
	store    *failingStore
	ledger   *flakyLedger
	inner    *providers.RedisStakeLedger
	identity *providers.RedisIdentityDirectory
	plugin   *memory.Plugin
	clock    *fakeClock
	key      *secp256k1.PrivateKey
	salt     uint64
	// artifacts is the uploader's root directory.
	artifacts string
}

func newHarness(t *testing.T, opts ...func(*ValidationDeps, *Params)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	plugin := memory.New()
	identity := providers.NewRedisIdentityDirectory(rdb)
	inner := providers.NewRedisStakeLedger(rdb, clock.Now)
	ledger := &flakyLedger{CachedStakeLedger: providers.NewCachedStakeLedger(inner, rdb, time.Hour)}
	store := &failingStore{ValidationStorage: plugin.ValidationStorage()}
	artifacts := t.TempDir()

	if err := identity.Register(ctx, domain.Agent{ID: agentID, Owner: owner, Operators: []domain.Address{operator}}); err != nil {
		t.Fatal(err)
	}
	for addr, amount := range map[domain.Address]uint64{owner: ownerStake, validator: validatorStake, second: validatorStake, underStaked: 1} {
		if err := inner.SetStake(ctx, addr, amount, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Deposit(ctx, requester, initialBalance); err != nil {
		t.Fatal(err)
	}

	key, err := attestation.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := plugin.AttestorStorage().PutAttestor(ctx, domain.TrustedAttestor{
		Address:     attestation.AddressOf(key.PubKey()),
		Measurement: measurement,
	}); err != nil {
		t.Fatal(err)
	}

	deps := ValidationDeps{
		Store:     store,
		Locker:    plugin.Locker(),
		Identity:  identity,
		Stake:     ledger,
		Oracle:    oracle.New(oracle.NewLocalBeacon("test-secret", 30*time.Second, clock.Now)),
		Verifier:  attestation.NewVerifier(plugin.AttestorStorage(), time.Hour, clock.Now),
		Staleness: MaxAgePolicy{MaxAge: 5 * time.Minute},
		Uploader:  providers.NewLocalUploader(artifacts),
		Now:       clock.Now,
	}
	params := harnessParams()
	for _, opt := range opts {
		opt(&deps, &params)
	}
	svc := NewValidationService(deps, params)

	return &harness{
		t: t, ctx: ctx, svc: svc, store: store, ledger: ledger, inner: inner,
		identity: identity, plugin: plugin, clock: clock, key: key, artifacts: artifacts,
	}
}

// harnessParams lets a single staked candidate be drawn.
func harnessParams() Params {
	p := DefaultParams(treasury)
	p.MinSelectionCandidates = 1
	return p
}

func (h *harness) nextSalt() domain.Hash {
	h.salt++
	return domain.Keccak256([]byte("salt"), []byte{byte(h.salt >> 8), byte(h.salt)})
}

func (h *harness) request(model domain.TrustModel, bounty uint64) CreateRequest {
	return CreateRequest{
		AgentID:    agentID,
		TaskHash:   taskHash,
		OutputHash: outputHash,
		Model:      model,
		Bounty:     bounty,
		Deadline:   h.clock.Now().Add(time.Hour),
		Salt:       h.nextSalt(),
	}
}

func (h *harness) create(model domain.TrustModel, bounty uint64) *domain.ValidationRecord {
	h.t.Helper()
	rec, err := h.svc.RequestValidation(h.ctx, requester, h.request(model, bounty))
	if err != nil {
		h.t.Fatalf("RequestValidation(%s): %v", model, err)
	}
	return rec
}

func (h *harness) createSelected(model domain.TrustModel, bounty uint64) *domain.ValidationRecord {
	h.t.Helper()
	rec := h.create(model, bounty)
	sel, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, []domain.Address{validator})
	if err != nil {
		h.t.Fatalf("SelectValidator: %v", err)
	}
	if sel.Selection.Validator != validator {
		h.t.Fatalf("selected %s, want %s", sel.Selection.Validator, validator)
	}
	return sel
}

func (h *harness) proof(key *secp256k1.PrivateKey, meas domain.Hash, reqHash domain.Hash, at time.Time) []byte {
	p := attestation.Attest(key, meas, taskHash, outputHash, reqHash, uint64(at.Unix()))
	return p.Encode()
}

func (h *harness) balance(a domain.Address) uint64 {
	h.t.Helper()
	b, err := h.store.Balance(h.ctx, a)
	if err != nil {
		h.t.Fatal(err)
	}
	return b
}

func (h *harness) stake(a domain.Address) uint64 {
	h.t.Helper()
	snap, err := h.inner.StakeOf(h.ctx, a)
	if err != nil {
		h.t.Fatal(err)
	}
	return snap.Amount
}

func (h *harness) status(hash domain.Hash) domain.Status {
	h.t.Helper()
	rec, err := h.svc.GetValidation(h.ctx, hash)
	if err != nil {
		h.t.Fatal(err)
	}
	return rec.Request.Status
}

func TestRequestValidationRejectsReputationOnly(t *testing.T) {
	h := newHarness(t)
	for _, bounty := range []uint64{0, 1, tenUnits, math.MaxUint64} {
		_, err := h.svc.RequestValidation(h.ctx, requester, h.request(domain.ModelReputationOnly, bounty))
		if !errors.Is(err, domain.ErrReputationOnlyDisabled) {
			t.Fatalf("bounty %d: err = %v, want ErrReputationOnlyDisabled", bounty, err)
		}
	}
	if got := h.balance(requester); got != initialBalance {
		t.Fatalf("balance = %d, want %d", got, initialBalance)
	}
}

func TestRequestValidationPreconditions(t *testing.T) {
	h := newHarness(t)
	poorAgent := domain.Keccak256([]byte("poor-agent"))
	poorOwner := domain.MustParseAddress("0x00000000000000000000000000000000000000d1")
	if err := h.identity.Register(h.ctx, domain.Agent{ID: poorAgent, Owner: poorOwner}); err != nil {
		t.Fatal(err)
	}
	if err := h.inner.SetStake(h.ctx, poorOwner, 10, true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		caller domain.Address
		mutate func(*CreateRequest)
		want   error
	}{
		{"unknown model", requester, func(r *CreateRequest) { r.Model = "MAGIC" }, domain.ErrUnknownModel},
		{"deadline now", requester, func(r *CreateRequest) { r.Deadline = h.clock.Now() }, domain.ErrDeadlineNotFuture},
		{"deadline past", requester, func(r *CreateRequest) { r.Deadline = h.clock.Now().Add(-time.Minute) }, domain.ErrDeadlineNotFuture},
		{"unknown agent", requester, func(r *CreateRequest) { r.AgentID = domain.Keccak256([]byte("ghost")) }, domain.ErrAgentNotFound},
		{"stake secured bounty too low", requester, func(r *CreateRequest) { r.Bounty = 999_999 }, domain.ErrBountyTooLow},
		{"tee bounty too low", requester, func(r *CreateRequest) { r.Model = domain.ModelTEEAttested; r.Bounty = 1 }, domain.ErrBountyTooLow},
		{"owner stake too low", requester, func(r *CreateRequest) { r.AgentID = poorAgent }, domain.ErrInsufficientOwnerStake},
		{"insufficient funds", stranger, func(*CreateRequest) {}, domain.ErrInsufficientFunds},
		{"bad callback", requester, func(r *CreateRequest) { r.CallbackURL = "ftp://x" }, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request(domain.ModelStakeSecured, tenUnits)
			tt.mutate(&req)
			_, err := h.svc.RequestValidation(h.ctx, tt.caller, req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if domain.KindOf(err) != domain.KindPrecondition {
				t.Fatalf("kind = %s, want precondition", domain.KindOf(err))
			}
		})
	}
	if got := h.balance(requester); got != initialBalance {
		t.Fatalf("balance = %d, want untouched %d", got, initialBalance)
	}
}

func TestRequestValidationEscrowsBounty(t *testing.T) {
	h := newHarness(t)
	rec := h.create(domain.ModelStakeSecured, tenUnits)

	if rec.Request.Status != domain.StatusPending || rec.Escrow != tenUnits {
		t.Fatalf("record = %+v", rec.Request)
	}
	if got := h.balance(requester); got != initialBalance-tenUnits {
		t.Fatalf("balance = %d, want %d", got, initialBalance-tenUnits)
	}
	want := domain.RequestHash(agentID, requester, taskHash, outputHash, domain.ModelStakeSecured, rec.Request.Salt)
	if rec.Request.Hash != want {
		t.Fatalf("hash = %s, want %s", rec.Request.Hash, want)
	}

	// Same inputs and salt hash to the same request.
	dup := h.request(domain.ModelStakeSecured, tenUnits)
	dup.Salt = rec.Request.Salt
	if _, err := h.svc.RequestValidation(h.ctx, requester, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyExists", err)
	}
}

func TestRequestValidationGeneratesSalt(t *testing.T) {
	h := newHarness(t)
	req := h.request(domain.ModelTEEAttested, tenUnits)
	req.Salt = domain.ZeroHash
	a, err := h.svc.RequestValidation(h.ctx, requester, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.svc.RequestValidation(h.ctx, requester, req)
	if err != nil {
		t.Fatal(err)
	}
	if a.Request.Salt.IsZero() || a.Request.Hash == b.Request.Hash {
		t.Fatalf("salts not generated: %s %s", a.Request.Hash, b.Request.Hash)
	}
}

func TestRequestValidationRejectsStaleOwnerStake(t *testing.T) {
	h := newHarness(t)
	h.create(domain.ModelStakeSecured, tenUnits) // caches the owner's snapshot

	h.clock.Advance(10 * time.Minute)
	_, err := h.svc.RequestValidation(h.ctx, requester, h.request(domain.ModelStakeSecured, tenUnits))
	if !errors.Is(err, domain.ErrStaleStake) {
		t.Fatalf("err = %v, want ErrStaleStake", err)
	}

	// TEE requests do not depend on the owner's stake.
	h.create(domain.ModelTEEAttested, tenUnits)
}

func TestSelectValidator(t *testing.T) {
	h := newHarness(t)

	t.Run("binds an eligible candidate", func(t *testing.T) {
		rec := h.create(domain.ModelHybrid, tenUnits)
		cands := []domain.Address{second, requester, owner, validator, underStaked, validator, domain.ZeroAddress}
		sel, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, cands)
		if err != nil {
			t.Fatal(err)
		}
		got := sel.Selection
		if len(got.Candidates) != 2 || got.Candidates[0] != validator || got.Candidates[1] != second {
			t.Fatalf("candidates = %v, want [%s %s]", got.Candidates, validator, second)
		}
		if got.Validator != validator && got.Validator != second {
			t.Fatalf("selected %s outside the eligible set", got.Validator)
		}
		if _, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, cands); !errors.Is(err, domain.ErrValidatorAlreadySelected) {
			t.Fatalf("second select err = %v, want ErrValidatorAlreadySelected", err)
		}
	})

	t.Run("tee is not selectable", func(t *testing.T) {
		rec := h.create(domain.ModelTEEAttested, tenUnits)
		_, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, []domain.Address{validator})
		if !errors.Is(err, domain.ErrModelNotSelectable) {
			t.Fatalf("err = %v, want ErrModelNotSelectable", err)
		}
	})

	t.Run("parties and under-staked candidates are dropped", func(t *testing.T) {
		rec := h.create(domain.ModelStakeSecured, tenUnits)
		_, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, []domain.Address{requester, owner, underStaked})
		if !errors.Is(err, domain.ErrNoEligibleValidators) {
			t.Fatalf("err = %v, want ErrNoEligibleValidators", err)
		}
		if _, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, nil); !errors.Is(err, domain.ErrNoEligibleValidators) {
			t.Fatalf("empty set err = %v, want ErrNoEligibleValidators", err)
		}
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := h.svc.SelectValidator(h.ctx, requester, domain.Keccak256([]byte("nope")), []domain.Address{validator})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

type staticPool struct {
	addrs []domain.Address
	err   error
}

func (p staticPool) Candidates(context.Context, domain.TrustModel) ([]domain.Address, error) {
	return p.addrs, p.err
}

func TestSelectValidatorRequiresRequester(t *testing.T) {
	h := newHarness(t)
	rec := h.create(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash

	for _, caller := range []domain.Address{second, validator, stranger, owner} {
		_, err := h.svc.SelectValidator(h.ctx, caller, hash, []domain.Address{caller})
		if !errors.Is(err, domain.ErrNotAuthorized) {
			t.Fatalf("SelectValidator(%s) err = %v, want ErrNotAuthorized", caller, err)
		}
	}
	got, err := h.svc.GetValidation(h.ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Selection != nil {
		t.Fatalf("selection bound by a non-requester: %+v", got.Selection)
	}
}

func TestSelectValidatorMinimumCandidates(t *testing.T) {
	h := newHarness(t, func(_ *ValidationDeps, p *Params) { p.MinSelectionCandidates = 2 })
	rec := h.create(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash

	for name, cands := range map[string][]domain.Address{
		"single":              {validator},
		"one eligible of two": {validator, underStaked},
	} {
		if _, err := h.svc.SelectValidator(h.ctx, requester, hash, cands); !errors.Is(err, domain.ErrNoEligibleValidators) {
			t.Fatalf("%s err = %v, want ErrNoEligibleValidators", name, err)
		}
	}
	sel, err := h.svc.SelectValidator(h.ctx, requester, hash, []domain.Address{validator, second})
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Selection.Candidates) != 2 {
		t.Fatalf("candidates = %v", sel.Selection.Candidates)
	}
}

func TestSelectValidatorSkipsUnverified(t *testing.T) {
	h := newHarness(t)
	unverified := domain.MustParseAddress("0x00000000000000000000000000000000000000b4")
	if err := h.inner.SetStake(h.ctx, unverified, validatorStake, false); err != nil {
		t.Fatal(err)
	}
	rec := h.create(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash

	if _, err := h.svc.SelectValidator(h.ctx, requester, hash, []domain.Address{unverified}); !errors.Is(err, domain.ErrNoEligibleValidators) {
		t.Fatalf("err = %v, want ErrNoEligibleValidators", err)
	}
	sel, err := h.svc.SelectValidator(h.ctx, requester, hash, []domain.Address{unverified, validator})
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Selection.Candidates) != 1 || sel.Selection.Validator != validator {
		t.Fatalf("selection = %+v", sel.Selection)
	}
}

func TestSelectValidatorUsesCandidatePool(t *testing.T) {
	pool := staticPool{addrs: []domain.Address{second, validator, requester}}
	h := newHarness(t, func(d *ValidationDeps, p *Params) {
		d.Pool = pool
		p.MinSelectionCandidates = 2
	})
	rec := h.create(domain.ModelStakeSecured, tenUnits)

	sel, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := sel.Selection.Candidates
	if len(got) != 2 || got[0] != validator || got[1] != second {
		t.Fatalf("candidates = %v, want [%s %s]", got, validator, second)
	}

	broken := newHarness(t, func(d *ValidationDeps, _ *Params) { d.Pool = staticPool{err: errors.New("redis down")} })
	other := broken.create(domain.ModelStakeSecured, tenUnits)
	if _, err := broken.svc.SelectValidator(broken.ctx, requester, other.Request.Hash, []domain.Address{validator}); !errors.Is(err, domain.ErrDependency) {
		t.Fatalf("err = %v, want ErrDependency", err)
	}
}

func TestSelectValidatorAfterDeadline(t *testing.T) {
	h := newHarness(t)
	rec := h.create(domain.ModelStakeSecured, tenUnits)
	h.clock.Advance(time.Hour)
	_, err := h.svc.SelectValidator(h.ctx, requester, rec.Request.Hash, []domain.Address{validator})
	if !errors.Is(err, domain.ErrDeadlinePassed) {
		t.Fatalf("err = %v, want ErrDeadlinePassed", err)
	}
}

func TestStakeSecuredSettlement(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)

	done, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 85, DetailsURI: "ipfs://report"})
	if err != nil {
		t.Fatalf("SubmitValidation: %v", err)
	}
	if done.Request.Status != domain.StatusCompleted || done.Escrow != 0 {
		t.Fatalf("record = %+v escrow %d", done.Request, done.Escrow)
	}
	if done.Response == nil || done.Response.Score != 85 || done.Response.DetailsURI != "ipfs://report" {
		t.Fatalf("response = %+v", done.Response)
	}

	for addr, want := range map[domain.Address]uint64{treasury: 1_000_000, owner: 900_000, validator: 8_100_000} {
		if got := h.balance(addr); got != want {
			t.Errorf("balance(%s) = %d, want %d", addr, got, want)
		}
	}
	if len(done.Penalties) != 0 {
		t.Fatalf("unexpected penalties: %+v", done.Penalties)
	}
	if got := h.stake(owner); got != ownerStake {
		t.Fatalf("owner stake = %d, want %d", got, ownerStake)
	}
}

func TestLowScoreSlashesOwner(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)

	done, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 10})
	if err != nil {
		t.Fatalf("SubmitValidation: %v", err)
	}
	for addr, want := range map[domain.Address]uint64{treasury: 1_000_000, owner: 900_000, validator: 8_100_000} {
		if got := h.balance(addr); got != want {
			t.Errorf("balance(%s) = %d, want %d", addr, got, want)
		}
	}
	if len(done.Penalties) != 1 {
		t.Fatalf("penalties = %+v, want one", done.Penalties)
	}
	p := done.Penalties[0]
	if p.Principal != owner || p.Reason != domain.PenaltyIncorrectComputation || p.Requested != ownerStake/2 || p.Slashed != ownerStake/2 {
		t.Fatalf("penalty = %+v", p)
	}
	if p.EvidenceHash != domain.PenaltyEvidence(rec.Request.Hash, domain.PenaltyIncorrectComputation) {
		t.Fatalf("evidence hash = %s", p.EvidenceHash)
	}
	if got := h.stake(owner); got != ownerStake/2 {
		t.Fatalf("owner stake = %d, want %d", got, ownerStake/2)
	}
}

func TestScoreThreshold(t *testing.T) {
	tests := []struct {
		score     uint8
		model     domain.TrustModel
		wantSlash bool
	}{
		{0, domain.ModelStakeSecured, true},
		{49, domain.ModelStakeSecured, true},
		{50, domain.ModelStakeSecured, false},
		{51, domain.ModelStakeSecured, false},
		{100, domain.ModelStakeSecured, false},
		{49, domain.ModelHybrid, true},
		{50, domain.ModelHybrid, false},
		{0, domain.ModelTEEAttested, false},
	}
	for _, tt := range tests {
		h := newHarness(t)
		var rec *domain.ValidationRecord
		if tt.model.RequiresSelection() {
			rec = h.createSelected(tt.model, tenUnits)
		} else {
			rec = h.create(tt.model, tenUnits)
		}
		sub := Submission{Score: tt.score}
		if tt.model.RequiresAttestation() {
			sub.Proof = h.proof(h.key, measurement, rec.Request.Hash, h.clock.Now())
		}
		done, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, sub)
		if err != nil {
			t.Fatalf("%s score %d: %v", tt.model, tt.score, err)
		}
		if got := len(done.Penalties) == 1; got != tt.wantSlash {
			t.Errorf("%s score %d: slashed = %v, want %v", tt.model, tt.score, got, tt.wantSlash)
		}
		wantStake := uint64(ownerStake)
		if tt.wantSlash {
			wantStake = ownerStake / 2
		}
		if got := h.stake(owner); got != wantStake {
			t.Errorf("%s score %d: owner stake = %d, want %d", tt.model, tt.score, got, wantStake)
		}
	}
}

func TestSlashUsesStakeAtSlashTime(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)

	// The cache still holds the earlier snapshot.
	if err := h.inner.SetStake(h.ctx, owner, 400_000_000, true); err != nil {
		t.Fatal(err)
	}
	if snap, _ := h.ledger.StakeOf(h.ctx, owner); snap.Amount != ownerStake {
		t.Fatalf("cached amount = %d, want %d", snap.Amount, ownerStake)
	}

	done, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 0})
	if err != nil {
		t.Fatal(err)
	}
	if got := done.Penalties[0].Slashed; got != 200_000_000 {
		t.Fatalf("slashed = %d, want 200000000", got)
	}
	if got := h.stake(owner); got != 200_000_000 {
		t.Fatalf("owner stake = %d, want 200000000", got)
	}
}

func TestSubmitValidationPreconditions(t *testing.T) {
	h := newHarness(t)

	pending := h.create(domain.ModelStakeSecured, tenUnits)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, pending.Request.Hash, Submission{Score: 90}); !errors.Is(err, domain.ErrNoValidatorSelected) {
		t.Fatalf("unbound err = %v, want ErrNoValidatorSelected", err)
	}

	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	if _, err := h.svc.SubmitValidation(h.ctx, second, hash, Submission{Score: 90}); !errors.Is(err, domain.ErrNotSelectedValidator) {
		t.Fatalf("wrong caller err = %v, want ErrNotSelectedValidator", err)
	}
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 101}); !errors.Is(err, domain.ErrInvalidScore) {
		t.Fatalf("score err = %v, want ErrInvalidScore", err)
	}
	if h.status(hash) != domain.StatusPending {
		t.Fatal("rejected submissions must not change state")
	}

	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90}); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90})
	if !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("resubmit err = %v, want ErrTerminalState", err)
	}

	late := h.createSelected(domain.ModelStakeSecured, tenUnits)
	h.clock.Advance(time.Hour)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, late.Request.Hash, Submission{Score: 90}); !errors.Is(err, domain.ErrDeadlinePassed) {
		t.Fatalf("late err = %v, want ErrDeadlinePassed", err)
	}
}

func TestSubmitValidationStoresEvidence(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	done, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 70, Evidence: []byte("trace")})
	if err != nil {
		t.Fatal(err)
	}
	if uri := done.Response.DetailsURI; len(uri) < len("file://") || uri[:7] != "file://" {
		t.Fatalf("details uri = %q", uri)
	}
}

func TestTEEAttestation(t *testing.T) {
	h := newHarness(t)
	untrusted, err := attestation.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		proof func(hash domain.Hash) []byte
		want  error
	}{
		{"malformed", func(domain.Hash) []byte { return []byte{1, 2, 3} }, domain.ErrAttestationMalformed},
		{"untrusted attestor with a registered measurement", func(hash domain.Hash) []byte {
			return h.proof(untrusted, measurement, hash, h.clock.Now())
		}, domain.ErrAttestorNotTrusted},
		{"measurement mismatch", func(hash domain.Hash) []byte {
			return h.proof(h.key, domain.Keccak256([]byte("other-enclave")), hash, h.clock.Now())
		}, domain.ErrMeasurementMismatch},
		{"older than an hour", func(hash domain.Hash) []byte {
			return h.proof(h.key, measurement, hash, h.clock.Now().Add(-time.Hour-time.Second))
		}, domain.ErrAttestationStale},
		{"signed for another request", func(domain.Hash) []byte {
			return h.proof(h.key, measurement, domain.Keccak256([]byte("other")), h.clock.Now())
		}, domain.ErrAttestationSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.create(domain.ModelTEEAttested, tenUnits)
			before := h.balance(requester)
			_, err := h.svc.SubmitValidation(h.ctx, stranger, rec.Request.Hash, Submission{Score: 90, Proof: tt.proof(rec.Request.Hash)})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if domain.KindOf(err) != domain.KindVerification {
				t.Fatalf("kind = %s, want verification", domain.KindOf(err))
			}
			if h.status(rec.Request.Hash) != domain.StatusPending || h.balance(requester) != before {
				t.Fatal("failed attestation must leave no side effects")
			}
		})
	}

	t.Run("fresh proof from any caller", func(t *testing.T) {
		rec := h.create(domain.ModelTEEAttested, tenUnits)
		at := h.clock.Now().Add(-59 * time.Minute)
		done, err := h.svc.SubmitValidation(h.ctx, stranger, rec.Request.Hash, Submission{Score: 10, Proof: h.proof(h.key, measurement, rec.Request.Hash, at)})
		if err != nil {
			t.Fatal(err)
		}
		if done.Settlement.Validator != stranger || len(done.Penalties) != 0 {
			t.Fatalf("settlement = %+v penalties = %+v", done.Settlement, done.Penalties)
		}
	})
}

func TestHybridRequiresSelectionAndAttestation(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelHybrid, tenUnits)
	hash := rec.Request.Hash
	good := h.proof(h.key, measurement, hash, h.clock.Now())

	if _, err := h.svc.SubmitValidation(h.ctx, second, hash, Submission{Score: 90, Proof: good}); !errors.Is(err, domain.ErrNotSelectedValidator) {
		t.Fatalf("unbound caller err = %v, want ErrNotSelectedValidator", err)
	}
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90}); !errors.Is(err, domain.ErrInvalidAttestation) {
		t.Fatalf("missing proof err = %v, want ErrInvalidAttestation", err)
	}
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90, Proof: good}); err != nil {
		t.Fatalf("valid hybrid submission: %v", err)
	}
}

func TestSlashForMissedDeadline(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	afterEscrow := h.balance(requester)

	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, hash); !errors.Is(err, domain.ErrDeadlineNotReached) {
		t.Fatalf("early err = %v, want ErrDeadlineNotReached", err)
	}

	h.clock.Advance(time.Hour + time.Second)
	done, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, hash)
	if err != nil {
		t.Fatalf("SlashForMissedDeadline: %v", err)
	}
	if done.Request.Status != domain.StatusExpired || done.Escrow != 0 || done.Settlement.Refund != tenUnits {
		t.Fatalf("record = %+v settlement = %+v", done.Request, done.Settlement)
	}
	if got := h.balance(requester) - afterEscrow; got != tenUnits {
		t.Fatalf("refund = %d, want %d", got, tenUnits)
	}
	if got := h.stake(validator); got != validatorStake-validatorStake/10 {
		t.Fatalf("validator stake = %d, want %d", got, validatorStake-validatorStake/10)
	}
	if p := done.Penalties; len(p) != 1 || p[0].Principal != validator || p[0].Reason != domain.PenaltyMissedDeadline {
		t.Fatalf("penalties = %+v", p)
	}

	_, err = h.svc.SlashForMissedDeadline(h.ctx, stranger, hash)
	if !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("retry err = %v, want ErrTerminalState", err)
	}
	if got := h.balance(requester) - afterEscrow; got != tenUnits {
		t.Fatalf("refund after retry = %d, want %d", got, tenUnits)
	}
}

func TestSlashForMissedDeadlinePreconditions(t *testing.T) {
	h := newHarness(t)
	tee := h.create(domain.ModelTEEAttested, tenUnits)
	unbound := h.create(domain.ModelStakeSecured, tenUnits)
	h.clock.Advance(2 * time.Hour)

	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, tee.Request.Hash); !errors.Is(err, domain.ErrModelNotSlashable) {
		t.Fatalf("tee err = %v, want ErrModelNotSlashable", err)
	}
	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, unbound.Request.Hash); !errors.Is(err, domain.ErrNoValidatorSelected) {
		t.Fatalf("unbound err = %v, want ErrNoValidatorSelected", err)
	}
	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, domain.Keccak256([]byte("x"))); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown err = %v, want ErrNotFound", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	h := newHarness(t)
	rec := h.create(domain.ModelTEEAttested, tenUnits)
	bound := h.createSelected(domain.ModelStakeSecured, tenUnits)
	afterEscrow := h.balance(requester)

	if _, err := h.svc.ReclaimExpired(h.ctx, stranger, rec.Request.Hash); !errors.Is(err, domain.ErrDeadlineNotReached) {
		t.Fatalf("early err = %v, want ErrDeadlineNotReached", err)
	}
	h.clock.Advance(time.Hour)

	if _, err := h.svc.ReclaimExpired(h.ctx, stranger, bound.Request.Hash); !errors.Is(err, domain.ErrValidatorSelected) {
		t.Fatalf("bound err = %v, want ErrValidatorSelected", err)
	}
	overdue, err := h.svc.ListOverdue(h.ctx, 10)
	if err != nil || len(overdue) != 2 {
		t.Fatalf("ListOverdue = %v, %v", overdue, err)
	}

	done, err := h.svc.ReclaimExpired(h.ctx, stranger, rec.Request.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if done.Request.Status != domain.StatusExpired || len(done.Penalties) != 0 {
		t.Fatalf("record = %+v", done)
	}
	if got := h.balance(requester) - afterEscrow; got != tenUnits {
		t.Fatalf("refund = %d, want %d", got, tenUnits)
	}
	if _, err := h.svc.ReclaimExpired(h.ctx, stranger, rec.Request.Hash); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("retry err = %v, want ErrTerminalState", err)
	}
}

func TestDisputeValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash

	if _, err := h.svc.DisputeValidation(h.ctx, requester, hash, []byte("bad")); !errors.Is(err, domain.ErrNotDisputable) {
		t.Fatalf("pending err = %v, want ErrNotDisputable", err)
	}
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90}); err != nil {
		t.Fatal(err)
	}
	paid := h.balance(validator)

	if _, err := h.svc.DisputeValidation(h.ctx, stranger, hash, []byte("bad")); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("stranger err = %v, want ErrNotAuthorized", err)
	}
	if _, err := h.svc.DisputeValidation(h.ctx, requester, hash, nil); !errors.Is(err, domain.ErrEvidenceRequired) {
		t.Fatalf("no evidence err = %v, want ErrEvidenceRequired", err)
	}

	done, err := h.svc.DisputeValidation(h.ctx, requester, hash, []byte("output does not match"))
	if err != nil {
		t.Fatal(err)
	}
	if done.Request.Status != domain.StatusDisputed || done.Dispute == nil || done.Dispute.ID == "" || done.Dispute.Disputant != requester {
		t.Fatalf("record = %+v dispute = %+v", done.Request, done.Dispute)
	}
	if disputed, err := h.svc.IsDisputed(h.ctx, hash); err != nil || !disputed {
		t.Fatalf("IsDisputed = %v, %v", disputed, err)
	}
	if h.balance(validator) != paid {
		t.Fatal("dispute must not reverse settlement")
	}

	if _, err := h.svc.DisputeValidation(h.ctx, operator, hash, []byte("again")); !errors.Is(err, domain.ErrDisputeExists) {
		t.Fatalf("second dispute err = %v, want ErrDisputeExists", err)
	}
	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, hash); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("slash disputed err = %v, want ErrTerminalState", err)
	}
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90}); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("submit disputed err = %v, want ErrTerminalState", err)
	}
}

func TestDisputeByOperatorAndExpiredRequest(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 90}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.DisputeValidation(h.ctx, operator, rec.Request.Hash, []byte("x")); err != nil {
		t.Fatalf("operator dispute: %v", err)
	}

	expired := h.create(domain.ModelTEEAttested, tenUnits)
	h.clock.Advance(time.Hour)
	if _, err := h.svc.ReclaimExpired(h.ctx, stranger, expired.Request.Hash); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.DisputeValidation(h.ctx, requester, expired.Request.Hash, []byte("x")); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("expired dispute err = %v, want ErrTerminalState", err)
	}
}

func TestResolveDispute(t *testing.T) {
	h := newHarness(t)
	arbiter := domain.MustParseAddress("0x00000000000000000000000000000000000000e1")
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ResolveDispute(h.ctx, arbiter, hash, "upheld"); !errors.Is(err, domain.ErrNoDispute) {
		t.Fatalf("no dispute err = %v, want ErrNoDispute", err)
	}
	if _, err := h.svc.DisputeValidation(h.ctx, requester, hash, []byte("x")); err != nil {
		t.Fatal(err)
	}
	done, err := h.svc.ResolveDispute(h.ctx, arbiter, hash, "upheld")
	if err != nil {
		t.Fatal(err)
	}
	d := done.Dispute
	if !d.Resolved || d.ResolvedBy == nil || *d.ResolvedBy != arbiter || d.Resolution != "upheld" || done.Request.Status != domain.StatusDisputed {
		t.Fatalf("dispute = %+v status = %s", d, done.Request.Status)
	}
	if _, err := h.svc.ResolveDispute(h.ctx, arbiter, hash, "again"); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("re-resolve err = %v, want ErrTerminalState", err)
	}
}

func TestSettlementFailureLeavesRequestPending(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash

	// The low score is never recorded, so the owner's stake is untouched.
	h.store.failures.Store(1)
	_, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 10})
	if !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if h.status(hash) != domain.StatusPending {
		t.Fatal("request must stay pending")
	}
	if got := h.stake(owner); got != ownerStake {
		t.Fatalf("owner stake = %d, want %d", got, ownerStake)
	}
	for _, a := range []domain.Address{treasury, owner, validator} {
		if h.balance(a) != 0 {
			t.Fatalf("balance(%s) = %d after failed commit", a, h.balance(a))
		}
	}

	done, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 85})
	if err != nil {
		t.Fatal(err)
	}
	if len(done.Penalties) != 0 || done.Recorded != nil {
		t.Fatalf("penalties = %+v recorded = %+v", done.Penalties, done.Recorded)
	}
	if got := h.stake(owner); got != ownerStake {
		t.Fatalf("owner stake = %d after clean completion, want %d", got, ownerStake)
	}
}

func TestRecordedResponseMustBeFinished(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	low := Submission{Score: 10, Proof: []byte("report")}

	// The response is recorded and the owner slashed, then the final commit fails.
	h.store.pass.Store(1)
	h.store.failures.Store(1)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, low); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if got := h.stake(owner); got != ownerStake/2 {
		t.Fatalf("owner stake = %d, want %d", got, ownerStake/2)
	}
	pending, err := h.svc.GetValidation(h.ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Request.Status != domain.StatusPending || pending.Recorded == nil || pending.Recorded.Response.Score != 10 {
		t.Fatalf("status = %s recorded = %+v", pending.Request.Status, pending.Recorded)
	}
	if pending.Recorded.Penalty.Requested != ownerStake/2 || pending.Recorded.Penalty.Reason != domain.PenaltyIncorrectComputation {
		t.Fatalf("recorded penalty = %+v", pending.Recorded.Penalty)
	}

	for name, sub := range map[string]Submission{
		"higher score":    {Score: 85, Proof: low.Proof},
		"different proof": {Score: 10, Proof: []byte("other")},
	} {
		if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, sub); !errors.Is(err, domain.ErrResponseRecorded) {
			t.Fatalf("%s err = %v, want ErrResponseRecorded", name, err)
		}
	}
	if _, err := h.svc.SubmitValidation(h.ctx, second, hash, low); !errors.Is(err, domain.ErrResponseRecorded) {
		t.Fatalf("other validator err = %v, want ErrResponseRecorded", err)
	}

	done, err := h.svc.SubmitValidation(h.ctx, validator, hash, low)
	if err != nil {
		t.Fatal(err)
	}
	if done.Request.Status != domain.StatusCompleted || done.Recorded != nil || done.Response.Score != 10 {
		t.Fatalf("status = %s recorded = %+v response = %+v", done.Request.Status, done.Recorded, done.Response)
	}
	if len(done.Penalties) != 1 || done.Penalties[0].Slashed != ownerStake/2 {
		t.Fatalf("penalties = %+v", done.Penalties)
	}
	if got := h.stake(owner); got != ownerStake/2 {
		t.Fatalf("owner stake = %d, want %d (slashed once)", got, ownerStake/2)
	}
	if h.balance(validator) == 0 {
		t.Fatal("validator was not paid")
	}
}

func TestRecordedResponseBlocksExpiry(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	low := Submission{Score: 20}

	h.ledger.failSlash.Store(true)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, low); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	h.ledger.failSlash.Store(false)

	h.clock.Advance(2 * time.Hour)
	before := h.balance(requester)
	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, hash); !errors.Is(err, domain.ErrResponseRecorded) {
		t.Fatalf("deadline slash err = %v, want ErrResponseRecorded", err)
	}
	if h.status(hash) != domain.StatusPending || h.balance(requester) != before {
		t.Fatal("recorded response must not be expired")
	}
	if got := h.stake(validator); got != validatorStake {
		t.Fatalf("validator stake = %d, want %d", got, validatorStake)
	}

	// The recorded response still completes after its deadline.
	done, err := h.svc.SubmitValidation(h.ctx, validator, hash, low)
	if err != nil {
		t.Fatal(err)
	}
	if done.Request.Status != domain.StatusCompleted || len(done.Penalties) != 1 || done.Penalties[0].Slashed != ownerStake/2 {
		t.Fatalf("status = %s penalties = %+v", done.Request.Status, done.Penalties)
	}
}

func TestSlashFailureAbortsTransition(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)

	h.ledger.failSlash.Store(true)
	h.clock.Advance(2 * time.Hour)
	before := h.balance(requester)
	if _, err := h.svc.SlashForMissedDeadline(h.ctx, stranger, rec.Request.Hash); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("deadline slash err = %v, want ErrSettlementFailed", err)
	}
	if h.status(rec.Request.Hash) != domain.StatusPending || h.balance(requester) != before {
		t.Fatal("slash failure must not refund")
	}
}

func TestFailedCommitRemovesEvidence(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	hash := rec.Request.Hash
	blob := filepath.Join(h.artifacts, filepath.FromSlash(providers.EvidencePath(hash, "response-"+validator.String())))

	// Rejected submissions never upload.
	if _, err := h.svc.SubmitValidation(h.ctx, second, hash, Submission{Score: 90, Evidence: []byte("trace")}); !errors.Is(err, domain.ErrNotSelectedValidator) {
		t.Fatalf("err = %v, want ErrNotSelectedValidator", err)
	}
	if _, err := os.Stat(filepath.Join(h.artifacts, "evidence")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("evidence dir exists: %v", err)
	}

	h.store.failures.Store(1)
	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90, Evidence: []byte("trace")}); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if _, err := os.Stat(blob); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("evidence left behind: stat err = %v", err)
	}

	if _, err := h.svc.SubmitValidation(h.ctx, validator, hash, Submission{Score: 90, Evidence: []byte("trace")}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(blob); err != nil {
		t.Fatalf("evidence missing after commit: %v", err)
	}
}

func TestSettlementOverflowFails(t *testing.T) {
	h := newHarness(t)
	rec := h.createSelected(domain.ModelStakeSecured, tenUnits)
	if _, err := h.store.Deposit(h.ctx, treasury, math.MaxUint64-1); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.SubmitValidation(h.ctx, validator, rec.Request.Hash, Submission{Score: 90})
	if !errors.Is(err, domain.ErrAmountOverflow) {
		t.Fatalf("err = %v, want ErrAmountOverflow", err)
	}
	if h.status(rec.Request.Hash) != domain.StatusPending || h.balance(validator) != 0 {
		t.Fatal("overflow must leave the request unsettled")
	}
}

func TestConcurrentSubmissionsSettleOnce(t *testing.T) {
	h := newHarness(t)
	rec := h.create(domain.ModelTEEAttested, tenUnits)
	proof := h.proof(h.key, measurement, rec.Request.Hash, h.clock.Now())

	callers := []domain.Address{validator, second, stranger, operator, owner, underStaked}
	var wg sync.WaitGroup
	var ok atomic.Int32
	errs := make(chan error, len(callers))
	for _, c := range callers {
		wg.Add(1)
		go func(c domain.Address) {
			defer wg.Done()
			_, err := h.svc.SubmitValidation(h.ctx, c, rec.Request.Hash, Submission{Score: 80, Proof: proof})
			if err == nil {
				ok.Add(1)
				return
			}
			errs <- err
		}(c)
	}
	wg.Wait()
	close(errs)

	if ok.Load() != 1 {
		t.Fatalf("successful submissions = %d, want 1", ok.Load())
	}
	for err := range errs {
		if !errors.Is(err, domain.ErrTerminalState) && !errors.Is(err, domain.ErrBusy) {
			t.Fatalf("loser err = %v", err)
		}
	}
	var total uint64
	for _, a := range append([]domain.Address{treasury}, callers...) {
		total += h.balance(a)
	}
	if total != tenUnits {
		t.Fatalf("distributed %d, want %d", total, tenUnits)
	}
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Deposit(h.ctx, stranger, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero deposit err = %v", err)
	}
	bal, err := h.svc.Deposit(h.ctx, stranger, 42)
	if err != nil || bal != 42 {
		t.Fatalf("Deposit = %d, %v", bal, err)
	}
	if got, _ := h.svc.Balance(h.ctx, stranger); got != 42 {
		t.Fatalf("Balance = %d", got)
	}
}
