package domain

import (
	"encoding"
	"time"
)

type TrustModel string

const (
	ModelReputationOnly TrustModel = "REPUTATION_ONLY"
	ModelStakeSecured   TrustModel = "STAKE_SECURED"
	ModelTEEAttested    TrustModel = "TEE_ATTESTED"
	ModelHybrid         TrustModel = "HYBRID"
)

// AllModels lists every trust model in wire order.
var AllModels = []TrustModel{ModelReputationOnly, ModelStakeSecured, ModelTEEAttested, ModelHybrid}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
	StatusDisputed  Status = "DISPUTED"
)

var (
	_ encoding.BinaryMarshaler = TrustModel("")
	_ encoding.TextMarshaler   = TrustModel("")
	_ encoding.BinaryMarshaler = Status("")
	_ encoding.TextMarshaler   = Status("")
)

func (m TrustModel) MarshalBinary() ([]byte, error) { return []byte(string(m)), nil }
func (m TrustModel) MarshalText() ([]byte, error)   { return []byte(string(m)), nil }

func (s Status) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s Status) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Code returns the byte used for the model inside request hashes, or false for unknown models.
func (m TrustModel) Code() (byte, bool) {
	switch m {
	case ModelReputationOnly:
		return 0, true
	case ModelStakeSecured:
		return 1, true
	case ModelTEEAttested:
		return 2, true
	case ModelHybrid:
		return 3, true
	}
	return 0, false
}

func (m TrustModel) Valid() bool {
	_, ok := m.Code()
	return ok
}

// RequiresSelection reports whether the model binds a stake-eligible validator.
func (m TrustModel) RequiresSelection() bool {
	return m == ModelStakeSecured || m == ModelHybrid
}

// RequiresAttestation reports whether submissions must carry a TEE attestation.
func (m TrustModel) RequiresAttestation() bool {
	return m == ModelTEEAttested || m == ModelHybrid
}

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDisputed
}

// CanTransition reports whether from -> to is an edge of the validation lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusExpired
	case StatusCompleted:
		return to == StatusDisputed
	default:
		return false
	}
}

type ValidationRequest struct {
	Hash        Hash       `json:"hash"`
	AgentID     Hash       `json:"agentId"`
	Requester   Address    `json:"requester"`
	TaskHash    Hash       `json:"taskHash"`
	OutputHash  Hash       `json:"outputHash"`
	Model       TrustModel `json:"model"`
	Salt        Hash       `json:"salt"`
	Bounty      uint64     `json:"bounty"`
	Deadline    time.Time  `json:"deadline"`
	Status      Status     `json:"status"`
	CallbackURL string     `json:"callbackUrl,omitempty"`
	// TraceParent/TraceState store W3C trace context of the creating request; propagated in callbacks.
	TraceParent string    `json:"traceParent,omitempty"`
	TraceState  string    `json:"traceState,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RequestHash derives the request identifier from its immutable fields.
func RequestHash(agentID Hash, requester Address, taskHash, outputHash Hash, model TrustModel, salt Hash) Hash {
	code, _ := model.Code()
	return Keccak256(agentID[:], requester[:], taskHash[:], outputHash[:], []byte{code}, salt[:])
}

type ValidationResponse struct {
	Validator  Address   `json:"validator"`
	Score      uint8     `json:"score"`
	Proof      []byte    `json:"proof,omitempty"`
	DetailsURI string    `json:"detailsUri,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type SelectedValidator struct {
	Validator  Address   `json:"validator"`
	Candidates []Address `json:"candidates"`
	Randomness Hash      `json:"randomness"`
	Round      uint64    `json:"round"`
	SelectedAt time.Time `json:"selectedAt"`
}

type Dispute struct {
	ID         string     `json:"id"`
	Disputant  Address    `json:"disputant"`
	Evidence   []byte     `json:"evidence"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy *Address   `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Settlement records where an escrowed bounty went when the request left Pending.
type Settlement struct {
	Treasury        Address   `json:"treasury,omitempty"`
	TreasuryAmount  uint64    `json:"treasuryAmount,omitempty"`
	Owner           Address   `json:"owner,omitempty"`
	OwnerAmount     uint64    `json:"ownerAmount,omitempty"`
	Validator       Address   `json:"validator,omitempty"`
	ValidatorAmount uint64    `json:"validatorAmount,omitempty"`
	Refund          uint64    `json:"refund,omitempty"`
	SettledAt       time.Time `json:"settledAt"`
}

type PenaltyReason string

const (
	PenaltyIncorrectComputation PenaltyReason = "INCORRECT_COMPUTATION"
	PenaltyMissedDeadline       PenaltyReason = "MISSED_DEADLINE"
)

type Penalty struct {
	Principal    Address       `json:"principal"`
	Reason       PenaltyReason `json:"reason"`
	Requested    uint64        `json:"requested"`
	Slashed      uint64        `json:"slashed"`
	EvidenceHash Hash          `json:"evidenceHash"`
	At           time.Time     `json:"at"`
}

// PenaltyEvidence is the idempotency key handed to the stake ledger for a slash.
func PenaltyEvidence(requestHash Hash, reason PenaltyReason) Hash {
	return Keccak256(requestHash[:], []byte(reason))
}

// ValidationRecord is the stored aggregate for one request.
// RecordedCompletion is an accepted response whose penalty is written to the
// record before the stake ledger is asked to slash. While it is set the request
// can only complete with this response.
type RecordedCompletion struct {
	Response ValidationResponse `json:"response"`
	Penalty  Penalty            `json:"penalty"`
}

type ValidationRecord struct {
	Request    ValidationRequest   `json:"request"`
	Response   *ValidationResponse `json:"response,omitempty"`
	Selection  *SelectedValidator  `json:"selection,omitempty"`
	Dispute    *Dispute            `json:"dispute,omitempty"`
	Settlement *Settlement         `json:"settlement,omitempty"`
	Recorded   *RecordedCompletion `json:"recorded,omitempty"`
	Escrow     uint64              `json:"escrow"`
	Penalties  []Penalty           `json:"penalties,omitempty"`
	Version    uint64              `json:"version"`
}

// Transfer credits Amount to To out of the record's escrow.
type Transfer struct {
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}

// DeadlineUnix is the score used by deadline indexes.
func (r ValidationRequest) DeadlineUnix() int64 { return r.Deadline.Unix() }
