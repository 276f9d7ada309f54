package domain

import "errors"

type ErrorKind string

const (
	KindPrecondition  ErrorKind = "precondition"
	KindAuthorization ErrorKind = "authorization"
	KindVerification  ErrorKind = "verification"
	KindTerminal      ErrorKind = "terminal"
	KindExternal      ErrorKind = "external"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindInternal      ErrorKind = "internal"
)

// Error is a classified protocol error. Reason errors unwrap to their parent,
// so errors.Is(ErrAttestationStale, ErrInvalidAttestation) holds.
type Error struct {
	Kind   ErrorKind
	Code   string
	msg    string
	parent *Error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func reason(parent *Error, code, msg string) *Error {
	return &Error{Kind: parent.Kind, Code: code, msg: msg, parent: parent}
}

var (
	ErrUnknownModel             = newError(KindPrecondition, "unknown_model", "unknown trust model")
	ErrReputationOnlyDisabled   = newError(KindPrecondition, "reputation_only_disabled", "reputation-only validation is disabled")
	ErrBountyTooLow             = newError(KindPrecondition, "bounty_too_low", "bounty below model minimum")
	ErrDeadlineNotFuture        = newError(KindPrecondition, "deadline_not_future", "deadline must be in the future")
	ErrAgentNotFound            = newError(KindPrecondition, "agent_not_found", "agent not registered")
	ErrInsufficientOwnerStake   = newError(KindPrecondition, "insufficient_owner_stake", "agent owner stake below minimum")
	ErrStaleStake               = newError(KindPrecondition, "stale_stake", "stake snapshot is stale")
	ErrInsufficientFunds        = newError(KindPrecondition, "insufficient_funds", "insufficient balance for escrow")
	ErrModelNotSelectable       = newError(KindPrecondition, "model_not_selectable", "trust model does not use validator selection")
	ErrModelNotSlashable        = newError(KindPrecondition, "model_not_slashable", "trust model has no bound validator to slash")
	ErrValidatorAlreadySelected = newError(KindPrecondition, "validator_already_selected", "validator already selected")
	ErrNoValidatorSelected      = newError(KindPrecondition, "no_validator_selected", "no validator selected")
	ErrValidatorSelected        = newError(KindPrecondition, "validator_selected", "a validator is bound; use slash instead")
	ErrNoEligibleValidators     = newError(KindPrecondition, "no_eligible_validators", "no eligible validator candidates")
	ErrDeadlinePassed           = newError(KindPrecondition, "deadline_passed", "deadline has passed")
	ErrDeadlineNotReached       = newError(KindPrecondition, "deadline_not_reached", "deadline not reached")
	ErrInvalidScore             = newError(KindPrecondition, "invalid_score", "score must be between 0 and 100")
	ErrEvidenceRequired         = newError(KindPrecondition, "evidence_required", "dispute evidence is required")
	ErrNotDisputable            = newError(KindPrecondition, "not_disputable", "only completed requests can be disputed")
	ErrNoDispute                = newError(KindPrecondition, "no_dispute", "request has no dispute")
	ErrAmountOverflow           = newError(KindPrecondition, "amount_overflow", "amount overflow")
	ErrInvalidArgument          = newError(KindPrecondition, "invalid_argument", "invalid argument")

	ErrNotSelectedValidator = newError(KindAuthorization, "not_selected_validator", "caller is not the selected validator")
	ErrNotAuthorized        = newError(KindAuthorization, "not_authorized", "caller is not authorized")
	ErrDisputeExists        = newError(KindAuthorization, "dispute_exists", "dispute already exists")

	ErrInvalidAttestation   = newError(KindVerification, "invalid_attestation", "invalid attestation")
	ErrAttestationMalformed = reason(ErrInvalidAttestation, "attestation_malformed", "attestation proof is malformed")
	ErrMeasurementMismatch  = reason(ErrInvalidAttestation, "measurement_mismatch", "attestation measurement mismatch")
	ErrAttestationStale     = reason(ErrInvalidAttestation, "attestation_stale", "attestation timestamp outside freshness window")
	ErrAttestationSignature = reason(ErrInvalidAttestation, "attestation_signature", "attestation signature does not match attestor")
	ErrAttestorNotTrusted   = newError(KindVerification, "attestor_not_trusted", "attestor not trusted")

	ErrTerminalState = newError(KindTerminal, "terminal_state", "request is not in a state that allows this operation")

	ErrSettlementFailed = newError(KindExternal, "settlement_failed", "settlement failed")
	ErrDependency       = newError(KindExternal, "dependency_unavailable", "dependency unavailable")

	ErrNotFound      = newError(KindNotFound, "not_found", "not found")
	ErrAlreadyExists = newError(KindConflict, "already_exists", "request already exists")
	ErrBusy          = newError(KindConflict, "busy", "request is locked by another operation")

	// ErrResponseRecorded rejects anything but finishing the response already recorded on the request.
	ErrResponseRecorded = newError(KindConflict, "response_recorded", "a response is already recorded; resubmit it to finish settlement")
)

// KindOf classifies err, returning KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the most specific error code in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
