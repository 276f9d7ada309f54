package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

const DefaultMaxAge = time.Hour

// TrustedSet resolves the measurement registered for an attestor.
type TrustedSet interface {
	GetAttestor(ctx context.Context, addr domain.Address) (*domain.TrustedAttestor, error)
}

type Subject struct {
	TaskHash    domain.Hash
	OutputHash  domain.Hash
	RequestHash domain.Hash
}

type Verifier struct {
	trusted TrustedSet
	maxAge  time.Duration
	now     func() time.Time
}

func NewVerifier(trusted TrustedSet, maxAge time.Duration, now func() time.Time) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{trusted: trusted, maxAge: maxAge, now: now}
}

// Verify checks encoding, attestor trust, measurement, freshness and signer, in that order.
func (v *Verifier) Verify(ctx context.Context, raw []byte, subj Subject) (Proof, error) {
	p, err := Decode(raw)
	if err != nil {
		return Proof{}, err
	}

	trusted, err := v.trusted.GetAttestor(ctx, p.Attestor)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Proof{}, fmt.Errorf("%w: %s", domain.ErrAttestorNotTrusted, p.Attestor)
		}
		return Proof{}, fmt.Errorf("%w: attestor lookup: %v", domain.ErrDependency, err)
	}
	if trusted.Measurement != p.Measurement {
		return Proof{}, fmt.Errorf("%w: attestor %s", domain.ErrMeasurementMismatch, p.Attestor)
	}

	now := v.now().Unix()
	ts := int64(p.Timestamp)
	if ts > now {
		return Proof{}, fmt.Errorf("%w: timestamp %d is in the future", domain.ErrAttestationStale, ts)
	}
	if time.Duration(now-ts)*time.Second > v.maxAge {
		return Proof{}, fmt.Errorf("%w: age %ds", domain.ErrAttestationStale, now-ts)
	}

	signer, err := RecoverSigner(Digest(p.Measurement, subj.TaskHash, subj.OutputHash, subj.RequestHash, p.Timestamp), p.Signature)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", domain.ErrAttestationSignature, err)
	}
	if signer != p.Attestor {
		return Proof{}, fmt.Errorf("%w: recovered %s", domain.ErrAttestationSignature, signer)
	}
	return p, nil
}
