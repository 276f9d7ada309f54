package attestation

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

const (
	measurementLen = 32
	attestorLen    = 20
	timestampLen   = 8
	SignatureLen   = 65

	// ProofLen is the exact encoded size: measurement | attestor | timestamp (uint64 BE seconds) | r | s | v.
	ProofLen = measurementLen + attestorLen + timestampLen + SignatureLen
)

type Proof struct {
	Measurement domain.Hash
	Attestor    domain.Address
	Timestamp   uint64
	Signature   [SignatureLen]byte
}

func (p Proof) Time() time.Time { return time.Unix(int64(p.Timestamp), 0).UTC() }

func Decode(b []byte) (Proof, error) {
	if len(b) != ProofLen {
		return Proof{}, fmt.Errorf("%w: got %d bytes, want %d", domain.ErrAttestationMalformed, len(b), ProofLen)
	}
	var p Proof
	off := 0
	copy(p.Measurement[:], b[off:off+measurementLen])
	off += measurementLen
	copy(p.Attestor[:], b[off:off+attestorLen])
	off += attestorLen
	p.Timestamp = binary.BigEndian.Uint64(b[off : off+timestampLen])
	off += timestampLen
	copy(p.Signature[:], b[off:])
	if p.Timestamp > 1<<62 {
		return Proof{}, fmt.Errorf("%w: timestamp out of range", domain.ErrAttestationMalformed)
	}
	return p, nil
}

func (p Proof) Encode() []byte {
	out := make([]byte, 0, ProofLen)
	out = append(out, p.Measurement[:]...)
	out = append(out, p.Attestor[:]...)
	out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	out = append(out, p.Signature[:]...)
	return out
}

// Digest is the message an attestor signs for one request.
func Digest(measurement, taskHash, outputHash, requestHash domain.Hash, timestamp uint64) domain.Hash {
	var ts [timestampLen]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	return domain.Keccak256(measurement[:], taskHash[:], outputHash[:], requestHash[:], ts[:])
}
