package attestation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

const personalPrefix = "\x19Ethereum Signed Message:\n32"

var errRecoveryID = errors.New("invalid recovery id")

// PersonalHash applies the EIP-191 personal message prefix to a 32-byte digest.
func PersonalHash(digest domain.Hash) domain.Hash {
	return domain.Keccak256([]byte(personalPrefix), digest[:])
}

func AddressOf(pub *secp256k1.PublicKey) domain.Address {
	uncompressed := pub.SerializeUncompressed()
	h := domain.Keccak256(uncompressed[1:])
	var a domain.Address
	copy(a[:], h[12:])
	return a
}

// Sign produces an r|s|v signature over the personal hash of digest, with v in {27,28}.
func Sign(key *secp256k1.PrivateKey, digest domain.Hash) [SignatureLen]byte {
	msg := PersonalHash(digest)
	compact := ecdsa.SignCompact(key, msg[:], false)
	var sig [SignatureLen]byte
	copy(sig[:64], compact[1:])
	sig[64] = compact[0]
	return sig
}

// RecoverSigner returns the address whose key produced sig over the personal hash of digest.
func RecoverSigner(digest domain.Hash, sig [SignatureLen]byte) (domain.Address, error) {
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return domain.Address{}, errRecoveryID
	}
	compact := make([]byte, SignatureLen)
	compact[0] = v
	copy(compact[1:], sig[:64])
	msg := PersonalHash(digest)
	pub, _, err := ecdsa.RecoverCompact(compact, msg[:])
	if err != nil {
		return domain.Address{}, err
	}
	return AddressOf(pub), nil
}

// ParsePrivateKey decodes a hex-encoded 32-byte secp256k1 scalar.
func ParsePrivateKey(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// Attest builds a signed proof for the given request fields.
func Attest(key *secp256k1.PrivateKey, measurement, taskHash, outputHash, requestHash domain.Hash, timestamp uint64) Proof {
	p := Proof{
		Measurement: measurement,
		Attestor:    AddressOf(key.PubKey()),
		Timestamp:   timestamp,
	}
	p.Signature = Sign(key, Digest(measurement, taskHash, outputHash, requestHash, timestamp))
	return p
}
