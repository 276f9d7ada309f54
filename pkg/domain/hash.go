package domain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte Keccak-256 digest.
type Hash [32]byte

// Address is a 20-byte principal identifier (last 20 bytes of the Keccak-256 of a public key).
type Address [20]byte

var (
	ZeroHash    Hash
	ZeroAddress Address
)

var errHexLength = errors.New("invalid hex length")

func Keccak256(parts ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := decodeFixedHex(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return h, nil
}

func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decodeFixedHex(s, a[:]); err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return a, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func decodeFixedHex(s string, dst []byte) error {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != hex.EncodedLen(len(dst)) {
		return errHexLength
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

func (h Hash) String() string    { return "0x" + hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool      { return h == ZeroHash }
func (h Hash) Bytes() []byte     { return h[:] }
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool   { return a == ZeroAddress }
func (a Address) Bytes() []byte  { return a[:] }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// SortAddresses orders addresses by their byte value.
func SortAddresses(in []Address) {
	sort.Slice(in, func(i, j int) bool { return bytes.Compare(in[i][:], in[j][:]) < 0 })
}
