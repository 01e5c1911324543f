package onchain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

const (
	AddressLength = 20
	HashLength    = 32
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidHash    = errors.New("invalid hash")
	ErrInvalidKey     = errors.New("invalid private key")
)

// Address is a 20-byte account identifier derived from a secp256k1 public key.
type Address [AddressLength]byte

// ZeroAddress is never a valid participant.
var ZeroAddress Address

func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) Bytes() []byte { return a[:] }

// Hex returns the lowercase 0x-prefixed form.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress accepts a 40 hex digit string with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := decodeHex(s, AddressLength)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress panics on malformed input. Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Hash is a Keccak-256 digest.
type Hash [HashLength]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := decodeHex(s, HashLength)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	copy(h[:], raw)
	return h, nil
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hasher.Write(d)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// PubkeyToAddress takes the last 20 bytes of the Keccak-256 hash of the
// uncompressed public key without its 0x04 prefix.
func PubkeyToAddress(pub *secp256k1.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	var a Address
	copy(a[:], digest[12:])
	return a
}

// PrivateKeyFromHex parses a 32-byte hex encoded secp256k1 key.
func PrivateKeyFromHex(s string) (*secp256k1.PrivateKey, error) {
	raw, err := decodeHex(s, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	return priv, nil
}

func KeyAddress(priv *secp256k1.PrivateKey) Address {
	return PubkeyToAddress(priv.PubKey())
}

func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != size*2 {
		return nil, fmt.Errorf("expected %d hex characters, got %d", size*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
