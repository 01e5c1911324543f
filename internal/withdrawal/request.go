// Package withdrawal verifies owner-signed withdrawal requests and keeps the
// set of consumed authorization numbers.
//
// Requests are hashed with EIP-712 style typed-data encoding: a domain
// separator binds the signature to one vault on one chain, and the struct hash
// covers exactly the six request fields. Signatures are 65-byte r || s || v
// secp256k1 signatures; see onchain.RecoverAddress.
package withdrawal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

var (
	ErrExpired             = errors.New("withdrawal request expired")
	ErrAuthorizationReused = errors.New("authorization number already consumed")
	ErrInvalidSignature    = errors.New("invalid signature")
)

var (
	domainTypeHash = onchain.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	requestTypeHash = onchain.Keccak256([]byte(
		"WithdrawalRequest(address owner,address destination,uint256 shareAmount,uint256 minOutputValue,uint256 authorizationNumber,uint256 expirationTime)"))
)

// Request is what an owner signs to let an operator redeem on their behalf.
type Request struct {
	Owner       onchain.Address
	Destination onchain.Address
	Shares      *uint256.Int
	MinAssets   *uint256.Int
	Number      *uint256.Int // authorization number, single use per owner
	Deadline    uint64       // unix seconds; valid strictly before
}

// Expired reports whether the request can no longer execute at now.
func (r Request) Expired(now time.Time) bool {
	if r.Deadline > math.MaxInt64 {
		return false
	}
	return now.Unix() >= int64(r.Deadline)
}

// StructHash hashes the request fields in declaration order.
func (r Request) StructHash() onchain.Hash {
	owner := addressWord(r.Owner)
	dest := addressWord(r.Destination)
	shares := uintWord(r.Shares)
	minOut := uintWord(r.MinAssets)
	number := uintWord(r.Number)
	deadline := uint64Word(r.Deadline)
	return onchain.Keccak256(requestTypeHash[:], owner[:], dest[:], shares[:], minOut[:], number[:], deadline[:])
}

// Domain binds signatures to one vault deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract onchain.Address
}

func (d Domain) Separator() onchain.Hash {
	name := onchain.Keccak256([]byte(d.Name))
	version := onchain.Keccak256([]byte(d.Version))
	chain := uint64Word(d.ChainID)
	contract := addressWord(d.VerifyingContract)
	return onchain.Keccak256(domainTypeHash[:], name[:], version[:], chain[:], contract[:])
}

// Digest is the hash the owner signs.
func (d Domain) Digest(r Request) onchain.Hash {
	sep := d.Separator()
	sh := r.StructHash()
	return onchain.Keccak256([]byte{0x19, 0x01}, sep[:], sh[:])
}

// Sign produces the owner's signature over r.
func (d Domain) Sign(priv *secp256k1.PrivateKey, r Request) []byte {
	return onchain.SignDigest(priv, d.Digest(r))
}

// Signer recovers the address that signed r.
func (d Domain) Signer(r Request, sig []byte) (onchain.Address, error) {
	addr, err := onchain.RecoverAddress(d.Digest(r), sig)
	if err != nil {
		return onchain.ZeroAddress, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return addr, nil
}

// Verify runs the side-effect free integrity checks in order: expiry, replay,
// then signature.
func (d Domain) Verify(r Request, sig []byte, now time.Time, consumed *Registry) error {
	if r.Expired(now) {
		return fmt.Errorf("%w: deadline %d", ErrExpired, r.Deadline)
	}
	if consumed.IsConsumed(r.Owner, r.Number) {
		return fmt.Errorf("%w: owner %s number %s", ErrAuthorizationReused, r.Owner, numberString(r.Number))
	}
	signer, err := d.Signer(r, sig)
	if err != nil {
		return err
	}
	if signer != r.Owner {
		return fmt.Errorf("%w: signed by %s, owner %s", ErrInvalidSignature, signer, r.Owner)
	}
	return nil
}

func addressWord(a onchain.Address) [32]byte {
	var w [32]byte
	copy(w[12:], a[:])
	return w
}

func uintWord(v *uint256.Int) [32]byte {
	if v == nil {
		return [32]byte{}
	}
	return v.Bytes32()
}

func uint64Word(v uint64) [32]byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

func numberString(n *uint256.Int) string {
	if n == nil {
		return "0"
	}
	return n.Dec()
}
