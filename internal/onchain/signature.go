package onchain

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLength is the r || s || v layout used on the wire.
const SignatureLength = 65

var ErrMalformedSignature = errors.New("malformed signature")

// SignDigest signs a 32-byte digest and returns r || s || v with v in {27, 28}.
func SignDigest(priv *secp256k1.PrivateKey, digest Hash) []byte {
	compact := ecdsa.SignCompact(priv, digest[:], false)
	sig := make([]byte, SignatureLength)
	copy(sig[0:64], compact[1:65])
	sig[64] = compact[0]
	return sig
}

// RecoverAddress returns the address whose key produced sig over digest.
// High-S signatures are rejected so a signature has exactly one valid encoding.
func RecoverAddress(digest Hash, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return ZeroAddress, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return ZeroAddress, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[64])
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[0:32]); overflow || r.IsZero() {
		return ZeroAddress, fmt.Errorf("%w: r out of range", ErrMalformedSignature)
	}
	if overflow := s.SetByteSlice(sig[32:64]); overflow || s.IsZero() {
		return ZeroAddress, fmt.Errorf("%w: s out of range", ErrMalformedSignature)
	}
	if s.IsOverHalfOrder() {
		return ZeroAddress, fmt.Errorf("%w: non-canonical s", ErrMalformedSignature)
	}

	compact := make([]byte, SignatureLength)
	compact[0] = v
	copy(compact[1:], sig[0:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return ZeroAddress, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return PubkeyToAddress(pub), nil
}
