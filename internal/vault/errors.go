package vault

import (
	"errors"
	"fmt"

	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

var (
	ErrInvalidAddress        = errors.New("invalid address")
	ErrArrayLengthMismatch   = errors.New("array length mismatch")
	ErrUnauthorized          = errors.New("caller lacks required role")
	ErrReentrantCall         = errors.New("reentrant call")
	ErrExceedsMaxRedeemable  = errors.New("share amount exceeds max redeemable")
	ErrInsufficientLiquidity = errors.New("sink cannot cover payouts")
	ErrTransferFailed        = errors.New("value transfer failed")
	ErrShareLedger           = errors.New("share ledger rejected operation")
	ErrMirror                = errors.New("state mirror unavailable")
	ErrRestore               = errors.New("restore rejected")
)

// BatchError reports which element aborted a batch.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch element %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Code classifies err into a stable code and whether resubmitting the same
// input can succeed once outside conditions change.
func Code(err error) (code string, retryable bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, gate.ErrPolicyRejected):
		return "POLICY_REJECTED", true
	case errors.Is(err, escrow.ErrNotFound):
		return "NOT_FOUND", false
	case errors.Is(err, escrow.ErrNotPending):
		return "NOT_PENDING", false
	case errors.Is(err, withdrawal.ErrExpired):
		return "EXPIRED", false
	case errors.Is(err, withdrawal.ErrAuthorizationReused):
		return "AUTHORIZATION_REUSED", false
	case errors.Is(err, withdrawal.ErrInvalidSignature):
		return "INVALID_SIGNATURE", false
	case errors.Is(err, calc.ErrInsufficientOutput):
		return "INSUFFICIENT_OUTPUT", true
	case errors.Is(err, calc.ErrInvalidAmount), errors.Is(err, calc.ErrOverflow):
		return "INVALID_AMOUNT", false
	case errors.Is(err, ErrInvalidAddress):
		return "INVALID_ADDRESS", false
	case errors.Is(err, ErrArrayLengthMismatch):
		return "ARRAY_LENGTH_MISMATCH", false
	case errors.Is(err, ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		return "UNAUTHORIZED", false
	case errors.Is(err, ErrExceedsMaxRedeemable):
		return "EXCEEDS_MAX_REDEEMABLE", true
	case errors.Is(err, ErrReentrantCall):
		return "REENTRANT_CALL", false
	case errors.Is(err, calc.ErrStaleOracle), errors.Is(err, prices.ErrNoQuote),
		errors.Is(err, calc.ErrInvalidRate), errors.Is(err, calc.ErrZeroValue):
		return "PRICE_UNAVAILABLE", true
	case errors.Is(err, ErrInsufficientLiquidity), errors.Is(err, ErrTransferFailed):
		return "TRANSFER_FAILED", true
	case errors.Is(err, ErrMirror):
		return "STATE_UNAVAILABLE", true
	case errors.Is(err, ErrShareLedger):
		return "SHARE_LEDGER", false
	case errors.Is(err, gate.ErrUnknownKind), errors.Is(err, gate.ErrNilCheck):
		return "INVALID_CHECK", false
	default:
		return "INTERNAL", true
	}
}
