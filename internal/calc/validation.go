package calc

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

var ErrStaleOracle = errors.New("oracle data too stale")

// ValidateOracleAge checks if oracle data is fresh enough at now.
func ValidateOracleAge(oracleTimestamp, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	age := now.Sub(oracleTimestamp)
	if age > maxAge {
		return fmt.Errorf("%w: %v > %v", ErrStaleOracle, age, maxAge)
	}
	return nil
}

// ValidateMinReceived checks if the output meets minimum requirements (slippage protection)
func ValidateMinReceived(actualOutput, minReceived *uint256.Int, operation string) error {
	if actualOutput.Lt(minReceived) {
		return fmt.Errorf("%w: %s output %s less than minimum required %s",
			ErrInsufficientOutput, operation, actualOutput.Dec(), minReceived.Dec())
	}
	return nil
}

// ValidateAmount checks that an amount is present and positive.
func ValidateAmount(amount *uint256.Int, operation string) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, operation)
	}
	return nil
}

// Sum adds amounts, rejecting on overflow.
func Sum(amounts ...*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, a := range amounts {
		if _, overflow := total.AddOverflow(total, a); overflow {
			return nil, fmt.Errorf("%w: sum", ErrOverflow)
		}
	}
	return total, nil
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
