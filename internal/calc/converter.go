package calc

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// RateDecimals is the fixed-point precision of an exchange rate.
const RateDecimals = 18

// maxDecimals bounds asset and share decimals so 10^d always fits in 256 bits.
const maxDecimals = 36

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrOverflow           = errors.New("arithmetic overflow")
	ErrInsufficientOutput = errors.New("insufficient output")
	ErrZeroValue          = errors.New("total value is zero with outstanding supply")
	ErrInvalidRate        = errors.New("invalid exchange rate")
)

var rateOne = pow10(RateDecimals)

// Converter maps asset units to share units and back. A rate is the value of
// one whole share expressed in whole assets, scaled by 10^RateDecimals.
type Converter struct {
	assetDecimals uint8
	shareDecimals uint8
}

func NewConverter(assetDecimals, shareDecimals uint8) (*Converter, error) {
	if assetDecimals > maxDecimals || shareDecimals > maxDecimals {
		return nil, fmt.Errorf("decimals must be <= %d (asset=%d share=%d)", maxDecimals, assetDecimals, shareDecimals)
	}
	return &Converter{assetDecimals: assetDecimals, shareDecimals: shareDecimals}, nil
}

func (c *Converter) AssetDecimals() uint8 { return c.assetDecimals }
func (c *Converter) ShareDecimals() uint8 { return c.shareDecimals }

// TotalValue prices the outstanding supply at rate, in asset base units.
func (c *Converter) TotalValue(supply, rate *uint256.Int) (*uint256.Int, error) {
	if rate == nil || rate.IsZero() {
		return nil, ErrInvalidRate
	}
	if supply.IsZero() {
		return new(uint256.Int), nil
	}

	num, den := rate, rateOne
	if c.assetDecimals >= c.shareDecimals {
		scaled, overflow := new(uint256.Int).MulOverflow(rate, pow10(c.assetDecimals-c.shareDecimals))
		if overflow {
			return nil, fmt.Errorf("%w: rate scaling", ErrOverflow)
		}
		num = scaled
	} else {
		scaled, overflow := new(uint256.Int).MulOverflow(rateOne, pow10(c.shareDecimals-c.assetDecimals))
		if overflow {
			return nil, fmt.Errorf("%w: rate scaling", ErrOverflow)
		}
		den = scaled
	}

	value, overflow := new(uint256.Int).MulDivOverflow(supply, num, den)
	if overflow {
		return nil, fmt.Errorf("%w: total value", ErrOverflow)
	}
	return value, nil
}

// ToShares converts an asset amount into shares, rounding down.
func (c *Converter) ToShares(assets, supply, rate *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return c.rescale(assets, c.assetDecimals, c.shareDecimals)
	}

	value, err := c.TotalValue(supply, rate)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return nil, ErrZeroValue
	}

	shares, overflow := new(uint256.Int).MulDivOverflow(assets, supply, value)
	if overflow {
		return nil, fmt.Errorf("%w: shares", ErrOverflow)
	}
	return shares, nil
}

// ToAssets converts a share amount into assets, rounding down.
func (c *Converter) ToAssets(shares, supply, rate *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return c.rescale(shares, c.shareDecimals, c.assetDecimals)
	}

	value, err := c.TotalValue(supply, rate)
	if err != nil {
		return nil, err
	}

	assets, overflow := new(uint256.Int).MulDivOverflow(shares, value, supply)
	if overflow {
		return nil, fmt.Errorf("%w: assets", ErrOverflow)
	}
	return assets, nil
}

func (c *Converter) rescale(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	switch {
	case from == to:
		return new(uint256.Int).Set(amount), nil
	case to > from:
		out, overflow := new(uint256.Int).MulOverflow(amount, pow10(to-from))
		if overflow {
			return nil, fmt.Errorf("%w: decimals normalization", ErrOverflow)
		}
		return out, nil
	default:
		return new(uint256.Int).Div(amount, pow10(from-to)), nil
	}
}

// RateFromDecimal converts a quoted price into a fixed-point rate, truncating
// digits beyond RateDecimals.
func RateFromDecimal(price decimal.Decimal) (*uint256.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, price)
	}
	scaled := price.Shift(RateDecimals).Truncate(0)
	rate, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: rate %s", ErrOverflow, price)
	}
	if rate.IsZero() {
		return nil, fmt.Errorf("%w: %s below resolution", ErrInvalidRate, price)
	}
	return rate, nil
}

// ToDecimal renders base units as a decimal with the given precision.
func ToDecimal(amount *uint256.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}

// FromDecimal converts a human amount into base units, rejecting fractional
// dust below the unit precision.
func FromDecimal(amount decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, decimals)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, amount)
	}
	return out, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
