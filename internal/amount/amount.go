// Package amount holds native-currency quantities as integer base units.
package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits one whole unit is split into.
const Decimals = 9

// unit is 10^Decimals.
const unit = 1_000_000_000

var (
	// ErrOverflow is returned when a sum exceeds the representable range.
	ErrOverflow = errors.New("amount overflow")

	// ErrUnderflow is returned when a subtraction would go negative.
	ErrUnderflow = errors.New("amount underflow")
)

// Amount is a non-negative quantity in base units.
type Amount uint64

// Whole returns n whole units.
func Whole(n uint64) Amount {
	return Amount(n * unit)
}

// Parse reads a decimal string such as "5" or "0.25" in whole units.
// At most Decimals fractional digits are accepted.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q:\n%w", s, err)
	}

	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", s)
	}

	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, Decimals)
	}

	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %q: %w", s, ErrOverflow)
	}

	return Amount(bi.Uint64()), nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return a
}

// Decimal returns a as a decimal in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -Decimals)
}

// String formats a in whole units without trailing zeros.
func (a Amount) String() string {
	return a.Decimal().String()
}

// Add returns a + b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}

	return Amount(sum), nil
}

// Sub returns a - b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrUnderflow
	}

	return a - b, nil
}

// SaturatingSub returns max(a - b, 0).
func (a Amount) SaturatingSub(b Amount) Amount {
	if b > a {
		return 0
	}

	return a - b
}

// SaturatingAdd returns a + b, capped at the maximum amount.
func (a Amount) SaturatingAdd(b Amount) Amount {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return math.MaxUint64
	}

	return Amount(sum)
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}

	return b
}

// MarshalText encodes a as its decimal string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}

	*a = v

	return nil
}
