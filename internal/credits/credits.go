// Package credits provides shared credit-amount parsing and formatting.
//
// Credit amounts carry 6 decimal places. All arithmetic is done on
// big.Int values in the smallest unit (1 credit = 1,000,000 units) so
// that no floating-point drift can enter a balance. Organization pools
// are stored in integer millicredits (1 credit = 1,000 millicredits);
// the conversion helpers at the bottom are the single place where that
// unit boundary is crossed.
package credits

import (
	"math/big"
	"strings"
)

const (
	// Decimals is the number of decimal places in a credit amount.
	Decimals = 6

	// UnitsPerCredit is the number of smallest units per credit.
	UnitsPerCredit = 1_000_000

	// UnitsPerMillicredit converts pool storage units to amount units.
	UnitsPerMillicredit = 1_000
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromMillicredits converts an integer millicredit count (pool storage
// unit) to a decimal credit string. 1 credit = 1000 millicredits.
func FromMillicredits(milli int64) string {
	units := new(big.Int).Mul(big.NewInt(milli), big.NewInt(UnitsPerMillicredit))
	return Format(units)
}

// IsZero reports whether s is a valid amount equal to zero.
func IsZero(s string) bool {
	units, ok := Parse(s)
	return ok && units.Sign() == 0
}

// ToMillicredits converts a decimal credit string to millicredits,
// truncating any sub-millicredit fraction. Returns (0, false) on
// invalid input.
func ToMillicredits(s string) (int64, bool) {
	units, ok := Parse(s)
	if !ok {
		return 0, false
	}
	milli := new(big.Int).Quo(units, big.NewInt(UnitsPerMillicredit))
	if !milli.IsInt64() {
		return 0, false
	}
	return milli.Int64(), true
}

// CeilMillicredits converts a decimal credit string to millicredits,
// rounding any sub-millicredit remainder up so a positive amount never
// converts to zero. Returns (0, false) on invalid input.
func CeilMillicredits(s string) (int64, bool) {
	units, ok := Parse(s)
	if !ok {
		return 0, false
	}
	milli, rem := new(big.Int).QuoRem(units, big.NewInt(UnitsPerMillicredit), new(big.Int))
	if rem.Sign() > 0 {
		milli.Add(milli, big.NewInt(1))
	}
	if !milli.IsInt64() {
		return 0, false
	}
	return milli.Int64(), true
}
