package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 WFLR
	FactorConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // duration factor
)

// BasisPointDivisor converts basis-point rates to fractions (10000 bp = 100%).
const BasisPointDivisor = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero
	RoundUp                       // Away from zero for any non-zero remainder
)

// DivideInt128 performs numerator / denominator with explicit rounding.
// The denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundUp && remainder.Sign() != 0 {
		if remainder.Sign() > 0 {
			result++
		} else {
			result--
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator in int128 with explicit rounding.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	numerator := MultiplyInt128(a, b)
	result := DivideInt128(numerator, denominator, roundingMode)
	putInt128(numerator)
	return result
}

// Pow10 returns 10^n as int64. n must be in [0, 18].
func Pow10(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

// ErrOutOfRange reports a rescaled value that does not fit in int64.
var ErrOutOfRange = errors.New("rescaled value out of int64 range")

// Rescale converts a fixed-point value between decimal scales, truncating
// when precision is lost. Feed observations arrive at the feed's own scale
// and must be rescaled before comparison against a stored strike. The
// decimals come from an external contract, so a widening that overflows
// int64 is an error, never a wrapped value.
func Rescale(value int64, fromDecimals, toDecimals int8) (int64, error) {
	if fromDecimals == toDecimals {
		return value, nil
	}
	if toDecimals > fromDecimals {
		gap := int(toDecimals) - int(fromDecimals)
		if gap > 18 {
			return 0, fmt.Errorf("%w: scale gap %d", ErrOutOfRange, gap)
		}
		product := MultiplyInt128(value, Pow10(gap))
		defer putInt128(product)
		if !product.IsInt64() {
			return 0, fmt.Errorf("%w: %d from %d to %d decimals",
				ErrOutOfRange, value, fromDecimals, toDecimals)
		}
		return product.Int64(), nil
	}
	gap := int(fromDecimals) - int(toDecimals)
	if gap > 18 {
		// Any int64 truncates to zero past 18 digits.
		return 0, nil
	}
	numerator := big.NewInt(value)
	return DivideInt128(numerator, Pow10(gap), RoundDown), nil
}
