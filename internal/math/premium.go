package math

import "math/big"

// SecondsPerYear is the annualization basis for premiums and rewards.
const SecondsPerYear = 365 * 24 * 60 * 60

// MinDurationFactor floors very short coverage windows at 10% of the
// annualized rate (0.1 at FactorConfig scale).
const MinDurationFactor = 100_000

// ComputeDurationFactor annualizes a coverage duration:
// max(0.1, durationSeconds / secondsPerYear) at FactorConfig scale.
// Rounds up so a fractional second never shaves the premium.
func ComputeDurationFactor(durationSeconds int64) int64 {
	factor := MulDiv(durationSeconds, FactorConfig.Scale, SecondsPerYear, RoundUp)
	if factor < MinDurationFactor {
		return MinDurationFactor
	}
	return factor
}

// ComputePremium calculates the premium owed for a coverage purchase:
//
//	premium = coverage * baseRateBps * durationFactor / 10000 / scale
//
// The division rounds up. Rounding down would let repeated small purchases
// erode the pool's backing one unit at a time.
func ComputePremium(coverage, durationSeconds, baseRateBps int64) int64 {
	factor := ComputeDurationFactor(durationSeconds)

	numerator := MultiplyInt128(coverage, baseRateBps)
	numerator.Mul(numerator, big.NewInt(factor))

	result := DivideInt128(numerator, BasisPointDivisor*FactorConfig.Scale, RoundUp)
	putInt128(numerator)
	return result
}

// ComputePendingRewards calculates simple non-compounding interest accrued
// on a liquidity position:
//
//	pending = deposited * rateBps * elapsedSeconds / secondsPerYear / 10000
//
// Rounds down: the pool keeps the residual.
func ComputePendingRewards(deposited, rateBps, elapsedSeconds int64) int64 {
	if deposited <= 0 || rateBps <= 0 || elapsedSeconds <= 0 {
		return 0
	}

	numerator := MultiplyInt128(deposited, rateBps)
	numerator.Mul(numerator, big.NewInt(elapsedSeconds))

	result := DivideInt128(numerator, int64(SecondsPerYear)*BasisPointDivisor, RoundDown)
	putInt128(numerator)
	return result
}
