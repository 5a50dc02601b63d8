package common

import "math/big"

// DecimalBase is the protocol-wide fixed-point scale: all fee ratios, curve
// prices, and loan-to-value ratios are expressed in units of 1e8.
const DecimalBase uint64 = 100_000_000

// MaxFeeRatio caps every configurable fee ratio at 5% of DecimalBase.
const MaxFeeRatio uint64 = DecimalBase * 5 / 100

// LiquidationWindowSeconds is the fixed duration after maturity during which
// outstanding positions must be repaid or liquidated before FT redemption
// opens.
const LiquidationWindowSeconds int64 = 24 * 60 * 60

// BigDecimalBase returns DecimalBase as a fresh big integer.
func BigDecimalBase() *big.Int {
	return new(big.Int).SetUint64(DecimalBase)
}

// MulDiv computes amount * ratio / DecimalBase with floor rounding, the
// canonical fee computation.
func MulDiv(amount *big.Int, ratio uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || ratio == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(ratio))
	return out.Quo(out, BigDecimalBase())
}
