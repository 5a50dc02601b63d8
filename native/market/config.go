package market

import (
	"errors"

	nativecommon "termmax/native/common"
)

const liquidationWindow = nativecommon.LiquidationWindowSeconds

// ErrFeeTooHigh rejects fee configurations with any ratio above the
// protocol-wide cap, or a reference point at or above the decimal base.
var ErrFeeTooHigh = errors.New("market engine: fee ratio exceeds cap")

// FeeConfig holds every fee ratio a market charges, DecimalBase-scaled.
// IssueFtFeeRef is a reference point reserved for time-scaled issuance fees;
// it is validated but does not change the flat issuance fee.
type FeeConfig struct {
	RedeemFeeRatio      uint64
	IssueFtFeeRatio     uint64
	IssueFtFeeRef       uint64
	BorrowTakerFeeRatio uint64
	BorrowMakerFeeRatio uint64
	LendTakerFeeRatio   uint64
	LendMakerFeeRatio   uint64
}

// Validate enforces the protocol caps on every ratio.
func (f FeeConfig) Validate() error {
	ratios := []uint64{
		f.RedeemFeeRatio,
		f.IssueFtFeeRatio,
		f.BorrowTakerFeeRatio,
		f.BorrowMakerFeeRatio,
		f.LendTakerFeeRatio,
		f.LendMakerFeeRatio,
	}
	for _, ratio := range ratios {
		if ratio > nativecommon.MaxFeeRatio {
			return ErrFeeTooHigh
		}
	}
	if f.IssueFtFeeRef >= nativecommon.DecimalBase {
		return ErrFeeTooHigh
	}
	return nil
}
