package gearing

import (
	"fmt"
	"math/big"

	"termmax/crypto"
)

// Loan is one collateralized debt position. Slots are never reused: a closed
// or liquidated loan keeps its record with the inactive flag set so position
// identifiers stay stable.
type Loan struct {
	ID         uint64
	MarketID   string
	Owner      crypto.Address
	DebtAmount *big.Int
	Collateral *big.Int
	Closed     bool
	Liquidated bool
}

// Active reports whether the position is still open.
func (l *Loan) Active() bool {
	return l != nil && !l.Closed && !l.Liquidated
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		ID:         l.ID,
		MarketID:   l.MarketID,
		Owner:      l.Owner,
		Closed:     l.Closed,
		Liquidated: l.Liquidated,
	}
	if l.DebtAmount != nil {
		clone.DebtAmount = new(big.Int).Set(l.DebtAmount)
	}
	if l.Collateral != nil {
		clone.Collateral = new(big.Int).Set(l.Collateral)
	}
	return clone
}

// LoanInfo is the externally visible snapshot of an open position.
type LoanInfo struct {
	ID             uint64
	MarketID       string
	Owner          crypto.Address
	DebtAmount     *big.Int
	Liquidatable   bool
	CollateralData []byte
}

// Config groups the treasurer identity and the risk thresholds applied to
// every position. Ratios are DecimalBase-scaled.
type Config struct {
	Treasurer        crypto.Address
	MaxLtv           uint64
	LiquidationLtv   uint64
	LiquidationBonus uint64
}

// MarketTerms is the slice of market state the gearing engine needs: token
// symbols, the maturity boundary, and the pool account that receives
// repayments.
type MarketTerms struct {
	Maturity        int64
	DebtToken       string
	FtToken         string
	CollateralToken string
	MarketAddress   crypto.Address
}

// LtvError reports a loan-to-value bound violation with the offending
// values so callers can retry with corrected parameters.
type LtvError struct {
	Max    uint64
	Actual uint64
}

func (e LtvError) Error() string {
	return fmt.Sprintf("ltv bigger than expected: max %d, actual %d", e.Max, e.Actual)
}

// EncodeCollateral renders a collateral amount as the opaque descriptor
// carried by issueFt and leverage calls.
func EncodeCollateral(amount *big.Int) []byte {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return amount.Bytes()
}

// DecodeCollateral parses an opaque collateral descriptor back into an
// amount of the market's collateral token.
func DecodeCollateral(data []byte) *big.Int {
	if len(data) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(data)
}
