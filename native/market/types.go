package market

import (
	"math/big"

	"termmax/crypto"
)

// Market is one fixed-maturity instrument: a debt token split into FT and XT
// claims that trade until maturity and settle after the liquidation window.
// The pool account at Address holds the debt tokens backing outstanding
// claims plus any collateral swept in by foreclosure.
type Market struct {
	ID              string
	Owner           crypto.Address
	Address         crypto.Address
	Treasurer       crypto.Address
	DebtToken       string
	FtToken         string
	XtToken         string
	CollateralToken string
	Maturity        int64
	Fees            FeeConfig
	TotalFtSupply   *big.Int
	CreatedAt       int64
}

// Clone returns a deep copy of the market record.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	if m.TotalFtSupply != nil {
		clone.TotalFtSupply = new(big.Int).Set(m.TotalFtSupply)
	}
	return &clone
}

// RedemptionDeadline is the first instant at which redeem is allowed: every
// outstanding position must be repaid, liquidated, or foreclosed by then.
func (m *Market) RedemptionDeadline() int64 {
	return m.Maturity + liquidationWindow
}

// CreateParams collects the immutable identity of a new market.
type CreateParams struct {
	ID              string
	DebtToken       string
	CollateralToken string
	Maturity        int64
	Treasurer       crypto.Address
	Fees            FeeConfig
}
