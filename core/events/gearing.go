package events

import (
	"math/big"

	"termmax/core/types"
	"termmax/crypto"
)

const (
	TypeLoanOpened        = "gearing.loan_opened"
	TypeLoanAugmented     = "gearing.loan_augmented"
	TypeLoanRepaid        = "gearing.loan_repaid"
	TypeLoanClosed        = "gearing.loan_closed"
	TypeLoanLiquidated    = "gearing.loan_liquidated"
	TypeCollateralRemoved = "gearing.collateral_removed"
)

// LoanOpened is emitted when a new collateralized position is created.
type LoanOpened struct {
	MarketID   string
	LoanID     uint64
	Owner      crypto.Address
	DebtAmount *big.Int
	Collateral *big.Int
}

func (LoanOpened) EventType() string { return TypeLoanOpened }

func (e LoanOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanOpened,
		Attributes: map[string]string{
			"market":     e.MarketID,
			"loanId":     uintToString(e.LoanID),
			"owner":      e.Owner.String(),
			"debtAmount": formatAmount(e.DebtAmount),
			"collateral": formatAmount(e.Collateral),
		},
	}
}

// LoanAugmented is emitted when additional debt is issued against an
// existing position.
type LoanAugmented struct {
	MarketID   string
	LoanID     uint64
	Caller     crypto.Address
	DebtAdded  *big.Int
	DebtAmount *big.Int
}

func (LoanAugmented) EventType() string { return TypeLoanAugmented }

func (e LoanAugmented) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanAugmented,
		Attributes: map[string]string{
			"market":     e.MarketID,
			"loanId":     uintToString(e.LoanID),
			"caller":     e.Caller.String(),
			"debtAdded":  formatAmount(e.DebtAdded),
			"debtAmount": formatAmount(e.DebtAmount),
		},
	}
}

// LoanRepaid is emitted for both partial and closing repayments.
type LoanRepaid struct {
	MarketID    string
	LoanID      uint64
	Caller      crypto.Address
	Amount      *big.Int
	ByDebtToken bool
	Remaining   *big.Int
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	byToken := "ft"
	if e.ByDebtToken {
		byToken = "debt"
	}
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"market":    e.MarketID,
			"loanId":    uintToString(e.LoanID),
			"caller":    e.Caller.String(),
			"amount":    formatAmount(e.Amount),
			"paidWith":  byToken,
			"remaining": formatAmount(e.Remaining),
		},
	}
}

// LoanClosed is emitted when a fully repaid position releases its
// collateral.
type LoanClosed struct {
	MarketID           string
	LoanID             uint64
	Owner              crypto.Address
	CollateralReleased *big.Int
}

func (LoanClosed) EventType() string { return TypeLoanClosed }

func (e LoanClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanClosed,
		Attributes: map[string]string{
			"market":             e.MarketID,
			"loanId":             uintToString(e.LoanID),
			"owner":              e.Owner.String(),
			"collateralReleased": formatAmount(e.CollateralReleased),
		},
	}
}

// LoanLiquidated is emitted when a third party seizes collateral against an
// unhealthy or overdue position.
type LoanLiquidated struct {
	MarketID   string
	LoanID     uint64
	Liquidator crypto.Address
	Repaid     *big.Int
	Seized     *big.Int
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"market":     e.MarketID,
			"loanId":     uintToString(e.LoanID),
			"liquidator": e.Liquidator.String(),
			"repaid":     formatAmount(e.Repaid),
			"seized":     formatAmount(e.Seized),
		},
	}
}

// CollateralRemoved is emitted when collateral is withdrawn from an open
// position that remains within its loan-to-value bound.
type CollateralRemoved struct {
	MarketID string
	LoanID   uint64
	Owner    crypto.Address
	Amount   *big.Int
}

func (CollateralRemoved) EventType() string { return TypeCollateralRemoved }

func (e CollateralRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRemoved,
		Attributes: map[string]string{
			"market": e.MarketID,
			"loanId": uintToString(e.LoanID),
			"owner":  e.Owner.String(),
			"amount": formatAmount(e.Amount),
		},
	}
}
