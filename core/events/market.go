package events

import (
	"math/big"

	"termmax/core/types"
	"termmax/crypto"
)

const (
	TypeMarketMinted        = "market.minted"
	TypeMarketBurned        = "market.burned"
	TypeMarketFtIssued      = "market.ft_issued"
	TypeMarketGtMinted      = "market.gt_minted"
	TypeMarketRedeemed      = "market.redeemed"
	TypeMarketConfigUpdated = "market.config_updated"
	TypeMarketOrderCreated  = "market.order_created"
)

// MarketMinted is emitted when debt tokens are split into FT and XT claims.
type MarketMinted struct {
	MarketID  string
	Caller    crypto.Address
	Recipient crypto.Address
	Amount    *big.Int
}

func (MarketMinted) EventType() string { return TypeMarketMinted }

func (e MarketMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketMinted,
		Attributes: map[string]string{
			"market":    e.MarketID,
			"caller":    e.Caller.String(),
			"recipient": e.Recipient.String(),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// MarketBurned is emitted when FT and XT are recombined into debt tokens.
type MarketBurned struct {
	MarketID  string
	Caller    crypto.Address
	Recipient crypto.Address
	Amount    *big.Int
}

func (MarketBurned) EventType() string { return TypeMarketBurned }

func (e MarketBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketBurned,
		Attributes: map[string]string{
			"market":    e.MarketID,
			"caller":    e.Caller.String(),
			"recipient": e.Recipient.String(),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// MarketFtIssued is emitted when FT is issued against a collateralized
// position, with the fee breakdown.
type MarketFtIssued struct {
	MarketID  string
	Caller    crypto.Address
	Recipient crypto.Address
	LoanID    uint64
	DebtAmt   *big.Int
	FtOut     *big.Int
	Fee       *big.Int
}

func (MarketFtIssued) EventType() string { return TypeMarketFtIssued }

func (e MarketFtIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketFtIssued,
		Attributes: map[string]string{
			"market":    e.MarketID,
			"caller":    e.Caller.String(),
			"recipient": e.Recipient.String(),
			"loanId":    uintToString(e.LoanID),
			"debtAmt":   formatAmount(e.DebtAmt),
			"ftOut":     formatAmount(e.FtOut),
			"fee":       formatAmount(e.Fee),
		},
	}
}

// MarketGtMinted is emitted when a flash-leverage callback opens a position.
type MarketGtMinted struct {
	MarketID    string
	Caller      crypto.Address
	Beneficiary crypto.Address
	LoanID      uint64
	DebtAmt     *big.Int
}

func (MarketGtMinted) EventType() string { return TypeMarketGtMinted }

func (e MarketGtMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketGtMinted,
		Attributes: map[string]string{
			"market":      e.MarketID,
			"caller":      e.Caller.String(),
			"beneficiary": e.Beneficiary.String(),
			"loanId":      uintToString(e.LoanID),
			"debtAmt":     formatAmount(e.DebtAmt),
		},
	}
}

// MarketRedeemed is emitted when matured FT is redeemed for pro-rata
// proceeds.
type MarketRedeemed struct {
	MarketID      string
	Caller        crypto.Address
	Recipient     crypto.Address
	FtAmount      *big.Int
	DebtOut       *big.Int
	CollateralOut *big.Int
	Fee           *big.Int
}

func (MarketRedeemed) EventType() string { return TypeMarketRedeemed }

func (e MarketRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketRedeemed,
		Attributes: map[string]string{
			"market":        e.MarketID,
			"caller":        e.Caller.String(),
			"recipient":     e.Recipient.String(),
			"ftAmount":      formatAmount(e.FtAmount),
			"debtOut":       formatAmount(e.DebtOut),
			"collateralOut": formatAmount(e.CollateralOut),
			"fee":           formatAmount(e.Fee),
		},
	}
}

// MarketConfigUpdated is emitted when the market owner replaces the fee or
// treasurer configuration.
type MarketConfigUpdated struct {
	MarketID  string
	Treasurer crypto.Address
	Maturity  int64
}

func (MarketConfigUpdated) EventType() string { return TypeMarketConfigUpdated }

func (e MarketConfigUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketConfigUpdated,
		Attributes: map[string]string{
			"market":    e.MarketID,
			"treasurer": e.Treasurer.String(),
			"maturity":  intToString(e.Maturity),
		},
	}
}

// MarketOrderCreated is emitted when the market factory instantiates an
// order.
type MarketOrderCreated struct {
	MarketID string
	OrderID  string
	Maker    crypto.Address
}

func (MarketOrderCreated) EventType() string { return TypeMarketOrderCreated }

func (e MarketOrderCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketOrderCreated,
		Attributes: map[string]string{
			"market": e.MarketID,
			"order":  e.OrderID,
			"maker":  e.Maker.String(),
		},
	}
}
