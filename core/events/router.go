package events

import (
	"math/big"

	"termmax/core/types"
	"termmax/crypto"
)

const (
	TypeRouterSwapped          = "router.swapped"
	TypeRouterSold             = "router.sold"
	TypeRouterLeveraged        = "router.leveraged"
	TypeRouterBorrowed         = "router.borrowed"
	TypeRouterRepaid           = "router.repaid"
	TypeRouterRedeemedSwapped  = "router.redeemed_and_swapped"
	TypeRouterMarketListed     = "router.market_whitelisted"
	TypeRouterAdapterListed    = "router.adapter_whitelisted"
	TypeRouterOrderProvisioned = "router.order_provisioned"
)

// RouterSwapped is emitted after a multi-order aggregated swap.
type RouterSwapped struct {
	Caller    crypto.Address
	Recipient crypto.Address
	TokenIn   string
	TokenOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
	Orders    int
}

func (RouterSwapped) EventType() string { return TypeRouterSwapped }

func (e RouterSwapped) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterSwapped,
		Attributes: map[string]string{
			"caller":    e.Caller.String(),
			"recipient": e.Recipient.String(),
			"tokenIn":   e.TokenIn,
			"tokenOut":  e.TokenOut,
			"amountIn":  formatAmount(e.AmountIn),
			"amountOut": formatAmount(e.AmountOut),
			"orders":    intToString(int64(e.Orders)),
		},
	}
}

// RouterSold is emitted when FT/XT inventory is netted and sold for a single
// output token.
type RouterSold struct {
	Caller      crypto.Address
	Beneficiary crypto.Address
	MarketID    string
	FtAmount    *big.Int
	XtAmount    *big.Int
	TokenOut    *big.Int
}

func (RouterSold) EventType() string { return TypeRouterSold }

func (e RouterSold) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterSold,
		Attributes: map[string]string{
			"caller":      e.Caller.String(),
			"beneficiary": e.Beneficiary.String(),
			"market":      e.MarketID,
			"ftAmount":    formatAmount(e.FtAmount),
			"xtAmount":    formatAmount(e.XtAmount),
			"tokenOut":    formatAmount(e.TokenOut),
		},
	}
}

// RouterLeveraged is emitted when a leveraged position is constructed.
type RouterLeveraged struct {
	Caller      crypto.Address
	Beneficiary crypto.Address
	MarketID    string
	LoanID      uint64
	DebtAmount  *big.Int
	Collateral  *big.Int
	LtvActual   uint64
}

func (RouterLeveraged) EventType() string { return TypeRouterLeveraged }

func (e RouterLeveraged) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterLeveraged,
		Attributes: map[string]string{
			"caller":      e.Caller.String(),
			"beneficiary": e.Beneficiary.String(),
			"market":      e.MarketID,
			"loanId":      uintToString(e.LoanID),
			"debtAmount":  formatAmount(e.DebtAmount),
			"collateral":  formatAmount(e.Collateral),
			"ltv":         uintToString(e.LtvActual),
		},
	}
}

// RouterBorrowed is emitted when FT is issued and sold for debt tokens on
// behalf of a borrower.
type RouterBorrowed struct {
	Caller     crypto.Address
	MarketID   string
	LoanID     uint64
	DebtIssued *big.Int
	TokenOut   *big.Int
}

func (RouterBorrowed) EventType() string { return TypeRouterBorrowed }

func (e RouterBorrowed) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterBorrowed,
		Attributes: map[string]string{
			"caller":     e.Caller.String(),
			"market":     e.MarketID,
			"loanId":     uintToString(e.LoanID),
			"debtIssued": formatAmount(e.DebtIssued),
			"tokenOut":   formatAmount(e.TokenOut),
		},
	}
}

// RouterRepaid is emitted for flash and token-funded repayment flows.
type RouterRepaid struct {
	Caller   crypto.Address
	MarketID string
	LoanID   uint64
	Repaid   *big.Int
	Refund   *big.Int
}

func (RouterRepaid) EventType() string { return TypeRouterRepaid }

func (e RouterRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterRepaid,
		Attributes: map[string]string{
			"caller": e.Caller.String(),
			"market": e.MarketID,
			"loanId": uintToString(e.LoanID),
			"repaid": formatAmount(e.Repaid),
			"refund": formatAmount(e.Refund),
		},
	}
}

// RouterRedeemedSwapped is emitted after redemption plus collateral
// conversion.
type RouterRedeemedSwapped struct {
	Caller   crypto.Address
	MarketID string
	FtAmount *big.Int
	TotalOut *big.Int
}

func (RouterRedeemedSwapped) EventType() string { return TypeRouterRedeemedSwapped }

func (e RouterRedeemedSwapped) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterRedeemedSwapped,
		Attributes: map[string]string{
			"caller":   e.Caller.String(),
			"market":   e.MarketID,
			"ftAmount": formatAmount(e.FtAmount),
			"totalOut": formatAmount(e.TotalOut),
		},
	}
}

// RouterMarketListed is emitted when the owner whitelists or delists a
// market.
type RouterMarketListed struct {
	MarketID string
	Listed   bool
}

func (RouterMarketListed) EventType() string { return TypeRouterMarketListed }

func (e RouterMarketListed) Event() *types.Event {
	listed := "false"
	if e.Listed {
		listed = "true"
	}
	return &types.Event{
		Type:       TypeRouterMarketListed,
		Attributes: map[string]string{"market": e.MarketID, "listed": listed},
	}
}

// RouterAdapterListed is emitted when the owner whitelists or delists a swap
// adapter.
type RouterAdapterListed struct {
	Adapter string
	Listed  bool
}

func (RouterAdapterListed) EventType() string { return TypeRouterAdapterListed }

func (e RouterAdapterListed) Event() *types.Event {
	listed := "false"
	if e.Listed {
		listed = "true"
	}
	return &types.Event{
		Type:       TypeRouterAdapterListed,
		Attributes: map[string]string{"adapter": e.Adapter, "listed": listed},
	}
}

// RouterOrderProvisioned is emitted by createOrderAndDeposit.
type RouterOrderProvisioned struct {
	Caller   crypto.Address
	MarketID string
	OrderID  string
}

func (RouterOrderProvisioned) EventType() string { return TypeRouterOrderProvisioned }

func (e RouterOrderProvisioned) Event() *types.Event {
	return &types.Event{
		Type: TypeRouterOrderProvisioned,
		Attributes: map[string]string{
			"caller": e.Caller.String(),
			"market": e.MarketID,
			"order":  e.OrderID,
		},
	}
}
