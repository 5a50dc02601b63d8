package events

import (
	"math/big"

	"termmax/core/types"
	"termmax/crypto"
)

const (
	TypeOrderSwapped       = "order.swapped"
	TypeOrderDeposited     = "order.deposited"
	TypeOrderConfigUpdated = "order.config_updated"
	TypeOrderMakerChanged  = "order.maker_changed"
)

// OrderSwapped is emitted after a curve-priced swap settles.
type OrderSwapped struct {
	OrderID   string
	Caller    crypto.Address
	Recipient crypto.Address
	TokenIn   string
	TokenOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int
}

func (OrderSwapped) EventType() string { return TypeOrderSwapped }

func (e OrderSwapped) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderSwapped,
		Attributes: map[string]string{
			"order":     e.OrderID,
			"caller":    e.Caller.String(),
			"recipient": e.Recipient.String(),
			"tokenIn":   e.TokenIn,
			"tokenOut":  e.TokenOut,
			"amountIn":  formatAmount(e.AmountIn),
			"amountOut": formatAmount(e.AmountOut),
			"fee":       formatAmount(e.Fee),
		},
	}
}

// OrderDeposited is emitted when reserves are pushed into an order without a
// swap.
type OrderDeposited struct {
	OrderID string
	Caller  crypto.Address
	Token   string
	Amount  *big.Int
}

func (OrderDeposited) EventType() string { return TypeOrderDeposited }

func (e OrderDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderDeposited,
		Attributes: map[string]string{
			"order":  e.OrderID,
			"caller": e.Caller.String(),
			"token":  e.Token,
			"amount": formatAmount(e.Amount),
		},
	}
}

// OrderConfigUpdated is emitted when the maker retunes the curve or reserve
// bound.
type OrderConfigUpdated struct {
	OrderID      string
	Maker        crypto.Address
	MaxXtReserve *big.Int
	CurveCuts    int
}

func (OrderConfigUpdated) EventType() string { return TypeOrderConfigUpdated }

func (e OrderConfigUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderConfigUpdated,
		Attributes: map[string]string{
			"order":        e.OrderID,
			"maker":        e.Maker.String(),
			"maxXtReserve": formatAmount(e.MaxXtReserve),
			"curveCuts":    intToString(int64(e.CurveCuts)),
		},
	}
}

// OrderMakerChanged is emitted when makership is transferred.
type OrderMakerChanged struct {
	OrderID  string
	OldMaker crypto.Address
	NewMaker crypto.Address
}

func (OrderMakerChanged) EventType() string { return TypeOrderMakerChanged }

func (e OrderMakerChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderMakerChanged,
		Attributes: map[string]string{
			"order":    e.OrderID,
			"oldMaker": e.OldMaker.String(),
			"newMaker": e.NewMaker.String(),
		},
	}
}
