package router

import (
	"math/big"

	"termmax/crypto"
)

// SwapUnit describes one external conversion step executed through a
// whitelisted adapter. Units chain: each TokenIn must match the previous
// unit's TokenOut.
type SwapUnit struct {
	Adapter   string
	TokenIn   string
	TokenOut  string
	ExtraData []byte
}

// OrderTrade pins one order and the amount to trade through it. For
// exact-in flows Amount is the input leg, for exact-out flows the output
// leg. Trades execute in caller order; curve state updates are visible to
// the next trade in the sequence.
type OrderTrade struct {
	OrderID string
	Amount  *big.Int
}

// Deposit is one token amount provisioned into a freshly created order.
type Deposit struct {
	Token  string
	Amount *big.Int
}

// SwapAdapter executes an opaque external conversion on behalf of holder
// and returns the amount of TokenOut delivered to the holder's account.
type SwapAdapter interface {
	Execute(holder crypto.Address, tokenIn, tokenOut string, amountIn *big.Int, extra []byte) (*big.Int, error)
}
