package order

import (
	"math/big"

	"termmax/crypto"
)

// Order is the persisted configuration and identity of a single curve-priced
// book. Its tradable reserves are the balances held by Address, so deposits
// and swap settlements share one ledger.
type Order struct {
	ID           string
	MarketID     string
	Maker        crypto.Address
	Address      crypto.Address
	MaxXtReserve *big.Int
	Cuts         []CurveCut
	CreatedAt    int64
}

// Clone returns a deep copy of the order record.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := &Order{
		ID:        o.ID,
		MarketID:  o.MarketID,
		Maker:     o.Maker,
		Address:   o.Address,
		Cuts:      CloneCuts(o.Cuts),
		CreatedAt: o.CreatedAt,
	}
	if o.MaxXtReserve != nil {
		clone.MaxXtReserve = new(big.Int).Set(o.MaxXtReserve)
	}
	return clone
}

// MarketView is the slice of market state an order needs to price and settle
// swaps: token symbols, the trading deadline, and the fee schedule.
type MarketView struct {
	DebtToken           string
	FtToken             string
	XtToken             string
	Maturity            int64
	Treasurer           crypto.Address
	LendTakerFeeRatio   uint64
	LendMakerFeeRatio   uint64
	BorrowTakerFeeRatio uint64
	BorrowMakerFeeRatio uint64
}

// SwapCallback is the optional hook invoked by an order after it has paid
// out tokenOut and before it verifies delivery of tokenIn. Implementations
// must transfer at least the agreed tokenIn amount to the order account
// before returning, otherwise the entire swap reverts.
type SwapCallback interface {
	OnSwap(tokenIn, tokenOut string, amountOut *big.Int, extra []byte) error
}
