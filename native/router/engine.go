package router

import (
	"errors"
	"math/big"

	"termmax/core/events"
	"termmax/core/types"
	"termmax/crypto"
	nativecommon "termmax/native/common"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
)

var (
	// ErrMarketNotListed rejects flows through markets outside the allow-list.
	ErrMarketNotListed = errors.New("router engine: market not whitelisted")
	// ErrAdapterNotListed rejects swap units naming adapters outside the
	// allow-list.
	ErrAdapterNotListed = errors.New("router engine: adapter not whitelisted")
	// ErrInsufficientProceeds rejects a flash repay whose converted collateral
	// does not cover the outstanding debt.
	ErrInsufficientProceeds = errors.New("router engine: proceeds do not cover outstanding debt")

	errNilState            = errors.New("router engine: state not configured")
	errNilMarkets          = errors.New("router engine: market engine not configured")
	errNilOrders           = errors.New("router engine: order engine not configured")
	errNilGearing          = errors.New("router engine: gearing engine not configured")
	errNotOwner            = errors.New("router engine: caller is not the router owner")
	errInvalidAmount       = errors.New("router engine: amount must be positive")
	errNoTrades            = errors.New("router engine: at least one order trade required")
	errMinOutNotMet        = errors.New("router engine: output below minimum")
	errMaxInExceeded       = errors.New("router engine: input above maximum")
	errTradesExceedBudget  = errors.New("router engine: trade amounts exceed available balance")
	errWrongMarket         = errors.New("router engine: order or position not bound to market")
	errAdapterUnregistered = errors.New("router engine: adapter not registered")
	errBrokenSwapPath      = errors.New("router engine: swap units do not form a path to the target token")
)

const moduleName = "router"

// MarketEngine is the slice of the market engine the router composes over.
type MarketEngine interface {
	Get(marketID string) (*market.Market, error)
	Mint(caller crypto.Address, marketID string, recipient crypto.Address, amount *big.Int) error
	Burn(caller crypto.Address, marketID string, recipient crypto.Address, amount *big.Int) error
	IssueFt(caller crypto.Address, marketID string, recipient crypto.Address, debtAmount *big.Int, collateralData []byte) (uint64, *big.Int, error)
	IssueFtByExistedGt(caller crypto.Address, marketID string, recipient crypto.Address, debtAmount *big.Int, loanID uint64) (*big.Int, error)
	LeverageByXt(caller crypto.Address, marketID string, beneficiary crypto.Address, xtAmount *big.Int, cb market.LeverageCallback, extra []byte) (uint64, error)
	Redeem(caller crypto.Address, marketID string, recipient crypto.Address, ftAmount *big.Int) (*big.Int, *big.Int, error)
	CreateOrder(caller crypto.Address, marketID string, maxXtReserve *big.Int, cuts []order.CurveCut) (string, error)
}

// OrderEngine is the slice of the order engine the router trades through.
type OrderEngine interface {
	Get(orderID string) (*order.Order, error)
	Deposit(caller crypto.Address, orderID, token string, amount *big.Int) error
	SwapExactIn(caller, recipient crypto.Address, orderID, tokenIn, tokenOut string, amountIn, minOut *big.Int, cb order.SwapCallback, extra []byte) (*big.Int, error)
	SwapExactOut(caller, recipient crypto.Address, orderID, tokenIn, tokenOut string, amountOut, maxIn *big.Int, cb order.SwapCallback, extra []byte) (*big.Int, error)
}

// GearingEngine is the slice of the position registry the router drives.
type GearingEngine interface {
	LoanInfo(loanID uint64) (*gearing.LoanInfo, error)
	Repay(caller crypto.Address, loanID uint64, amount *big.Int, byDebtToken bool) (*big.Int, error)
	SeizeForFlashRepay(caller crypto.Address, loanID uint64, recipient crypto.Address) ([]byte, error)
	Ltv(loanID uint64) (uint64, error)
}

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	IsMarketListed(marketID string) (bool, error)
	SetMarketListed(marketID string, listed bool) error
	IsAdapterListed(name string) (bool, error)
	SetAdapterListed(name string, listed bool) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine is the stateless aggregator: it owns only the two allow-lists and
// composes market, order, and gearing calls into all-or-nothing flows.
type Engine struct {
	state    engineState
	markets  MarketEngine
	orders   OrderEngine
	gearing  GearingEngine
	adapters map[string]SwapAdapter
	owner    crypto.Address
	emitter  events.Emitter
	pauses   nativecommon.PauseView
}

// NewEngine constructs a router engine owned by the given administrator.
func NewEngine(owner crypto.Address) *Engine {
	return &Engine{
		adapters: make(map[string]SwapAdapter),
		owner:    owner,
		emitter:  events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEngines wires the component engines the router composes.
func (e *Engine) SetEngines(markets MarketEngine, orders OrderEngine, g GearingEngine) {
	if e == nil {
		return
	}
	e.markets = markets
	e.orders = orders
	e.gearing = g
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.markets == nil {
		return errNilMarkets
	}
	if e.orders == nil {
		return errNilOrders
	}
	if e.gearing == nil {
		return errNilGearing
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

// RegisterAdapter binds an adapter implementation to its name. Registration
// is wiring, not authorization: the adapter still needs whitelisting before
// any flow may use it.
func (e *Engine) RegisterAdapter(name string, adapter SwapAdapter) {
	if e == nil || name == "" || adapter == nil {
		return
	}
	if e.adapters == nil {
		e.adapters = make(map[string]SwapAdapter)
	}
	e.adapters[name] = adapter
}

// WhitelistMarket adds or removes a market from the allow-list. Owner only.
func (e *Engine) WhitelistMarket(caller crypto.Address, marketID string, listed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.owner.Equal(caller) {
		return errNotOwner
	}
	if listed {
		if e.markets == nil {
			return errNilMarkets
		}
		if _, err := e.markets.Get(marketID); err != nil {
			return err
		}
	}
	if err := e.state.SetMarketListed(marketID, listed); err != nil {
		return err
	}
	e.emit(events.RouterMarketListed{MarketID: marketID, Listed: listed})
	return nil
}

// WhitelistAdapter adds or removes a swap adapter from the allow-list.
// Owner only.
func (e *Engine) WhitelistAdapter(caller crypto.Address, name string, listed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.owner.Equal(caller) {
		return errNotOwner
	}
	if err := e.state.SetAdapterListed(name, listed); err != nil {
		return err
	}
	e.emit(events.RouterAdapterListed{Adapter: name, Listed: listed})
	return nil
}

// IsMarketListed reports the allow-list status of a market.
func (e *Engine) IsMarketListed(marketID string) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.IsMarketListed(marketID)
}

// IsAdapterListed reports the allow-list status of an adapter.
func (e *Engine) IsAdapterListed(name string) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.IsAdapterListed(name)
}

func (e *Engine) requireListed(marketID string) (*market.Market, error) {
	listed, err := e.state.IsMarketListed(marketID)
	if err != nil {
		return nil, err
	}
	if !listed {
		return nil, ErrMarketNotListed
	}
	return e.markets.Get(marketID)
}

// SwapExactTokenToToken splits a trade across the given orders in sequence,
// spending the per-trade input amounts, and enforces minOut on the summed
// output delivered to the recipient.
func (e *Engine) SwapExactTokenToToken(caller, recipient crypto.Address, tokenIn, tokenOut string, trades []OrderTrade, minOut *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, errNoTrades
	}
	snapshot := e.state.Snapshot()
	totalIn := big.NewInt(0)
	totalOut := big.NewInt(0)
	for _, trade := range trades {
		if err := e.checkTradeMarket(trade.OrderID); err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		out, err := e.orders.SwapExactIn(caller, recipient, trade.OrderID, tokenIn, tokenOut, trade.Amount, nil, nil, nil)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		totalIn.Add(totalIn, trade.Amount)
		totalOut.Add(totalOut, out)
	}
	if minOut != nil && totalOut.Cmp(minOut) < 0 {
		e.state.RevertToSnapshot(snapshot)
		return nil, errMinOutNotMet
	}
	e.emit(events.RouterSwapped{
		Caller:    caller,
		Recipient: recipient,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  totalIn,
		AmountOut: new(big.Int).Set(totalOut),
		Orders:    len(trades),
	})
	return totalOut, nil
}

// SwapTokenToExactToken buys the per-trade output amounts through the given
// orders and enforces maxIn on the summed input collected from the caller.
func (e *Engine) SwapTokenToExactToken(caller, recipient crypto.Address, tokenIn, tokenOut string, trades []OrderTrade, maxIn *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, errNoTrades
	}
	snapshot := e.state.Snapshot()
	totalIn := big.NewInt(0)
	totalOut := big.NewInt(0)
	for _, trade := range trades {
		if err := e.checkTradeMarket(trade.OrderID); err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		in, err := e.orders.SwapExactOut(caller, recipient, trade.OrderID, tokenIn, tokenOut, trade.Amount, nil, nil, nil)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		totalIn.Add(totalIn, in)
		totalOut.Add(totalOut, trade.Amount)
	}
	if maxIn != nil && totalIn.Cmp(maxIn) > 0 {
		e.state.RevertToSnapshot(snapshot)
		return nil, errMaxInExceeded
	}
	e.emit(events.RouterSwapped{
		Caller:    caller,
		Recipient: recipient,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(totalIn),
		AmountOut: totalOut,
		Orders:    len(trades),
	})
	return totalIn, nil
}

// SellTokens nets the caller's FT against XT through a pair burn and sells
// the surplus side through the given orders so the acquired counterside can
// be burned too, delivering a single debt-token amount to the beneficiary.
func (e *Engine) SellTokens(caller, beneficiary crypto.Address, marketID string, ftAmount, xtAmount *big.Int, trades []OrderTrade, minOut *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if ftAmount == nil || xtAmount == nil || ftAmount.Sign() < 0 || xtAmount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if ftAmount.Sign() == 0 && xtAmount.Sign() == 0 {
		return nil, errInvalidAmount
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return nil, err
	}

	snapshot := e.state.Snapshot()
	total, err := e.sellTokens(caller, beneficiary, m, ftAmount, xtAmount, trades)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	if minOut != nil && total.Cmp(minOut) < 0 {
		e.state.RevertToSnapshot(snapshot)
		return nil, errMinOutNotMet
	}
	e.emit(events.RouterSold{
		Caller:      caller,
		Beneficiary: beneficiary,
		MarketID:    marketID,
		FtAmount:    new(big.Int).Set(ftAmount),
		XtAmount:    new(big.Int).Set(xtAmount),
		TokenOut:    new(big.Int).Set(total),
	})
	return total, nil
}

func (e *Engine) sellTokens(caller, beneficiary crypto.Address, m *market.Market, ftAmount, xtAmount *big.Int, trades []OrderTrade) (*big.Int, error) {
	net := minBig(ftAmount, xtAmount)
	if net.Sign() > 0 {
		if err := e.markets.Burn(caller, m.ID, beneficiary, net); err != nil {
			return nil, err
		}
	}
	surplus := new(big.Int).Sub(ftAmount, xtAmount)
	surplusToken, counterToken := m.FtToken, m.XtToken
	if surplus.Sign() < 0 {
		surplus.Neg(surplus)
		surplusToken, counterToken = m.XtToken, m.FtToken
	}
	if surplus.Sign() == 0 || len(trades) == 0 {
		return net, nil
	}
	extra, err := e.sellSurplus(caller, beneficiary, m, surplusToken, counterToken, surplus, trades)
	if err != nil {
		return nil, err
	}
	return net.Add(net, extra), nil
}

// sellSurplus trades part of a one-sided FT or XT budget for its counterside
// and burns the resulting pairs, returning the debt tokens realized.
func (e *Engine) sellSurplus(caller, recipient crypto.Address, m *market.Market, surplusToken, counterToken string, budget *big.Int, trades []OrderTrade) (*big.Int, error) {
	sold := big.NewInt(0)
	acquired := big.NewInt(0)
	for _, trade := range trades {
		record, err := e.orders.Get(trade.OrderID)
		if err != nil {
			return nil, err
		}
		if record.MarketID != m.ID {
			return nil, errWrongMarket
		}
		out, err := e.orders.SwapExactIn(caller, caller, trade.OrderID, surplusToken, counterToken, trade.Amount, nil, nil, nil)
		if err != nil {
			return nil, err
		}
		sold.Add(sold, trade.Amount)
		acquired.Add(acquired, out)
	}
	if sold.Cmp(budget) > 0 {
		return nil, errTradesExceedBudget
	}
	pairs := minBig(new(big.Int).Sub(budget, sold), acquired)
	if pairs.Sign() > 0 {
		if err := e.markets.Burn(caller, m.ID, recipient, pairs); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// LeverageFromXt opens a leveraged position from XT the caller already
// holds: the market advances the matching debt tokens, the swap units
// convert them into collateral, and the resulting position must satisfy the
// caller's maxLtv.
func (e *Engine) LeverageFromXt(caller crypto.Address, marketID string, beneficiary crypto.Address, xtAmount *big.Int, units []SwapUnit, maxLtv uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return 0, err
	}
	snapshot := e.state.Snapshot()
	loanID, err := e.leverage(caller, m, beneficiary, xtAmount, units, maxLtv)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, err
	}
	return loanID, nil
}

/// LeverageFromToken opens a leveraged position from debt tokens: the input
// is split into FT and XT, the FT leg is sold for more XT through the given
// orders, and the combined XT funds the leverage.
func (e *Engine) LeverageFromToken(caller crypto.Address, marketID string, beneficiary crypto.Address, debtAmount *big.Int, trades []OrderTrade, units []SwapUnit, maxLtv uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return 0, err
	}
	snapshot := e.state.Snapshot()
	loanID, err := e.leverageFromToken(caller, m, beneficiary, debtAmount, trades, units, maxLtv)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, err
	}
	return loanID, nil
}

func (e *Engine) leverageFromToken(caller crypto.Address, m *market.Market, beneficiary crypto.Address, debtAmount *big.Int, trades []OrderTrade, units []SwapUnit, maxLtv uint64) (uint64, error) {
	if err := e.markets.Mint(caller, m.ID, caller, debtAmount); err != nil {
		return 0, err
	}
	sold := big.NewInt(0)
	xtTotal := new(big.Int).Set(debtAmount)
	for _, trade := range trades {
		record, err := e.orders.Get(trade.OrderID)
		if err != nil {
			return 0, err
		}
		if record.MarketID != m.ID {
			return 0, errWrongMarket
		}
		out, err := e.orders.SwapExactIn(caller, caller, trade.OrderID, m.FtToken, m.XtToken, trade.Amount, nil, nil, nil)
		if err != nil {
			return 0, err
		}
		sold.Add(sold, trade.Amount)
		xtTotal.Add(xtTotal, out)
	}
	if sold.Cmp(debtAmount) > 0 {
		return 0, errTradesExceedBudget
	}
	return e.leverage(caller, m, beneficiary, xtTotal, units, maxLtv)
}

func (e *Engine) leverage(caller crypto.Address, m *market.Market, beneficiary crypto.Address, xtAmount *big.Int, units []SwapUnit, maxLtv uint64) (uint64, error) {
	cb := &leverageCallback{
		engine:          e,
		holder:          caller,
		units:           units,
		collateralToken: m.CollateralToken,
	}
	loanID, err := e.markets.LeverageByXt(caller, m.ID, beneficiary, xtAmount, cb, nil)
	if err != nil {
		return 0, err
	}
	actual, err := e.gearing.Ltv(loanID)
	if err != nil {
		return 0, err
	}
	if actual > maxLtv {
		return 0, gearing.LtvError{Max: maxLtv, Actual: actual}
	}
	info, err := e.gearing.LoanInfo(loanID)
	if err != nil {
		return 0, err
	}
	e.emit(events.RouterLeveraged{
		Caller:      caller,
		Beneficiary: beneficiary,
		MarketID:    m.ID,
		LoanID:      loanID,
		DebtAmount:  info.DebtAmount,
		Collateral:  gearing.DecodeCollateral(info.CollateralData),
		LtvActual:   actual,
	})
	return loanID, nil
}

// leverageCallback converts the flash debt-token advance into collateral via
// the configured swap units while the market waits for the position to be
// collateralized.
type leverageCallback struct {
	engine          *Engine
	holder          crypto.Address
	units           []SwapUnit
	collateralToken string
}

func (c *leverageCallback) OnLeverage(debtToken string, amount *big.Int, extra []byte) ([]byte, error) {
	out, err := c.engine.runSwapUnits(c.holder, debtToken, amount, c.units, c.collateralToken)
	if err != nil {
		return nil, err
	}
	return gearing.EncodeCollateral(out), nil
}

// BorrowTokenFromCollateral deposits collateral, issues debtToIssue against
// it, and sells the FT proceeds through the given orders into debt tokens
// delivered to the caller, enforcing minTokenOut.
func (e *Engine) BorrowTokenFromCollateral(caller crypto.Address, marketID string, collateralData []byte, debtToIssue *big.Int, trades []OrderTrade, minTokenOut *big.Int) (uint64, *big.Int, error) {
	if err := e.ready(); err != nil {
		return 0, nil, err
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return 0, nil, err
	}
	snapshot := e.state.Snapshot()
	loanID, ftOut, err := e.markets.IssueFt(caller, marketID, caller, debtToIssue, collateralData)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, nil, err
	}
	proceeds, err := e.realizeFt(caller, m, ftOut, trades, minTokenOut)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, nil, err
	}
	e.emit(events.RouterBorrowed{
		Caller:     caller,
		MarketID:   marketID,
		LoanID:     loanID,
		DebtIssued: new(big.Int).Set(debtToIssue),
		TokenOut:   new(big.Int).Set(proceeds),
	})
	return loanID, proceeds, nil
}

// BorrowTokenFromGt issues additional debt against an existing position and
// sells the FT proceeds the same way as BorrowTokenFromCollateral.
func (e *Engine) BorrowTokenFromGt(caller crypto.Address, marketID string, loanID uint64, debtToIssue *big.Int, trades []OrderTrade, minTokenOut *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return nil, err
	}
	if err := e.checkLoanMarket(loanID, marketID); err != nil {
		return nil, err
	}
	snapshot := e.state.Snapshot()
	ftOut, err := e.markets.IssueFtByExistedGt(caller, marketID, caller, debtToIssue, loanID)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	proceeds, err := e.realizeFt(caller, m, ftOut, trades, minTokenOut)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(events.RouterBorrowed{
		Caller:     caller,
		MarketID:   marketID,
		LoanID:     loanID,
		DebtIssued: new(big.Int).Set(debtToIssue),
		TokenOut:   new(big.Int).Set(proceeds),
	})
	return proceeds, nil
}

// realizeFt converts a one-sided FT amount into debt tokens by selling part
// of it for XT and burning the pairs, with the slippage bound applied to the
// realized debt.
func (e *Engine) realizeFt(caller crypto.Address, m *market.Market, ftBudget *big.Int, trades []OrderTrade, minTokenOut *big.Int) (*big.Int, error) {
	proceeds, err := e.sellSurplus(caller, caller, m, m.FtToken, m.XtToken, ftBudget, trades)
	if err != nil {
		return nil, err
	}
	if minTokenOut != nil && proceeds.Cmp(minTokenOut) < 0 {
		return nil, errMinOutNotMet
	}
	return proceeds, nil
}

// FlashRepayFromColl removes all collateral from the caller's position,
// converts it into debt tokens through the swap units, fully repays the
// debt, and leaves any surplus with the caller. The whole call reverts if
// the proceeds fall short.
func (e *Engine) FlashRepayFromColl(caller crypto.Address, marketID string, loanID uint64, units []SwapUnit) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return nil, err
	}
	snapshot := e.state.Snapshot()
	leftover, repaid, err := e.flashRepay(caller, m, loanID, units)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(events.RouterRepaid{
		Caller:   caller,
		MarketID: marketID,
		LoanID:   loanID,
		Repaid:   repaid,
		Refund:   new(big.Int).Set(leftover),
	})
	return leftover, nil
}

func (e *Engine) flashRepay(caller crypto.Address, m *market.Market, loanID uint64, units []SwapUnit) (*big.Int, *big.Int, error) {
	info, err := e.gearing.LoanInfo(loanID)
	if err != nil {
		return nil, nil, err
	}
	if info.MarketID != m.ID {
		return nil, nil, errWrongMarket
	}
	debt := new(big.Int).Set(info.DebtAmount)
	collateralData, err := e.gearing.SeizeForFlashRepay(caller, loanID, caller)
	if err != nil {
		return nil, nil, err
	}
	proceeds, err := e.runSwapUnits(caller, m.CollateralToken, gearing.DecodeCollateral(collateralData), units, m.DebtToken)
	if err != nil {
		return nil, nil, err
	}
	if proceeds.Cmp(debt) < 0 {
		return nil, nil, ErrInsufficientProceeds
	}
	repaid, err := e.gearing.Repay(caller, loanID, debt, true)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Sub(proceeds, repaid), repaid, nil
}

// RepayByTokenThroughFt converts caller-supplied debt tokens into FT by
// splitting them into pairs and selling the XT leg through the given
// orders, applies the FT to the position, and burns any leftover pairs back
// into debt tokens for the caller.
func (e *Engine) RepayByTokenThroughFt(caller crypto.Address, marketID string, loanID uint64, tokenAmount *big.Int, trades []OrderTrade) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkLoanMarket(loanID, marketID); err != nil {
		return nil, nil, err
	}
	snapshot := e.state.Snapshot()
	repaid, refund, err := e.repayThroughFt(caller, m, loanID, tokenAmount, trades)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, nil, err
	}
	e.emit(events.RouterRepaid{
		Caller:   caller,
		MarketID: marketID,
		LoanID:   loanID,
		Repaid:   new(big.Int).Set(repaid),
		Refund:   new(big.Int).Set(refund),
	})
	return repaid, refund, nil
}

func (e *Engine) repayThroughFt(caller crypto.Address, m *market.Market, loanID uint64, tokenAmount *big.Int, trades []OrderTrade) (*big.Int, *big.Int, error) {
	if err := e.markets.Mint(caller, m.ID, caller, tokenAmount); err != nil {
		return nil, nil, err
	}
	sold := big.NewInt(0)
	ftTotal := new(big.Int).Set(tokenAmount)
	for _, trade := range trades {
		record, err := e.orders.Get(trade.OrderID)
		if err != nil {
			return nil, nil, err
		}
		if record.MarketID != m.ID {
			return nil, nil, errWrongMarket
		}
		out, err := e.orders.SwapExactIn(caller, caller, trade.OrderID, m.XtToken, m.FtToken, trade.Amount, nil, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		sold.Add(sold, trade.Amount)
		ftTotal.Add(ftTotal, out)
	}
	if sold.Cmp(tokenAmount) > 0 {
		return nil, nil, errTradesExceedBudget
	}
	repaid, err := e.gearing.Repay(caller, loanID, ftTotal, false)
	if err != nil {
		return nil, nil, err
	}
	leftoverFt := new(big.Int).Sub(ftTotal, repaid)
	leftoverXt := new(big.Int).Sub(tokenAmount, sold)
	refund := minBig(leftoverFt, leftoverXt)
	if refund.Sign() > 0 {
		if err := e.markets.Burn(caller, m.ID, caller, refund); err != nil {
			return nil, nil, err
		}
	}
	return repaid, refund, nil
}

// RedeemAndSwap redeems matured FT and converts any collateral remainder
// through the swap units into the settlement token, enforcing minTotalOut on
// the combined debt-token amount.
func (e *Engine) RedeemAndSwap(caller crypto.Address, marketID string, ftAmount *big.Int, units []SwapUnit, minTotalOut *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	m, err := e.requireListed(marketID)
	if err != nil {
		return nil, err
	}
	snapshot := e.state.Snapshot()
	debtOut, collateralOut, err := e.markets.Redeem(caller, marketID, caller, ftAmount)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	total := new(big.Int).Set(debtOut)
	if collateralOut.Sign() > 0 && len(units) > 0 {
		proceeds, err := e.runSwapUnits(caller, m.CollateralToken, collateralOut, units, m.DebtToken)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		total.Add(total, proceeds)
	}
	if minTotalOut != nil && total.Cmp(minTotalOut) < 0 {
		e.state.RevertToSnapshot(snapshot)
		return nil, errMinOutNotMet
	}
	e.emit(events.RouterRedeemedSwapped{
		Caller:   caller,
		MarketID: marketID,
		FtAmount: new(big.Int).Set(ftAmount),
		TotalOut: new(big.Int).Set(total),
	})
	return total, nil
}

// CreateOrderAndDeposit creates an order through the market factory and
// provisions it with the given deposits in one atomic call.
func (e *Engine) CreateOrderAndDeposit(caller crypto.Address, marketID string, maxXtReserve *big.Int, cuts []order.CurveCut, deposits []Deposit) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if _, err := e.requireListed(marketID); err != nil {
		return "", err
	}
	snapshot := e.state.Snapshot()
	orderID, err := e.markets.CreateOrder(caller, marketID, maxXtReserve, cuts)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return "", err
	}
	for _, dep := range deposits {
		if err := e.orders.Deposit(caller, orderID, dep.Token, dep.Amount); err != nil {
			e.state.RevertToSnapshot(snapshot)
			return "", err
		}
	}
	e.emit(events.RouterOrderProvisioned{Caller: caller, MarketID: marketID, OrderID: orderID})
	return orderID, nil
}

// runSwapUnits executes the adapter chain converting amountIn of sourceToken
// into wantOut, validating that the units form a contiguous whitelisted
// path.
func (e *Engine) runSwapUnits(holder crypto.Address, sourceToken string, amountIn *big.Int, units []SwapUnit, wantOut string) (*big.Int, error) {
	if len(units) == 0 {
		if sourceToken == wantOut {
			return new(big.Int).Set(amountIn), nil
		}
		return nil, errBrokenSwapPath
	}
	expectIn := sourceToken
	for _, unit := range units {
		if unit.TokenIn != expectIn {
			return nil, errBrokenSwapPath
		}
		expectIn = unit.TokenOut
	}
	if expectIn != wantOut {
		return nil, errBrokenSwapPath
	}
	amount := new(big.Int).Set(amountIn)
	for _, unit := range units {
		listed, err := e.state.IsAdapterListed(unit.Adapter)
		if err != nil {
			return nil, err
		}
		if !listed {
			return nil, ErrAdapterNotListed
		}
		adapter, ok := e.adapters[unit.Adapter]
		if !ok {
			return nil, errAdapterUnregistered
		}
		out, err := adapter.Execute(holder, unit.TokenIn, unit.TokenOut, amount, unit.ExtraData)
		if err != nil {
			return nil, err
		}
		if out == nil || out.Sign() < 0 {
			return nil, errInvalidAmount
		}
		amount = out
	}
	return amount, nil
}

func (e *Engine) checkTradeMarket(orderID string) error {
	record, err := e.orders.Get(orderID)
	if err != nil {
		return err
	}
	listed, err := e.state.IsMarketListed(record.MarketID)
	if err != nil {
		return err
	}
	if !listed {
		return ErrMarketNotListed
	}
	return nil
}

func (e *Engine) checkLoanMarket(loanID uint64, marketID string) error {
	info, err := e.gearing.LoanInfo(loanID)
	if err != nil {
		return err
	}
	if info.MarketID != marketID {
		return errWrongMarket
	}
	return nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
