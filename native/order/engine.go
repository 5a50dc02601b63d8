package order

import (
	"errors"
	"math/big"
	"time"

	"termmax/core/events"
	"termmax/core/types"
	"termmax/crypto"
	nativecommon "termmax/native/common"
)

var (
	errNilState            = errors.New("order engine: state not configured")
	errOrderNotFound       = errors.New("order engine: order not found")
	errNotMaker            = errors.New("order engine: caller is not the maker")
	errInvalidAmount       = errors.New("order engine: amount must be positive")
	errUnsupportedPair     = errors.New("order engine: swap pair must be the market's FT/XT pair")
	errUnknownToken        = errors.New("order engine: token not traded by this order")
	errXtReserveExceeded   = errors.New("order engine: swap would exceed max XT reserve")
	errInsufficientReserve = errors.New("order engine: insufficient order reserve")
	errInsufficientFunds   = errors.New("order engine: insufficient balance")
	errMinOutNotMet        = errors.New("order engine: output below minimum")
	errMaxInExceeded       = errors.New("order engine: input above maximum")
	errCallbackShortfall   = errors.New("order engine: swap callback did not deliver tokenIn")
)

const moduleName = "order"

type engineState interface {
	GetOrder(id string) (*Order, error)
	PutOrder(*Order) error
	NextOrderNonce() (uint64, error)
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	MarketView(marketID string) (MarketView, error)
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine prices and settles curve-bounded FT/XT swaps for every order bound
// to the venue's markets.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	guard   *nativecommon.CallGuard
	nowFn   func() int64
}

// NewEngine constructs an order engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		guard:   nativecommon.NewCallGuard(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Create instantiates a new order bound to the given market. The maker
// controls the curve and reserve bound; the derived order account holds the
// tradable reserves. Create satisfies the market factory interface.
func (e *Engine) Create(marketID string, maker crypto.Address, maxXtReserve *big.Int, cuts []CurveCut) (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return "", err
	}
	if maxXtReserve == nil || maxXtReserve.Sign() < 0 {
		return "", errInvalidAmount
	}
	if err := ValidateCuts(cuts); err != nil {
		return "", err
	}
	if _, err := e.state.MarketView(marketID); err != nil {
		return "", err
	}
	nonce, err := e.state.NextOrderNonce()
	if err != nil {
		return "", err
	}
	addr := crypto.DeriveOrderAddress(marketID, maker, nonce)
	record := &Order{
		ID:           addr.String(),
		MarketID:     marketID,
		Maker:        maker,
		Address:      addr,
		MaxXtReserve: new(big.Int).Set(maxXtReserve),
		Cuts:         CloneCuts(cuts),
		CreatedAt:    e.nowFn(),
	}
	if err := e.state.PutOrder(record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Get returns a copy of the order record.
func (e *Engine) Get(orderID string) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errOrderNotFound
	}
	return record.Clone(), nil
}

// Deposit moves caller-held FT, XT, or debt tokens into the order's reserve
// without pricing a swap.
func (e *Engine) Deposit(caller crypto.Address, orderID, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, err := e.state.GetOrder(orderID)
	if err != nil {
		return err
	}
	if record == nil {
		return errOrderNotFound
	}
	view, err := e.state.MarketView(record.MarketID)
	if err != nil {
		return err
	}
	if token != view.DebtToken && token != view.FtToken && token != view.XtToken {
		return errUnknownToken
	}
	if token == view.XtToken {
		reserve, err := e.balanceOf(record.Address, token)
		if err != nil {
			return err
		}
		if new(big.Int).Add(reserve, amount).Cmp(record.MaxXtReserve) > 0 {
			return errXtReserveExceeded
		}
	}
	if err := e.transfer(caller, record.Address, token, amount); err != nil {
		return err
	}
	e.emit(events.OrderDeposited{OrderID: orderID, Caller: caller, Token: token, Amount: new(big.Int).Set(amount)})
	return nil
}

// UpdateConfig replaces the reserve bound and curve of an order. Maker only.
func (e *Engine) UpdateConfig(caller crypto.Address, orderID string, maxXtReserve *big.Int, cuts []CurveCut) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if maxXtReserve == nil || maxXtReserve.Sign() < 0 {
		return errInvalidAmount
	}
	if err := ValidateCuts(cuts); err != nil {
		return err
	}
	record, err := e.state.GetOrder(orderID)
	if err != nil {
		return err
	}
	if record == nil {
		return errOrderNotFound
	}
	if !record.Maker.Equal(caller) {
		return errNotMaker
	}
	record.MaxXtReserve = new(big.Int).Set(maxXtReserve)
	record.Cuts = CloneCuts(cuts)
	if err := e.state.PutOrder(record); err != nil {
		return err
	}
	e.emit(events.OrderConfigUpdated{OrderID: orderID, Maker: caller, MaxXtReserve: record.MaxXtReserve, CurveCuts: len(cuts)})
	return nil
}

// TransferMakership hands control of the order to a new maker.
func (e *Engine) TransferMakership(caller crypto.Address, orderID string, newMaker crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	record, err := e.state.GetOrder(orderID)
	if err != nil {
		return err
	}
	if record == nil {
		return errOrderNotFound
	}
	if !record.Maker.Equal(caller) {
		return errNotMaker
	}
	old := record.Maker
	record.Maker = newMaker
	if err := e.state.PutOrder(record); err != nil {
		return err
	}
	e.emit(events.OrderMakerChanged{OrderID: orderID, OldMaker: old, NewMaker: newMaker})
	return nil
}

// SwapExactIn trades a fixed amountIn of tokenIn for as much tokenOut as the
// curve allows, enforcing minOut. It returns the net amount delivered to the
// recipient.
func (e *Engine) SwapExactIn(caller, recipient crypto.Address, orderID, tokenIn, tokenOut string, amountIn, minOut *big.Int, cb SwapCallback, extra []byte) (*big.Int, error) {
	return e.swap(caller, recipient, orderID, tokenIn, tokenOut, amountIn, minOut, true, cb, extra)
}

// SwapExactOut trades as little tokenIn as the curve allows for a fixed
// amountOut of tokenOut, enforcing maxIn. It returns the gross amount of
// tokenIn collected.
func (e *Engine) SwapExactOut(caller, recipient crypto.Address, orderID, tokenIn, tokenOut string, amountOut, maxIn *big.Int, cb SwapCallback, extra []byte) (*big.Int, error) {
	return e.swap(caller, recipient, orderID, tokenIn, tokenOut, amountOut, maxIn, false, cb, extra)
}

func (e *Engine) swap(caller, recipient crypto.Address, orderID, tokenIn, tokenOut string, amount, bound *big.Int, exactIn bool, cb SwapCallback, extra []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := e.guard.Begin(orderID); err != nil {
		return nil, err
	}
	defer e.guard.End(orderID)

	record, err := e.state.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errOrderNotFound
	}
	view, err := e.state.MarketView(record.MarketID)
	if err != nil {
		return nil, err
	}
	if e.nowFn() >= view.Maturity {
		return nil, nativecommon.ErrTermIsNotOpen
	}

	buyingFt := tokenIn == view.XtToken && tokenOut == view.FtToken
	buyingXt := tokenIn == view.FtToken && tokenOut == view.XtToken
	if !buyingFt && !buyingXt {
		return nil, errUnsupportedPair
	}

	reserve, err := e.balanceOf(record.Address, view.XtToken)
	if err != nil {
		return nil, err
	}

	var amountIn, amountOut, fee *big.Int
	if buyingFt {
		amountIn, amountOut, fee, err = e.quoteBuyFt(record, view, reserve, amount, exactIn)
	} else {
		amountIn, amountOut, fee, err = e.quoteBuyXt(record, view, reserve, amount, exactIn)
	}
	if err != nil {
		return nil, err
	}
	if exactIn {
		if bound != nil && amountOut.Cmp(bound) < 0 {
			return nil, errMinOutNotMet
		}
	} else {
		if bound != nil && amountIn.Cmp(bound) > 0 {
			return nil, errMaxInExceeded
		}
	}

	snapshot := e.state.Snapshot()
	if err := e.settle(record, view, caller, recipient, tokenIn, tokenOut, amountIn, amountOut, fee, cb, extra); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(events.OrderSwapped{
		OrderID:   orderID,
		Caller:    caller,
		Recipient: recipient,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: new(big.Int).Set(amountOut),
		Fee:       new(big.Int).Set(fee),
	})
	if exactIn {
		return amountOut, nil
	}
	return amountIn, nil
}

// quoteBuyFt prices XT-in/FT-out. Fees are taken from the FT leg at the
// market's lend taker+maker ratio.
func (e *Engine) quoteBuyFt(record *Order, view MarketView, reserve, amount *big.Int, exactIn bool) (amountIn, amountOut, fee *big.Int, err error) {
	ratio := view.LendTakerFeeRatio + view.LendMakerFeeRatio
	if exactIn {
		amountIn = new(big.Int).Set(amount)
		gross := sellXtExactIn(record.Cuts, reserve, amountIn)
		fee = nativecommon.MulDiv(gross, ratio)
		amountOut = new(big.Int).Sub(gross, fee)
	} else {
		amountOut = new(big.Int).Set(amount)
		gross := grossUp(amountOut, ratio)
		fee = new(big.Int).Sub(gross, amountOut)
		amountIn, err = sellXtExactOut(record.Cuts, reserve, gross)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	newReserve := new(big.Int).Add(reserve, amountIn)
	if newReserve.Cmp(record.MaxXtReserve) > 0 {
		return nil, nil, nil, errXtReserveExceeded
	}
	gross := new(big.Int).Add(amountOut, fee)
	ftBalance, err := e.balanceOf(record.Address, view.FtToken)
	if err != nil {
		return nil, nil, nil, err
	}
	if ftBalance.Cmp(gross) < 0 {
		return nil, nil, nil, errInsufficientReserve
	}
	return amountIn, amountOut, fee, nil
}

// quoteBuyXt prices FT-in/XT-out. Fees are added on the FT leg at the
// market's borrow taker+maker ratio.
func (e *Engine) quoteBuyXt(record *Order, view MarketView, reserve, amount *big.Int, exactIn bool) (amountIn, amountOut, fee *big.Int, err error) {
	ratio := view.BorrowTakerFeeRatio + view.BorrowMakerFeeRatio
	base := nativecommon.BigDecimalBase()
	if exactIn {
		amountIn = new(big.Int).Set(amount)
		curveSpend := new(big.Int).Mul(amountIn, base)
		curveSpend.Quo(curveSpend, new(big.Int).Add(base, new(big.Int).SetUint64(ratio)))
		fee = new(big.Int).Sub(amountIn, curveSpend)
		amountOut, err = buyXtExactIn(record.Cuts, reserve, curveSpend)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		amountOut = new(big.Int).Set(amount)
		if reserve.Cmp(amountOut) < 0 {
			return nil, nil, nil, errInsufficientReserve
		}
		curveCost, solveErr := buyXtExactOut(record.Cuts, reserve, amountOut)
		if solveErr != nil {
			return nil, nil, nil, solveErr
		}
		amountIn = new(big.Int).Mul(curveCost, new(big.Int).Add(base, new(big.Int).SetUint64(ratio)))
		amountIn.Add(amountIn, new(big.Int).Sub(base, big.NewInt(1)))
		amountIn.Quo(amountIn, base)
		fee = new(big.Int).Sub(amountIn, curveCost)
	}
	if reserve.Cmp(amountOut) < 0 {
		return nil, nil, nil, errInsufficientReserve
	}
	return amountIn, amountOut, fee, nil
}

// grossUp computes the smallest gross amount whose net after the fee ratio
// still covers net.
func grossUp(net *big.Int, ratio uint64) *big.Int {
	if ratio == 0 {
		return new(big.Int).Set(net)
	}
	base := nativecommon.BigDecimalBase()
	den := new(big.Int).Sub(base, new(big.Int).SetUint64(ratio))
	out := new(big.Int).Mul(net, base)
	out.Add(out, new(big.Int).Sub(den, big.NewInt(1)))
	return out.Quo(out, den)
}

// settle moves tokenOut to the recipient, collects tokenIn (directly or via
// the swap callback), and routes the fee to the treasurer. Callers snapshot
// state beforehand; any error leaves settlement half-done and must revert.
func (e *Engine) settle(record *Order, view MarketView, caller, recipient crypto.Address, tokenIn, tokenOut string, amountIn, amountOut, fee *big.Int, cb SwapCallback, extra []byte) error {
	if err := e.transfer(record.Address, recipient, tokenOut, amountOut); err != nil {
		return err
	}
	if cb == nil {
		if err := e.transfer(caller, record.Address, tokenIn, amountIn); err != nil {
			return err
		}
	} else {
		before, err := e.balanceOf(record.Address, tokenIn)
		if err != nil {
			return err
		}
		if err := cb.OnSwap(tokenIn, tokenOut, new(big.Int).Set(amountOut), extra); err != nil {
			return err
		}
		after, err := e.balanceOf(record.Address, tokenIn)
		if err != nil {
			return err
		}
		if new(big.Int).Sub(after, before).Cmp(amountIn) < 0 {
			return errCallbackShortfall
		}
	}
	// The fee always settles in FT, whichever leg it was charged on.
	if fee.Sign() > 0 {
		if err := e.transfer(record.Address, view.Treasurer, view.FtToken, fee); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) balanceOf(addr crypto.Address, token string) (*big.Int, error) {
	acc, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceOf(token)), nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	return acc, nil
}

func (e *Engine) transfer(from, to crypto.Address, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if from.Equal(to) {
		return nil
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if !fromAcc.Debit(token, amount) {
		return errInsufficientFunds
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	toAcc.Credit(token, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}
