package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"termmax/core/events"
	"termmax/core/types"
	"termmax/crypto"
	nativecommon "termmax/native/common"
	"termmax/native/order"
)

var (
	errNilState          = errors.New("market engine: state not configured")
	errNilGearing        = errors.New("market engine: gearing token not configured")
	errNilOrderFactory   = errors.New("market engine: order factory not configured")
	errNilCallback       = errors.New("market engine: leverage callback required")
	errMarketNotFound    = errors.New("market engine: market not found")
	errMarketExists      = errors.New("market engine: market id already in use")
	errInvalidParams     = errors.New("market engine: invalid market parameters")
	errInvalidAmount     = errors.New("market engine: amount must be positive")
	errNotOwner          = errors.New("market engine: caller is not the market owner")
	errExceedsSupply     = errors.New("market engine: amount exceeds outstanding supply")
	errInsufficientFunds = errors.New("market engine: insufficient balance")
)

const moduleName = "market"

// RedeemBeforeDeadlineError rejects redemption attempted before every
// outstanding position could be resolved. Deadline is the unix timestamp at
// which redemption opens.
type RedeemBeforeDeadlineError struct {
	Deadline int64
}

func (e RedeemBeforeDeadlineError) Error() string {
	return fmt.Sprintf("can not redeem before final liquidation deadline: %d", e.Deadline)
}

// GearingToken is the position registry the market issues debt against.
type GearingToken interface {
	Open(marketID string, payer, owner crypto.Address, debtAmount *big.Int, collateralData []byte) (uint64, error)
	Augment(caller crypto.Address, loanID uint64, debtAmount *big.Int) error
	SetTreasurer(treasurer crypto.Address)
}

// OrderFactory instantiates curve-priced orders bound to a market.
type OrderFactory interface {
	Create(marketID string, maker crypto.Address, maxXtReserve *big.Int, cuts []order.CurveCut) (string, error)
}

// LeverageCallback receives the flash debt-token loan during LeverageByXt.
// It must leave the payer funded with the collateral it returns the
// descriptor for, otherwise the enclosing call reverts.
type LeverageCallback interface {
	OnLeverage(debtToken string, amount *big.Int, extra []byte) ([]byte, error)
}

type engineState interface {
	GetMarket(id string) (*Market, error)
	PutMarket(*Market) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine owns the FT/XT/debt-token conservation relationship of every
// market: splitting, recombination, collateralized issuance, and
// post-window redemption.
type Engine struct {
	state   engineState
	gearing GearingToken
	orders  OrderFactory
	emitter events.Emitter
	pauses  nativecommon.PauseView
	guard   *nativecommon.CallGuard
	nowFn   func() int64
}

// NewEngine constructs a market engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		guard:   nativecommon.NewCallGuard(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGearing wires the position registry used by collateralized issuance.
func (e *Engine) SetGearing(g GearingToken) {
	if e == nil {
		return
	}
	e.gearing = g
}

// SetOrderFactory wires the factory backing CreateOrder.
func (e *Engine) SetOrderFactory(f OrderFactory) {
	if e == nil {
		return
	}
	e.orders = f
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

// CreateMarket registers a new fixed-maturity instrument. The caller becomes
// its owner; claim token symbols are derived from the market id.
func (e *Engine) CreateMarket(caller crypto.Address, params CreateParams) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(params.ID)
	if id == "" || params.DebtToken == "" || params.CollateralToken == "" {
		return nil, errInvalidParams
	}
	if params.DebtToken == params.CollateralToken {
		return nil, errInvalidParams
	}
	// Fees route to the treasurer; a zero address would strand them.
	if params.Treasurer.IsZero() {
		return nil, errInvalidParams
	}
	if params.Maturity <= e.nowFn() {
		return nil, errInvalidParams
	}
	if err := params.Fees.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.state.GetMarket(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errMarketExists
	}
	record := &Market{
		ID:              id,
		Owner:           caller,
		Address:         crypto.ModuleAddress("market/" + id),
		Treasurer:       params.Treasurer,
		DebtToken:       params.DebtToken,
		FtToken:         "FT-" + strings.ToUpper(id),
		XtToken:         "XT-" + strings.ToUpper(id),
		CollateralToken: params.CollateralToken,
		Maturity:        params.Maturity,
		Fees:            params.Fees,
		TotalFtSupply:   big.NewInt(0),
		CreatedAt:       e.nowFn(),
	}
	if err := e.state.PutMarket(record); err != nil {
		return nil, err
	}
	e.emit(events.MarketConfigUpdated{MarketID: id, Treasurer: record.Treasurer, Maturity: record.Maturity})
	return record.Clone(), nil
}

// Get returns a copy of the market record.
func (e *Engine) Get(marketID string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Mint splits debt tokens pulled from the caller into equal FT and XT claims
// credited to the recipient. Term open only.
func (e *Engine) Mint(caller crypto.Address, marketID string, recipient crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return err
	}
	if e.nowFn() >= record.Maturity {
		return nativecommon.ErrTermIsNotOpen
	}
	snapshot := e.state.Snapshot()
	if err := e.mint(record, caller, recipient, amount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.emit(events.MarketMinted{MarketID: marketID, Caller: caller, Recipient: recipient, Amount: new(big.Int).Set(amount)})
	return nil
}

func (e *Engine) mint(record *Market, caller, recipient crypto.Address, amount *big.Int) error {
	if err := e.transfer(caller, record.Address, record.DebtToken, amount); err != nil {
		return err
	}
	acc, err := e.loadAccount(recipient)
	if err != nil {
		return err
	}
	acc.Credit(record.FtToken, amount)
	acc.Credit(record.XtToken, amount)
	if err := e.state.PutAccount(recipient, acc); err != nil {
		return err
	}
	record.TotalFtSupply = new(big.Int).Add(record.TotalFtSupply, amount)
	return e.state.PutMarket(record)
}

// Burn recombines equal FT and XT amounts from the caller back into debt
// tokens paid to the recipient. Term open only.
func (e *Engine) Burn(caller crypto.Address, marketID string, recipient crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return err
	}
	if e.nowFn() >= record.Maturity {
		return nativecommon.ErrTermIsNotOpen
	}
	if record.TotalFtSupply.Cmp(amount) < 0 {
		return errExceedsSupply
	}
	snapshot := e.state.Snapshot()
	if err := e.burnPair(record, caller, recipient, amount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.emit(events.MarketBurned{MarketID: marketID, Caller: caller, Recipient: recipient, Amount: new(big.Int).Set(amount)})
	return nil
}

func (e *Engine) burnPair(record *Market, caller, recipient crypto.Address, amount *big.Int) error {
	acc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if !acc.Debit(record.FtToken, amount) || !acc.Debit(record.XtToken, amount) {
		return errInsufficientFunds
	}
	if err := e.state.PutAccount(caller, acc); err != nil {
		return err
	}
	if err := e.transfer(record.Address, recipient, record.DebtToken, amount); err != nil {
		return err
	}
	record.TotalFtSupply = new(big.Int).Sub(record.TotalFtSupply, amount)
	return e.state.PutMarket(record)
}

// IssueFt opens a new collateralized position owned by the caller and mints
// FT against its debt: debtAmount less the issuance fee to the recipient,
// the fee to the treasurer. Returns the position id and the net FT amount.
func (e *Engine) IssueFt(caller crypto.Address, marketID string, recipient crypto.Address, debtAmount *big.Int, collateralData []byte) (uint64, *big.Int, error) {
	if e == nil || e.state == nil {
		return 0, nil, errNilState
	}
	if e.gearing == nil {
		return 0, nil, errNilGearing
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, nil, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return 0, nil, errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return 0, nil, err
	}
	if e.nowFn() >= record.Maturity {
		return 0, nil, nativecommon.ErrTermIsNotOpen
	}
	snapshot := e.state.Snapshot()
	loanID, err := e.gearing.Open(marketID, caller, caller, debtAmount, collateralData)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, nil, err
	}
	ftOut, fee, err := e.mintIssuedFt(record, recipient, debtAmount)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, nil, err
	}
	e.emit(events.MarketFtIssued{
		MarketID:  marketID,
		Caller:    caller,
		Recipient: recipient,
		LoanID:    loanID,
		DebtAmt:   new(big.Int).Set(debtAmount),
		FtOut:     new(big.Int).Set(ftOut),
		Fee:       fee,
	})
	return loanID, ftOut, nil
}

// IssueFtByExistedGt issues additional FT against an existing position owned
// by the caller, increasing its debt. Returns the net FT amount.
func (e *Engine) IssueFtByExistedGt(caller crypto.Address, marketID string, recipient crypto.Address, debtAmount *big.Int, loanID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.gearing == nil {
		return nil, errNilGearing
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return nil, err
	}
	if e.nowFn() >= record.Maturity {
		return nil, nativecommon.ErrTermIsNotOpen
	}
	snapshot := e.state.Snapshot()
	if err := e.gearing.Augment(caller, loanID, debtAmount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	ftOut, fee, err := e.mintIssuedFt(record, recipient, debtAmount)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(events.MarketFtIssued{
		MarketID:  marketID,
		Caller:    caller,
		Recipient: recipient,
		LoanID:    loanID,
		DebtAmt:   new(big.Int).Set(debtAmount),
		FtOut:     new(big.Int).Set(ftOut),
		Fee:       fee,
	})
	return ftOut, nil
}

func (e *Engine) mintIssuedFt(record *Market, recipient crypto.Address, debtAmount *big.Int) (*big.Int, *big.Int, error) {
	fee := nativecommon.MulDiv(debtAmount, record.Fees.IssueFtFeeRatio)
	ftOut := new(big.Int).Sub(debtAmount, fee)
	acc, err := e.loadAccount(recipient)
	if err != nil {
		return nil, nil, err
	}
	acc.Credit(record.FtToken, ftOut)
	if err := e.state.PutAccount(recipient, acc); err != nil {
		return nil, nil, err
	}
	if fee.Sign() > 0 {
		treasury, err := e.loadAccount(record.Treasurer)
		if err != nil {
			return nil, nil, err
		}
		treasury.Credit(record.FtToken, fee)
		if err := e.state.PutAccount(record.Treasurer, treasury); err != nil {
			return nil, nil, err
		}
	}
	record.TotalFtSupply = new(big.Int).Add(record.TotalFtSupply, debtAmount)
	if err := e.state.PutMarket(record); err != nil {
		return nil, nil, err
	}
	return ftOut, fee, nil
}

// LeverageByXt opens a collateralized position with a flash debt-token loan:
// the caller's XT is burned, the matching pooled debt is advanced to the
// caller, and the callback must convert it into collateral before the
// position is opened for the beneficiary. Any failure reverts the whole
// call.
func (e *Engine) LeverageByXt(caller crypto.Address, marketID string, beneficiary crypto.Address, xtAmount *big.Int, cb LeverageCallback, extra []byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.gearing == nil {
		return 0, errNilGearing
	}
	if cb == nil {
		return 0, errNilCallback
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if xtAmount == nil || xtAmount.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	if err := e.guard.Begin(marketID); err != nil {
		return 0, err
	}
	defer e.guard.End(marketID)

	record, err := e.openMarket(marketID)
	if err != nil {
		return 0, err
	}
	if e.nowFn() >= record.Maturity {
		return 0, nativecommon.ErrTermIsNotOpen
	}

	snapshot := e.state.Snapshot()
	loanID, err := e.leverage(record, caller, beneficiary, xtAmount, cb, extra)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, err
	}
	e.emit(events.MarketGtMinted{
		MarketID:    marketID,
		Caller:      caller,
		Beneficiary: beneficiary,
		LoanID:      loanID,
		DebtAmt:     new(big.Int).Set(xtAmount),
	})
	return loanID, nil
}

func (e *Engine) leverage(record *Market, caller, beneficiary crypto.Address, xtAmount *big.Int, cb LeverageCallback, extra []byte) (uint64, error) {
	acc, err := e.loadAccount(caller)
	if err != nil {
		return 0, err
	}
	if !acc.Debit(record.XtToken, xtAmount) {
		return 0, errInsufficientFunds
	}
	if err := e.state.PutAccount(caller, acc); err != nil {
		return 0, err
	}
	if err := e.transfer(record.Address, caller, record.DebtToken, xtAmount); err != nil {
		return 0, err
	}
	collateralData, err := cb.OnLeverage(record.DebtToken, new(big.Int).Set(xtAmount), extra)
	if err != nil {
		return 0, err
	}
	return e.gearing.Open(record.ID, caller, beneficiary, xtAmount, collateralData)
}

// Redeem burns matured FT for the holder's pro-rata share of the pooled debt
// tokens and any foreclosed collateral, less the redemption fee. Allowed
// only once the liquidation window has closed.
func (e *Engine) Redeem(caller crypto.Address, marketID string, recipient crypto.Address, ftAmount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if ftAmount == nil || ftAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return nil, nil, err
	}
	deadline := record.RedemptionDeadline()
	if e.nowFn() < deadline {
		return nil, nil, RedeemBeforeDeadlineError{Deadline: deadline}
	}
	if record.TotalFtSupply.Sign() == 0 || record.TotalFtSupply.Cmp(ftAmount) < 0 {
		return nil, nil, errExceedsSupply
	}

	debtShare, collateralShare, fee, err := e.redemptionShares(record, ftAmount)
	if err != nil {
		return nil, nil, err
	}
	debtOut := new(big.Int).Sub(debtShare, fee)

	snapshot := e.state.Snapshot()
	if err := e.settleRedemption(record, caller, recipient, ftAmount, debtOut, collateralShare, fee); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, nil, err
	}
	e.emit(events.MarketRedeemed{
		MarketID:      marketID,
		Caller:        caller,
		Recipient:     recipient,
		FtAmount:      new(big.Int).Set(ftAmount),
		DebtOut:       new(big.Int).Set(debtOut),
		CollateralOut: new(big.Int).Set(collateralShare),
		Fee:           fee,
	})
	return debtOut, collateralShare, nil
}

// PreviewRedeem computes the proceeds Redeem would pay for ftAmount against
// current pool balances, without the deadline gate or any state change.
func (e *Engine) PreviewRedeem(marketID string, ftAmount *big.Int) (debtOut, collateralOut, fee *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, nil, errNilState
	}
	if ftAmount == nil || ftAmount.Sign() <= 0 {
		return nil, nil, nil, errInvalidAmount
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	if record.TotalFtSupply.Sign() == 0 || record.TotalFtSupply.Cmp(ftAmount) < 0 {
		return nil, nil, nil, errExceedsSupply
	}
	debtShare, collateralShare, fee, err := e.redemptionShares(record, ftAmount)
	if err != nil {
		return nil, nil, nil, err
	}
	return new(big.Int).Sub(debtShare, fee), collateralShare, fee, nil
}

// redemptionShares computes the pro-rata debt and collateral slices for
// ftAmount at the current supply, with floor rounding.
func (e *Engine) redemptionShares(record *Market, ftAmount *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	pool, err := e.loadAccount(record.Address)
	if err != nil {
		return nil, nil, nil, err
	}
	debtShare := new(big.Int).Mul(pool.BalanceOf(record.DebtToken), ftAmount)
	debtShare.Quo(debtShare, record.TotalFtSupply)
	collateralShare := new(big.Int).Mul(pool.BalanceOf(record.CollateralToken), ftAmount)
	collateralShare.Quo(collateralShare, record.TotalFtSupply)
	fee := nativecommon.MulDiv(debtShare, record.Fees.RedeemFeeRatio)
	return debtShare, collateralShare, fee, nil
}

func (e *Engine) settleRedemption(record *Market, caller, recipient crypto.Address, ftAmount, debtOut, collateralOut, fee *big.Int) error {
	acc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if !acc.Debit(record.FtToken, ftAmount) {
		return errInsufficientFunds
	}
	if err := e.state.PutAccount(caller, acc); err != nil {
		return err
	}
	if err := e.transfer(record.Address, recipient, record.DebtToken, debtOut); err != nil {
		return err
	}
	if err := e.transfer(record.Address, record.Treasurer, record.DebtToken, fee); err != nil {
		return err
	}
	if err := e.transfer(record.Address, recipient, record.CollateralToken, collateralOut); err != nil {
		return err
	}
	record.TotalFtSupply = new(big.Int).Sub(record.TotalFtSupply, ftAmount)
	return e.state.PutMarket(record)
}

// UpdateMarketConfig replaces the treasurer and fee schedule. Owner only;
// the treasurer change propagates to the position registry.
func (e *Engine) UpdateMarketConfig(caller crypto.Address, marketID string, treasurer crypto.Address, fees FeeConfig) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return err
	}
	if !record.Owner.Equal(caller) {
		return errNotOwner
	}
	if err := fees.Validate(); err != nil {
		return err
	}
	record.Treasurer = treasurer
	record.Fees = fees
	if err := e.state.PutMarket(record); err != nil {
		return err
	}
	if e.gearing != nil {
		e.gearing.SetTreasurer(treasurer)
	}
	e.emit(events.MarketConfigUpdated{MarketID: marketID, Treasurer: treasurer, Maturity: record.Maturity})
	return nil
}

// CreateOrder instantiates a curve-priced order bound to this market with
// the caller as maker. Term open only.
func (e *Engine) CreateOrder(caller crypto.Address, marketID string, maxXtReserve *big.Int, cuts []order.CurveCut) (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	if e.orders == nil {
		return "", errNilOrderFactory
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return "", err
	}
	record, err := e.openMarket(marketID)
	if err != nil {
		return "", err
	}
	if e.nowFn() >= record.Maturity {
		return "", nativecommon.ErrTermIsNotOpen
	}
	orderID, err := e.orders.Create(marketID, caller, maxXtReserve, cuts)
	if err != nil {
		return "", err
	}
	e.emit(events.MarketOrderCreated{MarketID: marketID, OrderID: orderID, Maker: caller})
	return orderID, nil
}

func (e *Engine) openMarket(marketID string) (*Market, error) {
	record, err := e.state.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errMarketNotFound
	}
	if record.TotalFtSupply == nil {
		record.TotalFtSupply = big.NewInt(0)
	}
	return record, nil
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
