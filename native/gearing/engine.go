package gearing

import (
	"errors"
	"math"
	"math/big"
	"time"

	"termmax/core/events"
	"termmax/core/types"
	"termmax/crypto"
	nativecommon "termmax/native/common"
	"termmax/native/pricefeed"
)

var (
	// ErrLoanNotFound is returned when a position was closed, liquidated, or
	// never existed.
	ErrLoanNotFound = errors.New("gearing engine: loan not found")
	// ErrNotOwner rejects callers without ownership of the position.
	ErrNotOwner = errors.New("gearing engine: caller does not own the loan")
	// ErrNotLiquidatable rejects liquidation of healthy, in-term positions.
	ErrNotLiquidatable = errors.New("gearing engine: loan not eligible for liquidation")
	// ErrLiquidationClosed rejects liquidation and repayment once the
	// post-maturity window has elapsed.
	ErrLiquidationClosed = errors.New("gearing engine: liquidation window closed")

	errNilState          = errors.New("gearing engine: state not configured")
	errNilFeed           = errors.New("gearing engine: price feed not configured")
	errInvalidAmount     = errors.New("gearing engine: amount must be positive")
	errInvalidCollateral = errors.New("gearing engine: collateral descriptor must be positive")
	errInsufficientFunds = errors.New("gearing engine: insufficient balance")
	errWindowStillOpen   = errors.New("gearing engine: liquidation window still open")
)

const moduleName = "gearing"

type engineState interface {
	GetLoan(id uint64) (*Loan, error)
	PutLoan(*Loan) error
	NextLoanID() (uint64, error)
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	MarketTerms(marketID string) (MarketTerms, error)
	ReduceFtSupply(marketID string, amount *big.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine owns the collateralized-debt position registry: issuance, debt
// augmentation, repayment, collateral management, and the liquidation
// window.
type Engine struct {
	state   engineState
	vault   crypto.Address
	config  Config
	feed    pricefeed.Feed
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine constructs a gearing engine holding collateral in the vault
// account.
func NewEngine(vault crypto.Address, cfg Config) *Engine {
	return &Engine{
		vault:   vault,
		config:  cfg,
		emitter: events.NoopEmitter{},
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

// SetFeed configures the price feed used for loan-to-value checks.
func (e *Engine) SetFeed(feed pricefeed.Feed) {
	if e == nil {
		return
	}
	e.feed = feed
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

// SetTreasurer keeps the fee sink in sync with market config updates.
func (e *Engine) SetTreasurer(treasurer crypto.Address) {
	if e == nil {
		return
	}
	e.config.Treasurer = treasurer
}

// Config returns the current gearing configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

// UpdateConfig replaces the risk thresholds.
func (e *Engine) UpdateConfig(cfg Config) {
	if e == nil {
		return
	}
	e.config = cfg
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Open creates a new position for owner, pulling the encoded collateral
// amount from payer into the vault. It returns the stable position id.
func (e *Engine) Open(marketID string, payer, owner crypto.Address, debtAmount *big.Int, collateralData []byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	collateral := DecodeCollateral(collateralData)
	if collateral.Sign() <= 0 {
		return 0, errInvalidCollateral
	}
	terms, err := e.state.MarketTerms(marketID)
	if err != nil {
		return 0, err
	}
	if e.nowFn() >= terms.Maturity {
		return 0, nativecommon.ErrTermIsNotOpen
	}
	actual, err := e.ltv(debtAmount, collateral, terms)
	if err != nil {
		return 0, err
	}
	if actual > e.config.MaxLtv {
		return 0, LtvError{Max: e.config.MaxLtv, Actual: actual}
	}
	snapshot := e.state.Snapshot()
	id, err := e.open(marketID, payer, owner, debtAmount, collateral, terms)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return 0, err
	}
	e.emit(events.LoanOpened{
		MarketID:   marketID,
		LoanID:     id,
		Owner:      owner,
		DebtAmount: new(big.Int).Set(debtAmount),
		Collateral: new(big.Int).Set(collateral),
	})
	return id, nil
}

func (e *Engine) open(marketID string, payer, owner crypto.Address, debtAmount, collateral *big.Int, terms MarketTerms) (uint64, error) {
	if err := e.transfer(payer, e.vault, terms.CollateralToken, collateral); err != nil {
		return 0, err
	}
	id, err := e.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	loan := &Loan{
		ID:         id,
		MarketID:   marketID,
		Owner:      owner,
		DebtAmount: new(big.Int).Set(debtAmount),
		Collateral: collateral,
	}
	return id, e.state.PutLoan(loan)
}

// Augment increases the debt of an existing position. Only the owner may
// add debt, and the resulting position must stay within the max LTV.
func (e *Engine) Augment(caller crypto.Address, loanID uint64, debtAmount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return errInvalidAmount
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	if !loan.Owner.Equal(caller) {
		return ErrNotOwner
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return err
	}
	if e.nowFn() >= terms.Maturity {
		return nativecommon.ErrTermIsNotOpen
	}
	projected := new(big.Int).Add(loan.DebtAmount, debtAmount)
	actual, err := e.ltv(projected, loan.Collateral, terms)
	if err != nil {
		return err
	}
	if actual > e.config.MaxLtv {
		return LtvError{Max: e.config.MaxLtv, Actual: actual}
	}
	loan.DebtAmount = projected
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	e.emit(events.LoanAugmented{
		MarketID:   loan.MarketID,
		LoanID:     loanID,
		Caller:     caller,
		DebtAdded:  new(big.Int).Set(debtAmount),
		DebtAmount: new(big.Int).Set(projected),
	})
	return nil
}

// LoanInfo returns the visible snapshot of an open position, including its
// current liquidation eligibility.
func (e *Engine) LoanInfo(loanID uint64) (*LoanInfo, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return nil, err
	}
	liquidatable, err := e.liquidatable(loan, terms)
	if err != nil {
		return nil, err
	}
	return &LoanInfo{
		ID:             loan.ID,
		MarketID:       loan.MarketID,
		Owner:          loan.Owner,
		DebtAmount:     new(big.Int).Set(loan.DebtAmount),
		Liquidatable:   liquidatable,
		CollateralData: EncodeCollateral(loan.Collateral),
	}, nil
}

// Repay reduces the outstanding debt with debt tokens or FT. A repayment
// that clears the debt releases all collateral to the owner and retires the
// position. The actual amount applied is returned.
func (e *Engine) Repay(caller crypto.Address, loanID uint64, amount *big.Int, byDebtToken bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return nil, err
	}
	if e.nowFn() >= terms.Maturity+nativecommon.LiquidationWindowSeconds {
		return nil, ErrLiquidationClosed
	}
	repay := new(big.Int).Set(amount)
	if repay.Cmp(loan.DebtAmount) > 0 {
		repay.Set(loan.DebtAmount)
	}
	snapshot := e.state.Snapshot()
	released, err := e.settleRepay(loan, terms, caller, repay, byDebtToken)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	if loan.Closed {
		e.emit(events.LoanClosed{MarketID: loan.MarketID, LoanID: loanID, Owner: loan.Owner, CollateralReleased: released})
		return repay, nil
	}
	e.emit(events.LoanRepaid{
		MarketID:    loan.MarketID,
		LoanID:      loanID,
		Caller:      caller,
		Amount:      new(big.Int).Set(repay),
		ByDebtToken: byDebtToken,
		Remaining:   new(big.Int).Set(loan.DebtAmount),
	})
	return repay, nil
}

func (e *Engine) settleRepay(loan *Loan, terms MarketTerms, caller crypto.Address, repay *big.Int, byDebtToken bool) (*big.Int, error) {
	if byDebtToken {
		if err := e.transfer(caller, terms.MarketAddress, terms.DebtToken, repay); err != nil {
			return nil, err
		}
	} else {
		// Repaying with FT nets a claim on the market against the debt, so
		// the claim is burned rather than pooled.
		if err := e.burn(caller, terms.FtToken, repay); err != nil {
			return nil, err
		}
		if err := e.state.ReduceFtSupply(loan.MarketID, repay); err != nil {
			return nil, err
		}
	}
	loan.DebtAmount = new(big.Int).Sub(loan.DebtAmount, repay)
	if loan.DebtAmount.Sign() > 0 {
		return nil, e.state.PutLoan(loan)
	}
	released := new(big.Int).Set(loan.Collateral)
	if err := e.transfer(e.vault, loan.Owner, terms.CollateralToken, released); err != nil {
		return nil, err
	}
	loan.Collateral = big.NewInt(0)
	loan.Closed = true
	return released, e.state.PutLoan(loan)
}

// RemoveCollateral releases part of the collateral to the recipient while
// the remaining position stays within the max LTV. Owner only, term open
// only.
func (e *Engine) RemoveCollateral(caller crypto.Address, loanID uint64, amount *big.Int, recipient crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	if !loan.Owner.Equal(caller) {
		return ErrNotOwner
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return err
	}
	if e.nowFn() >= terms.Maturity {
		return nativecommon.ErrTermIsNotOpen
	}
	if loan.Collateral.Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	remaining := new(big.Int).Sub(loan.Collateral, amount)
	actual, err := e.ltv(loan.DebtAmount, remaining, terms)
	if err != nil {
		return err
	}
	if actual > e.config.MaxLtv {
		return LtvError{Max: e.config.MaxLtv, Actual: actual}
	}
	snapshot := e.state.Snapshot()
	if err := e.transfer(e.vault, recipient, terms.CollateralToken, amount); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	loan.Collateral = remaining
	if err := e.state.PutLoan(loan); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.emit(events.CollateralRemoved{MarketID: loan.MarketID, LoanID: loanID, Owner: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// SeizeForFlashRepay releases all collateral of the position to the
// recipient without a health check. It exists solely for the router's
// atomic flash-repay flow: the caller must fully repay the debt before the
// enclosing operation commits, or the whole call reverts.
func (e *Engine) SeizeForFlashRepay(caller crypto.Address, loanID uint64, recipient crypto.Address) ([]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Owner.Equal(caller) {
		return nil, ErrNotOwner
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return nil, err
	}
	collateral := new(big.Int).Set(loan.Collateral)
	snapshot := e.state.Snapshot()
	if err := e.transfer(e.vault, recipient, terms.CollateralToken, collateral); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	loan.Collateral = big.NewInt(0)
	if err := e.state.PutLoan(loan); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	return EncodeCollateral(collateral), nil
}

// Liquidate repays the full debt on behalf of the borrower and seizes
// collateral with the configured bonus. Before maturity only value-breached
// positions qualify; inside the post-maturity window every outstanding
// position does; after the window liquidation is closed.
func (e *Engine) Liquidate(caller crypto.Address, loanID uint64) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return nil, nil, err
	}
	now := e.nowFn()
	if now >= terms.Maturity+nativecommon.LiquidationWindowSeconds {
		return nil, nil, ErrLiquidationClosed
	}
	eligible, err := e.liquidatable(loan, terms)
	if err != nil {
		return nil, nil, err
	}
	if !eligible {
		return nil, nil, ErrNotLiquidatable
	}

	// The seize quote must precede any transfer: a failed feed read aborts
	// with balances untouched.
	repaid := new(big.Int).Set(loan.DebtAmount)
	seized, err := e.seizeAmount(repaid, loan.Collateral, terms)
	if err != nil {
		return nil, nil, err
	}
	snapshot := e.state.Snapshot()
	if err := e.settleLiquidation(loan, terms, caller, repaid, seized); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, nil, err
	}
	e.emit(events.LoanLiquidated{
		MarketID:   loan.MarketID,
		LoanID:     loanID,
		Liquidator: caller,
		Repaid:     repaid,
		Seized:     new(big.Int).Set(seized),
	})
	return repaid, seized, nil
}

func (e *Engine) settleLiquidation(loan *Loan, terms MarketTerms, caller crypto.Address, repaid, seized *big.Int) error {
	if err := e.transfer(caller, terms.MarketAddress, terms.DebtToken, repaid); err != nil {
		return err
	}
	if err := e.transfer(e.vault, caller, terms.CollateralToken, seized); err != nil {
		return err
	}
	remainder := new(big.Int).Sub(loan.Collateral, seized)
	if remainder.Sign() > 0 {
		if err := e.transfer(e.vault, loan.Owner, terms.CollateralToken, remainder); err != nil {
			return err
		}
	}
	loan.DebtAmount = big.NewInt(0)
	loan.Collateral = big.NewInt(0)
	loan.Liquidated = true
	return e.state.PutLoan(loan)
}

// Foreclose sweeps the collateral of a position that survived the
// liquidation window into the market pool, so redemption can distribute it
// pro rata. Callable by anyone once the window has elapsed.
func (e *Engine) Foreclose(loanID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return err
	}
	if e.nowFn() < terms.Maturity+nativecommon.LiquidationWindowSeconds {
		return errWindowStillOpen
	}
	seized := new(big.Int).Set(loan.Collateral)
	snapshot := e.state.Snapshot()
	if err := e.transfer(e.vault, terms.MarketAddress, terms.CollateralToken, seized); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	loan.DebtAmount = big.NewInt(0)
	loan.Collateral = big.NewInt(0)
	loan.Liquidated = true
	if err := e.state.PutLoan(loan); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.emit(events.LoanLiquidated{
		MarketID:   loan.MarketID,
		LoanID:     loanID,
		Liquidator: terms.MarketAddress,
		Repaid:     big.NewInt(0),
		Seized:     seized,
	})
	return nil
}

// Ltv returns the DecimalBase-scaled loan-to-value of an open position.
func (e *Engine) Ltv(loanID uint64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return 0, err
	}
	terms, err := e.state.MarketTerms(loan.MarketID)
	if err != nil {
		return 0, err
	}
	return e.ltv(loan.DebtAmount, loan.Collateral, terms)
}

func (e *Engine) activeLoan(loanID uint64) (*Loan, error) {
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil || !loan.Active() {
		return nil, ErrLoanNotFound
	}
	if loan.DebtAmount == nil {
		loan.DebtAmount = big.NewInt(0)
	}
	if loan.Collateral == nil {
		loan.Collateral = big.NewInt(0)
	}
	return loan, nil
}

func (e *Engine) liquidatable(loan *Loan, terms MarketTerms) (bool, error) {
	if loan.DebtAmount.Sign() == 0 {
		return false, nil
	}
	now := e.nowFn()
	if now >= terms.Maturity+nativecommon.LiquidationWindowSeconds {
		return false, nil
	}
	if now >= terms.Maturity {
		return true, nil
	}
	actual, err := e.ltv(loan.DebtAmount, loan.Collateral, terms)
	if err != nil {
		return false, err
	}
	return actual >= e.config.LiquidationLtv, nil
}

// ltv computes debt value over collateral value in DecimalBase units,
// saturating when the collateral is worthless.
func (e *Engine) ltv(debt, collateral *big.Int, terms MarketTerms) (uint64, error) {
	if debt == nil || debt.Sign() == 0 {
		return 0, nil
	}
	value, err := e.collateralValue(collateral, terms)
	if err != nil {
		return 0, err
	}
	if value.Sign() == 0 {
		return math.MaxUint64, nil
	}
	ratio := new(big.Int).Mul(debt, nativecommon.BigDecimalBase())
	ratio.Quo(ratio, value)
	if !ratio.IsUint64() {
		return math.MaxUint64, nil
	}
	return ratio.Uint64(), nil
}

// collateralValue converts a collateral amount into debt-token units via
// the price feed.
func (e *Engine) collateralValue(collateral *big.Int, terms MarketTerms) (*big.Int, error) {
	if collateral == nil || collateral.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if e.feed == nil {
		return nil, errNilFeed
	}
	round, err := e.feed.LatestRoundData(terms.CollateralToken, terms.DebtToken)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(collateral, round.Rate)
	return value.Quo(value, round.Scale), nil
}

// seizeAmount converts the repaid debt into collateral units and applies
// the liquidation bonus, capped at the available collateral.
func (e *Engine) seizeAmount(repaid, collateral *big.Int, terms MarketTerms) (*big.Int, error) {
	if e.feed == nil {
		return nil, errNilFeed
	}
	round, err := e.feed.LatestRoundData(terms.CollateralToken, terms.DebtToken)
	if err != nil {
		return nil, err
	}
	base := nativecommon.BigDecimalBase()
	seized := new(big.Int).Mul(repaid, round.Scale)
	seized.Quo(seized, round.Rate)
	seized.Mul(seized, new(big.Int).Add(base, new(big.Int).SetUint64(e.config.LiquidationBonus)))
	seized.Quo(seized, base)
	if seized.Cmp(collateral) > 0 {
		seized = new(big.Int).Set(collateral)
	}
	return seized, nil
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

func (e *Engine) burn(from crypto.Address, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	acc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if !acc.Debit(token, amount) {
		return errInsufficientFunds
	}
	return e.state.PutAccount(from, acc)
}
