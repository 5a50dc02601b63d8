package market

import (
	"errors"
	"math/big"
	"testing"

	"termmax/core/types"
	"termmax/crypto"
	nativecommon "termmax/native/common"
	"termmax/native/gearing"
	"termmax/native/order"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(prefix, b)
}

type mockMarketState struct {
	markets   map[string]*Market
	accounts  map[string]*types.Account
	snapshots []mockMarketCopy
}

type mockMarketCopy struct {
	markets  map[string]*Market
	accounts map[string]*types.Account
}

func newMockMarketState() *mockMarketState {
	return &mockMarketState{
		markets:  make(map[string]*Market),
		accounts: make(map[string]*types.Account),
	}
}

func (m *mockMarketState) GetMarket(id string) (*Market, error) {
	return m.markets[id].Clone(), nil
}

func (m *mockMarketState) PutMarket(record *Market) error {
	m.markets[record.ID] = record.Clone()
	return nil
}

func (m *mockMarketState) GetAccount(addr crypto.Address) (*types.Account, error) {
	acc, ok := m.accounts[addr.String()]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (m *mockMarketState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[addr.String()] = account.Clone()
	return nil
}

func (m *mockMarketState) Snapshot() int {
	copied := mockMarketCopy{
		markets:  make(map[string]*Market, len(m.markets)),
		accounts: make(map[string]*types.Account, len(m.accounts)),
	}
	for id, record := range m.markets {
		copied.markets[id] = record.Clone()
	}
	for key, acc := range m.accounts {
		copied.accounts[key] = acc.Clone()
	}
	m.snapshots = append(m.snapshots, copied)
	return len(m.snapshots) - 1
}

func (m *mockMarketState) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	copied := m.snapshots[id]
	m.markets = copied.markets
	m.accounts = copied.accounts
	m.snapshots = m.snapshots[:id]
}

func (m *mockMarketState) setBalance(addr crypto.Address, token string, amount int64) {
	acc, ok := m.accounts[addr.String()]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr.String()] = acc
	}
	acc.Balances[token] = big.NewInt(amount)
}

func (m *mockMarketState) balance(addr crypto.Address, token string) *big.Int {
	acc, ok := m.accounts[addr.String()]
	if !ok {
		return big.NewInt(0)
	}
	return acc.BalanceOf(token)
}

type openCall struct {
	marketID   string
	payer      crypto.Address
	owner      crypto.Address
	debtAmount *big.Int
	collateral *big.Int
}

type fakeGearing struct {
	opens     []openCall
	augments  []uint64
	treasurer crypto.Address
	nextID    uint64
	failWith  error
}

func (g *fakeGearing) Open(marketID string, payer, owner crypto.Address, debtAmount *big.Int, collateralData []byte) (uint64, error) {
	if g.failWith != nil {
		return 0, g.failWith
	}
	g.nextID++
	g.opens = append(g.opens, openCall{
		marketID:   marketID,
		payer:      payer,
		owner:      owner,
		debtAmount: new(big.Int).Set(debtAmount),
		collateral: gearing.DecodeCollateral(collateralData),
	})
	return g.nextID, nil
}

func (g *fakeGearing) Augment(_ crypto.Address, loanID uint64, _ *big.Int) error {
	if g.failWith != nil {
		return g.failWith
	}
	g.augments = append(g.augments, loanID)
	return nil
}

func (g *fakeGearing) SetTreasurer(treasurer crypto.Address) { g.treasurer = treasurer }

type fakeOrderFactory struct {
	created []string
	failWith error
}

func (f *fakeOrderFactory) Create(marketID string, maker crypto.Address, _ *big.Int, _ []order.CurveCut) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	id := marketID + "/" + maker.String()
	f.created = append(f.created, id)
	return id, nil
}

const (
	testMarketID = "weth-usdc-mar27"
	testMaturity = int64(10_000)
)

type marketFixture struct {
	engine  *Engine
	state   *mockMarketState
	gearing *fakeGearing
	factory *fakeOrderFactory
	record  *Market
	owner   crypto.Address
	caller  crypto.Address
	now     int64
}

func testFees() FeeConfig {
	return FeeConfig{
		RedeemFeeRatio:  1_000_000,
		IssueFtFeeRatio: 1_000_000,
	}
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	f := &marketFixture{
		state:   newMockMarketState(),
		gearing: &fakeGearing{},
		factory: &fakeOrderFactory{},
		owner:   makeAddress(crypto.AccountPrefix, 0x10),
		caller:  makeAddress(crypto.AccountPrefix, 0x20),
		now:     1_000,
	}
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetGearing(f.gearing)
	f.engine.SetOrderFactory(f.factory)
	f.engine.SetNowFunc(func() int64 { return f.now })

	record, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              testMarketID,
		DebtToken:       "USDC",
		CollateralToken: "WETH",
		Maturity:        testMaturity,
		Treasurer:       makeAddress(crypto.AccountPrefix, 0xEE),
		Fees:            testFees(),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	f.record = record
	return f
}

func TestCreateMarketDerivesTokens(t *testing.T) {
	f := newMarketFixture(t)

	if f.record.FtToken != "FT-WETH-USDC-MAR27" {
		t.Fatalf("unexpected FT symbol: %s", f.record.FtToken)
	}
	if f.record.XtToken != "XT-WETH-USDC-MAR27" {
		t.Fatalf("unexpected XT symbol: %s", f.record.XtToken)
	}
	if !f.record.Address.Equal(crypto.ModuleAddress("market/" + testMarketID)) {
		t.Fatalf("unexpected pool address: %s", f.record.Address.String())
	}
	if f.record.RedemptionDeadline() != testMaturity+nativecommon.LiquidationWindowSeconds {
		t.Fatalf("unexpected redemption deadline: %d", f.record.RedemptionDeadline())
	}
}

func TestCreateMarketValidation(t *testing.T) {
	f := newMarketFixture(t)

	treasurer := makeAddress(crypto.AccountPrefix, 0xEE)
	if _, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              testMarketID,
		DebtToken:       "USDC",
		CollateralToken: "WETH",
		Maturity:        testMaturity,
		Treasurer:       treasurer,
	}); err != errMarketExists {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
	if _, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              "bad",
		DebtToken:       "USDC",
		CollateralToken: "USDC",
		Maturity:        testMaturity,
		Treasurer:       treasurer,
	}); err != errInvalidParams {
		t.Fatalf("expected same-token rejection, got %v", err)
	}
	if _, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              "bad",
		DebtToken:       "USDC",
		CollateralToken: "WETH",
		Maturity:        f.now,
		Treasurer:       treasurer,
	}); err != errInvalidParams {
		t.Fatalf("expected past maturity rejection, got %v", err)
	}
	// A zero treasurer would strand every fee in an unownable account.
	if _, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              "bad",
		DebtToken:       "USDC",
		CollateralToken: "WETH",
		Maturity:        testMaturity,
	}); err != errInvalidParams {
		t.Fatalf("expected zero treasurer rejection, got %v", err)
	}
	if _, err := f.engine.CreateMarket(f.owner, CreateParams{
		ID:              "bad",
		DebtToken:       "USDC",
		CollateralToken: "WETH",
		Maturity:        testMaturity,
		Treasurer:       treasurer,
		Fees:            FeeConfig{RedeemFeeRatio: nativecommon.MaxFeeRatio + 1},
	}); err != ErrFeeTooHigh {
		t.Fatalf("expected fee cap rejection, got %v", err)
	}
}

func TestMintAndBurnConserveDebt(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 150)

	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(150)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := f.state.balance(f.caller, f.record.FtToken); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected FT balance: %s", got)
	}
	if got := f.state.balance(f.caller, f.record.XtToken); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected XT balance: %s", got)
	}
	if got := f.state.balance(f.record.Address, "USDC"); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("debt not pooled: %s", got)
	}
	record, err := f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if record.TotalFtSupply.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected supply: %s", record.TotalFtSupply)
	}

	if err := f.engine.Burn(f.caller, testMarketID, f.caller, big.NewInt(150)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := f.state.balance(f.caller, "USDC"); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("debt not returned: %s", got)
	}
	if got := f.state.balance(f.caller, f.record.FtToken); got.Sign() != 0 {
		t.Fatalf("FT not burned: %s", got)
	}
	record, err = f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if record.TotalFtSupply.Sign() != 0 {
		t.Fatalf("supply not zeroed: %s", record.TotalFtSupply)
	}
}

func TestBurnRejectsBeyondSupply(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 100)

	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.Burn(f.caller, testMarketID, f.caller, big.NewInt(101)); err != errExceedsSupply {
		t.Fatalf("expected supply bound, got %v", err)
	}
}

func TestMintRejectsAfterMaturity(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 100)
	f.now = testMaturity

	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(100)); err != nativecommon.ErrTermIsNotOpen {
		t.Fatalf("expected term closed error, got %v", err)
	}
}

func TestIssueFtMintsAgainstLoan(t *testing.T) {
	f := newMarketFixture(t)

	loanID, ftOut, err := f.engine.IssueFt(f.caller, testMarketID, f.caller, big.NewInt(1_000), gearing.EncodeCollateral(big.NewInt(5)))
	if err != nil {
		t.Fatalf("issue ft: %v", err)
	}
	if loanID != 1 {
		t.Fatalf("unexpected loan id: %d", loanID)
	}
	// 1% issuance fee off the top.
	if ftOut.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("unexpected FT out: %s", ftOut)
	}
	if got := f.state.balance(f.caller, f.record.FtToken); got.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("unexpected recipient FT: %s", got)
	}
	if got := f.state.balance(f.record.Treasurer, f.record.FtToken); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected treasurer FT: %s", got)
	}
	record, err := f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if record.TotalFtSupply.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("supply must track gross debt: %s", record.TotalFtSupply)
	}
	if len(f.gearing.opens) != 1 {
		t.Fatalf("gearing open not called")
	}
	call := f.gearing.opens[0]
	if !call.payer.Equal(f.caller) || !call.owner.Equal(f.caller) {
		t.Fatalf("unexpected open parties: payer=%s owner=%s", call.payer.String(), call.owner.String())
	}
	if call.debtAmount.Cmp(big.NewInt(1_000)) != 0 || call.collateral.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected open terms: debt=%s collateral=%s", call.debtAmount, call.collateral)
	}
}

func TestIssueFtRevertsOnGearingFailure(t *testing.T) {
	f := newMarketFixture(t)
	f.gearing.failWith = errors.New("overleveraged")

	if _, _, err := f.engine.IssueFt(f.caller, testMarketID, f.caller, big.NewInt(1_000), gearing.EncodeCollateral(big.NewInt(5))); err == nil {
		t.Fatalf("expected gearing failure to propagate")
	}
	if got := f.state.balance(f.caller, f.record.FtToken); got.Sign() != 0 {
		t.Fatalf("FT minted despite failure: %s", got)
	}
	record, err := f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if record.TotalFtSupply.Sign() != 0 {
		t.Fatalf("supply mutated despite failure: %s", record.TotalFtSupply)
	}
}

func TestIssueFtByExistedGtAugments(t *testing.T) {
	f := newMarketFixture(t)

	ftOut, err := f.engine.IssueFtByExistedGt(f.caller, testMarketID, f.caller, big.NewInt(500), 7)
	if err != nil {
		t.Fatalf("issue ft by existing position: %v", err)
	}
	if ftOut.Cmp(big.NewInt(495)) != 0 {
		t.Fatalf("unexpected FT out: %s", ftOut)
	}
	if len(f.gearing.augments) != 1 || f.gearing.augments[0] != 7 {
		t.Fatalf("augment not routed to the position: %v", f.gearing.augments)
	}
}

type recordingLeverageCallback struct {
	state      *mockMarketState
	caller     crypto.Address
	debtToken  string
	amount     *big.Int
	collateral int64
	failWith   error
}

func (cb *recordingLeverageCallback) OnLeverage(debtToken string, amount *big.Int, _ []byte) ([]byte, error) {
	if cb.failWith != nil {
		return nil, cb.failWith
	}
	cb.debtToken = debtToken
	cb.amount = new(big.Int).Set(amount)
	// Simulate swapping the advanced debt tokens into collateral.
	cb.state.setBalance(cb.caller, "WETH", cb.collateral)
	return gearing.EncodeCollateral(big.NewInt(cb.collateral)), nil
}

func TestLeverageByXt(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, f.record.XtToken, 500)
	f.state.setBalance(f.record.Address, "USDC", 500)

	cb := &recordingLeverageCallback{state: f.state, caller: f.caller, collateral: 3}
	loanID, err := f.engine.LeverageByXt(f.caller, testMarketID, f.caller, big.NewInt(500), cb, nil)
	if err != nil {
		t.Fatalf("leverage: %v", err)
	}
	if loanID != 1 {
		t.Fatalf("unexpected loan id: %d", loanID)
	}
	if cb.debtToken != "USDC" || cb.amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected flash loan: token=%s amount=%s", cb.debtToken, cb.amount)
	}
	if got := f.state.balance(f.caller, f.record.XtToken); got.Sign() != 0 {
		t.Fatalf("XT not burned: %s", got)
	}
	if got := f.state.balance(f.caller, "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("debt advance missing: %s", got)
	}
	call := f.gearing.opens[0]
	if call.debtAmount.Cmp(big.NewInt(500)) != 0 || call.collateral.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("unexpected position terms: debt=%s collateral=%s", call.debtAmount, call.collateral)
	}
}

func TestLeverageByXtRevertsOnCallbackFailure(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, f.record.XtToken, 500)
	f.state.setBalance(f.record.Address, "USDC", 500)

	cb := &recordingLeverageCallback{state: f.state, caller: f.caller, failWith: errors.New("swap failed")}
	if _, err := f.engine.LeverageByXt(f.caller, testMarketID, f.caller, big.NewInt(500), cb, nil); err == nil {
		t.Fatalf("expected callback failure to propagate")
	}
	if got := f.state.balance(f.caller, f.record.XtToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("XT not restored after revert: %s", got)
	}
	if got := f.state.balance(f.record.Address, "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("pool not restored after revert: %s", got)
	}
}

func TestRedeemGatedByDeadline(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 1_000)
	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	f.now = testMaturity + nativecommon.LiquidationWindowSeconds - 1
	_, _, err := f.engine.Redeem(f.caller, testMarketID, f.caller, big.NewInt(400))
	var gate RedeemBeforeDeadlineError
	if !errors.As(err, &gate) {
		t.Fatalf("expected deadline gate, got %v", err)
	}
	if gate.Deadline != testMaturity+nativecommon.LiquidationWindowSeconds {
		t.Fatalf("unexpected deadline: %d", gate.Deadline)
	}
}

func TestRedeemPaysProRataShares(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 1_000)
	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	// Foreclosed collateral swept into the pool during the window.
	f.state.setBalance(f.record.Address, "WETH", 500)
	f.now = testMaturity + nativecommon.LiquidationWindowSeconds

	debtOut, collateralOut, err := f.engine.Redeem(f.caller, testMarketID, f.caller, big.NewInt(400))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	// 400/1000 of the pool, 1% fee on the debt slice.
	if debtOut.Cmp(big.NewInt(396)) != 0 {
		t.Fatalf("unexpected debt out: %s", debtOut)
	}
	if collateralOut.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected collateral out: %s", collateralOut)
	}
	if got := f.state.balance(f.record.Treasurer, "USDC"); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected redemption fee: %s", got)
	}
	if got := f.state.balance(f.caller, f.record.FtToken); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected remaining FT: %s", got)
	}
	record, err := f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if record.TotalFtSupply.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected supply: %s", record.TotalFtSupply)
	}
}

func TestPreviewRedeemSkipsDeadline(t *testing.T) {
	f := newMarketFixture(t)
	f.state.setBalance(f.caller, "USDC", 1_000)
	if err := f.engine.Mint(f.caller, testMarketID, f.caller, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.state.setBalance(f.record.Address, "WETH", 500)

	debtOut, collateralOut, fee, err := f.engine.PreviewRedeem(testMarketID, big.NewInt(400))
	if err != nil {
		t.Fatalf("preview redeem: %v", err)
	}
	if debtOut.Cmp(big.NewInt(396)) != 0 || collateralOut.Cmp(big.NewInt(200)) != 0 || fee.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected preview: debt=%s collateral=%s fee=%s", debtOut, collateralOut, fee)
	}
	// Preview must not touch balances.
	if got := f.state.balance(f.caller, f.record.FtToken); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("preview mutated balances: %s", got)
	}
}

func TestUpdateMarketConfig(t *testing.T) {
	f := newMarketFixture(t)
	next := makeAddress(crypto.AccountPrefix, 0x55)

	if err := f.engine.UpdateMarketConfig(f.caller, testMarketID, next, testFees()); err != errNotOwner {
		t.Fatalf("expected owner check, got %v", err)
	}
	bad := testFees()
	bad.LendTakerFeeRatio = nativecommon.MaxFeeRatio + 1
	if err := f.engine.UpdateMarketConfig(f.owner, testMarketID, next, bad); err != ErrFeeTooHigh {
		t.Fatalf("expected fee cap rejection, got %v", err)
	}
	if err := f.engine.UpdateMarketConfig(f.owner, testMarketID, next, testFees()); err != nil {
		t.Fatalf("update config: %v", err)
	}
	record, err := f.engine.Get(testMarketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if !record.Treasurer.Equal(next) {
		t.Fatalf("treasurer not updated: %s", record.Treasurer.String())
	}
	if !f.gearing.treasurer.Equal(next) {
		t.Fatalf("treasurer not propagated to positions")
	}
}

func TestCreateOrderGatedByMaturity(t *testing.T) {
	f := newMarketFixture(t)

	id, err := f.engine.CreateOrder(f.caller, testMarketID, big.NewInt(1_000), nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(f.factory.created) != 1 || f.factory.created[0] != id {
		t.Fatalf("factory not invoked: %v", f.factory.created)
	}

	f.now = testMaturity
	if _, err := f.engine.CreateOrder(f.caller, testMarketID, big.NewInt(1_000), nil); err != nativecommon.ErrTermIsNotOpen {
		t.Fatalf("expected term closed error, got %v", err)
	}
}
