package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"termmax/core/types"
	"termmax/crypto"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
	"termmax/storage"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(prefix, b)
}

func newTestManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func TestAccountRoundTrip(t *testing.T) {
	manager := newTestManager()
	addr := makeAddress(crypto.AccountPrefix, 0x11)

	got, err := manager.GetAccount(addr)
	require.NoError(t, err)
	require.Nil(t, got)

	account := types.NewAccount()
	account.Nonce = 7
	account.Credit("USDC", big.NewInt(1_234_567))
	account.Credit("FT-DEMO", new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil))
	require.NoError(t, manager.PutAccount(addr, account))

	got, err = manager.GetAccount(addr)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(7), got.Nonce)
	require.Zero(t, got.BalanceOf("USDC").Cmp(big.NewInt(1_234_567)))
	require.Zero(t, got.BalanceOf("FT-DEMO").Cmp(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)))
}

func TestMarketRoundTripAndSupply(t *testing.T) {
	manager := newTestManager()
	record := &market.Market{
		ID:              "weth-usdc-mar27",
		Owner:           makeAddress(crypto.AccountPrefix, 0x01),
		Address:         crypto.ModuleAddress("market/weth-usdc-mar27"),
		Treasurer:       makeAddress(crypto.AccountPrefix, 0xEE),
		DebtToken:       "USDC",
		FtToken:         "FT-WETH-USDC-MAR27",
		XtToken:         "XT-WETH-USDC-MAR27",
		CollateralToken: "WETH",
		Maturity:        10_000,
		Fees: market.FeeConfig{
			RedeemFeeRatio:    1_000_000,
			IssueFtFeeRatio:   500_000,
			LendTakerFeeRatio: 250_000,
		},
		TotalFtSupply: big.NewInt(9_000),
		CreatedAt:     1_000,
	}
	require.NoError(t, manager.PutMarket(record))

	got, err := manager.GetMarket(record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, record.ID, got.ID)
	require.True(t, got.Owner.Equal(record.Owner))
	require.True(t, got.Address.Equal(record.Address))
	require.Equal(t, record.Fees, got.Fees)
	require.Zero(t, got.TotalFtSupply.Cmp(big.NewInt(9_000)))

	view, err := manager.MarketView(record.ID)
	require.NoError(t, err)
	require.Equal(t, record.FtToken, view.FtToken)
	require.Equal(t, uint64(250_000), view.LendTakerFeeRatio)

	terms, err := manager.MarketTerms(record.ID)
	require.NoError(t, err)
	require.Equal(t, record.DebtToken, terms.DebtToken)
	require.True(t, terms.MarketAddress.Equal(record.Address))

	require.NoError(t, manager.ReduceFtSupply(record.ID, big.NewInt(4_000)))
	got, err = manager.GetMarket(record.ID)
	require.NoError(t, err)
	require.Zero(t, got.TotalFtSupply.Cmp(big.NewInt(5_000)))

	require.Error(t, manager.ReduceFtSupply(record.ID, big.NewInt(5_001)))
	require.Error(t, manager.ReduceFtSupply("missing", big.NewInt(1)))
	_, err = manager.MarketView("missing")
	require.Error(t, err)
}

func TestOrderRoundTrip(t *testing.T) {
	manager := newTestManager()
	maker := makeAddress(crypto.AccountPrefix, 0x10)

	nonce, err := manager.NextOrderNonce()
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
	nonce, err = manager.NextOrderNonce()
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)

	addr := crypto.DeriveOrderAddress("weth-usdc-mar27", maker, nonce)
	record := &order.Order{
		ID:           addr.String(),
		MarketID:     "weth-usdc-mar27",
		Maker:        maker,
		Address:      addr,
		MaxXtReserve: big.NewInt(1_000_000),
		Cuts: []order.CurveCut{
			{XtReserve: big.NewInt(0), Intercept: 200_000_000, Slope: -1},
			{XtReserve: big.NewInt(100_000_000), Intercept: 199_999_999, Slope: 0},
		},
		CreatedAt: 1_000,
	}
	require.NoError(t, manager.PutOrder(record))

	got, err := manager.GetOrder(record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Maker.Equal(maker))
	require.True(t, got.Address.Equal(addr))
	require.Zero(t, got.MaxXtReserve.Cmp(big.NewInt(1_000_000)))
	require.Len(t, got.Cuts, 2)
	require.Equal(t, int64(-1), got.Cuts[0].Slope)
	require.Zero(t, got.Cuts[1].XtReserve.Cmp(big.NewInt(100_000_000)))

	missing, err := manager.GetOrder("unknown")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestLoanRoundTrip(t *testing.T) {
	manager := newTestManager()

	id, err := manager.NextLoanID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	record := &gearing.Loan{
		ID:         id,
		MarketID:   "weth-usdc-mar27",
		Owner:      makeAddress(crypto.AccountPrefix, 0x10),
		DebtAmount: big.NewInt(900_000),
		Collateral: big.NewInt(1_000),
	}
	require.NoError(t, manager.PutLoan(record))

	got, err := manager.GetLoan(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Active())
	require.Zero(t, got.DebtAmount.Cmp(big.NewInt(900_000)))
	require.Zero(t, got.Collateral.Cmp(big.NewInt(1_000)))

	record.Closed = true
	require.NoError(t, manager.PutLoan(record))
	got, err = manager.GetLoan(id)
	require.NoError(t, err)
	require.False(t, got.Active())
}

func TestSnapshotRevertRestoresWrites(t *testing.T) {
	manager := newTestManager()
	addr := makeAddress(crypto.AccountPrefix, 0x11)
	other := makeAddress(crypto.AccountPrefix, 0x22)

	account := types.NewAccount()
	account.Credit("USDC", big.NewInt(100))
	require.NoError(t, manager.PutAccount(addr, account))

	snapshot := manager.Snapshot()

	account.Credit("USDC", big.NewInt(900))
	require.NoError(t, manager.PutAccount(addr, account))
	fresh := types.NewAccount()
	fresh.Credit("WETH", big.NewInt(5))
	require.NoError(t, manager.PutAccount(other, fresh))

	manager.RevertToSnapshot(snapshot)

	got, err := manager.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, got.BalanceOf("USDC").Cmp(big.NewInt(100)))
	gone, err := manager.GetAccount(other)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestNestedSnapshots(t *testing.T) {
	manager := newTestManager()
	addr := makeAddress(crypto.AccountPrefix, 0x11)

	outer := manager.Snapshot()
	first := types.NewAccount()
	first.Credit("USDC", big.NewInt(1))
	require.NoError(t, manager.PutAccount(addr, first))

	inner := manager.Snapshot()
	second := types.NewAccount()
	second.Credit("USDC", big.NewInt(2))
	require.NoError(t, manager.PutAccount(addr, second))

	manager.RevertToSnapshot(inner)
	got, err := manager.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, got.BalanceOf("USDC").Cmp(big.NewInt(1)))

	manager.RevertToSnapshot(outer)
	gone, err := manager.GetAccount(addr)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestCommitPersistsToBackingStore(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	addr := makeAddress(crypto.AccountPrefix, 0x11)

	account := types.NewAccount()
	account.Credit("USDC", big.NewInt(42))
	require.NoError(t, manager.PutAccount(addr, account))
	require.NoError(t, manager.Commit())

	reopened := NewManager(db)
	got, err := reopened.GetAccount(addr)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Zero(t, got.BalanceOf("USDC").Cmp(big.NewInt(42)))
}

func TestWhitelistFlags(t *testing.T) {
	manager := newTestManager()

	listed, err := manager.IsMarketListed("weth-usdc-mar27")
	require.NoError(t, err)
	require.False(t, listed)

	require.NoError(t, manager.SetMarketListed("weth-usdc-mar27", true))
	listed, err = manager.IsMarketListed("weth-usdc-mar27")
	require.NoError(t, err)
	require.True(t, listed)

	require.NoError(t, manager.SetMarketListed("weth-usdc-mar27", false))
	listed, err = manager.IsMarketListed("weth-usdc-mar27")
	require.NoError(t, err)
	require.False(t, listed)

	require.NoError(t, manager.SetAdapterListed("amm", true))
	listed, err = manager.IsAdapterListed("amm")
	require.NoError(t, err)
	require.True(t, listed)
}

func TestPauseRegistry(t *testing.T) {
	manager := newTestManager()

	require.False(t, manager.IsPaused("market"))
	manager.SetPaused("market", true)
	require.True(t, manager.IsPaused("market"))
	require.False(t, manager.IsPaused("order"))
	manager.SetPaused("market", false)
	require.False(t, manager.IsPaused("market"))
}
