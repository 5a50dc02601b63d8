package state

import (
	"errors"
	"math/big"

	"termmax/core/types"
	"termmax/crypto"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
)

var errMalformedRecord = errors.New("state: malformed stored record")

// Stored records are JSON with big.Int amounts encoded as base-10 strings
// and addresses as bech32, so persisted state stays inspectable.

type storedAccount struct {
	Nonce    uint64            `json:"nonce"`
	Balances map[string]string `json:"balances,omitempty"`
}

type storedFees struct {
	RedeemFeeRatio      uint64 `json:"redeemFeeRatio"`
	IssueFtFeeRatio     uint64 `json:"issueFtFeeRatio"`
	IssueFtFeeRef       uint64 `json:"issueFtFeeRef"`
	BorrowTakerFeeRatio uint64 `json:"borrowTakerFeeRatio"`
	BorrowMakerFeeRatio uint64 `json:"borrowMakerFeeRatio"`
	LendTakerFeeRatio   uint64 `json:"lendTakerFeeRatio"`
	LendMakerFeeRatio   uint64 `json:"lendMakerFeeRatio"`
}

type storedMarket struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	Address         string     `json:"address"`
	Treasurer       string     `json:"treasurer"`
	DebtToken       string     `json:"debtToken"`
	FtToken         string     `json:"ftToken"`
	XtToken         string     `json:"xtToken"`
	CollateralToken string     `json:"collateralToken"`
	Maturity        int64      `json:"maturity"`
	Fees            storedFees `json:"fees"`
	TotalFtSupply   string     `json:"totalFtSupply"`
	CreatedAt       int64      `json:"createdAt"`
}

type storedCut struct {
	XtReserve string `json:"xtReserve"`
	Intercept uint64 `json:"intercept"`
	Slope     int64  `json:"slope"`
}

type storedOrder struct {
	ID           string      `json:"id"`
	MarketID     string      `json:"marketId"`
	Maker        string      `json:"maker"`
	Address      string      `json:"address"`
	MaxXtReserve string      `json:"maxXtReserve"`
	Cuts         []storedCut `json:"cuts"`
	CreatedAt    int64       `json:"createdAt"`
}

type storedLoan struct {
	ID         uint64 `json:"id"`
	MarketID   string `json:"marketId"`
	Owner      string `json:"owner"`
	DebtAmount string `json:"debtAmount"`
	Collateral string `json:"collateral"`
	Closed     bool   `json:"closed,omitempty"`
	Liquidated bool   `json:"liquidated,omitempty"`
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errMalformedRecord
	}
	return v, nil
}

func accountToStored(acc *types.Account) storedAccount {
	stored := storedAccount{Nonce: acc.Nonce}
	if len(acc.Balances) > 0 {
		stored.Balances = make(map[string]string, len(acc.Balances))
		for token, amount := range acc.Balances {
			stored.Balances[token] = encodeAmount(amount)
		}
	}
	return stored
}

func accountFromStored(stored storedAccount) (*types.Account, error) {
	acc := types.NewAccount()
	acc.Nonce = stored.Nonce
	for token, raw := range stored.Balances {
		amount, err := decodeAmount(raw)
		if err != nil {
			return nil, err
		}
		acc.Balances[token] = amount
	}
	return acc, nil
}

func marketToStored(m *market.Market) storedMarket {
	return storedMarket{
		ID:              m.ID,
		Owner:           m.Owner.String(),
		Address:         m.Address.String(),
		Treasurer:       m.Treasurer.String(),
		DebtToken:       m.DebtToken,
		FtToken:         m.FtToken,
		XtToken:         m.XtToken,
		CollateralToken: m.CollateralToken,
		Maturity:        m.Maturity,
		Fees: storedFees{
			RedeemFeeRatio:      m.Fees.RedeemFeeRatio,
			IssueFtFeeRatio:     m.Fees.IssueFtFeeRatio,
			IssueFtFeeRef:       m.Fees.IssueFtFeeRef,
			BorrowTakerFeeRatio: m.Fees.BorrowTakerFeeRatio,
			BorrowMakerFeeRatio: m.Fees.BorrowMakerFeeRatio,
			LendTakerFeeRatio:   m.Fees.LendTakerFeeRatio,
			LendMakerFeeRatio:   m.Fees.LendMakerFeeRatio,
		},
		TotalFtSupply: encodeAmount(m.TotalFtSupply),
		CreatedAt:     m.CreatedAt,
	}
}

func marketFromStored(stored storedMarket) (*market.Market, error) {
	owner, err := crypto.DecodeAddress(stored.Owner)
	if err != nil {
		return nil, err
	}
	address, err := crypto.DecodeAddress(stored.Address)
	if err != nil {
		return nil, err
	}
	treasurer, err := crypto.DecodeAddress(stored.Treasurer)
	if err != nil {
		return nil, err
	}
	supply, err := decodeAmount(stored.TotalFtSupply)
	if err != nil {
		return nil, err
	}
	return &market.Market{
		ID:              stored.ID,
		Owner:           owner,
		Address:         address,
		Treasurer:       treasurer,
		DebtToken:       stored.DebtToken,
		FtToken:         stored.FtToken,
		XtToken:         stored.XtToken,
		CollateralToken: stored.CollateralToken,
		Maturity:        stored.Maturity,
		Fees: market.FeeConfig{
			RedeemFeeRatio:      stored.Fees.RedeemFeeRatio,
			IssueFtFeeRatio:     stored.Fees.IssueFtFeeRatio,
			IssueFtFeeRef:       stored.Fees.IssueFtFeeRef,
			BorrowTakerFeeRatio: stored.Fees.BorrowTakerFeeRatio,
			BorrowMakerFeeRatio: stored.Fees.BorrowMakerFeeRatio,
			LendTakerFeeRatio:   stored.Fees.LendTakerFeeRatio,
			LendMakerFeeRatio:   stored.Fees.LendMakerFeeRatio,
		},
		TotalFtSupply: supply,
		CreatedAt:     stored.CreatedAt,
	}, nil
}

func orderToStored(o *order.Order) storedOrder {
	stored := storedOrder{
		ID:           o.ID,
		MarketID:     o.MarketID,
		Maker:        o.Maker.String(),
		Address:      o.Address.String(),
		MaxXtReserve: encodeAmount(o.MaxXtReserve),
		CreatedAt:    o.CreatedAt,
	}
	for _, cut := range o.Cuts {
		stored.Cuts = append(stored.Cuts, storedCut{
			XtReserve: encodeAmount(cut.XtReserve),
			Intercept: cut.Intercept,
			Slope:     cut.Slope,
		})
	}
	return stored
}

func orderFromStored(stored storedOrder) (*order.Order, error) {
	maker, err := crypto.DecodeAddress(stored.Maker)
	if err != nil {
		return nil, err
	}
	address, err := crypto.DecodeAddress(stored.Address)
	if err != nil {
		return nil, err
	}
	maxXt, err := decodeAmount(stored.MaxXtReserve)
	if err != nil {
		return nil, err
	}
	record := &order.Order{
		ID:           stored.ID,
		MarketID:     stored.MarketID,
		Maker:        maker,
		Address:      address,
		MaxXtReserve: maxXt,
		CreatedAt:    stored.CreatedAt,
	}
	for _, cut := range stored.Cuts {
		reserve, err := decodeAmount(cut.XtReserve)
		if err != nil {
			return nil, err
		}
		record.Cuts = append(record.Cuts, order.CurveCut{
			XtReserve: reserve,
			Intercept: cut.Intercept,
			Slope:     cut.Slope,
		})
	}
	return record, nil
}

func loanToStored(l *gearing.Loan) storedLoan {
	return storedLoan{
		ID:         l.ID,
		MarketID:   l.MarketID,
		Owner:      l.Owner.String(),
		DebtAmount: encodeAmount(l.DebtAmount),
		Collateral: encodeAmount(l.Collateral),
		Closed:     l.Closed,
		Liquidated: l.Liquidated,
	}
}

func loanFromStored(stored storedLoan) (*gearing.Loan, error) {
	owner, err := crypto.DecodeAddress(stored.Owner)
	if err != nil {
		return nil, err
	}
	debt, err := decodeAmount(stored.DebtAmount)
	if err != nil {
		return nil, err
	}
	collateral, err := decodeAmount(stored.Collateral)
	if err != nil {
		return nil, err
	}
	return &gearing.Loan{
		ID:         stored.ID,
		MarketID:   stored.MarketID,
		Owner:      owner,
		DebtAmount: debt,
		Collateral: collateral,
		Closed:     stored.Closed,
		Liquidated: stored.Liquidated,
	}, nil
}
