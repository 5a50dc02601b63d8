package types

import "math/big"

// Account tracks the fungible balances held by a single venue address. Every
// token the venue touches (debt tokens, FT/XT claims, collateral assets) is
// keyed by its symbol so a market and its orders can share one ledger shape.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an initialised balance table.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// BalanceOf returns the balance held for token, treating absent entries as
// zero. The returned value is the live entry; callers that only read must not
// mutate it.
func (a *Account) BalanceOf(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[token]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// Credit adds amount to the token balance.
func (a *Account) Credit(token string, amount *big.Int) {
	if a == nil || amount == nil || amount.Sign() == 0 {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[token] = new(big.Int).Add(a.BalanceOf(token), amount)
}

// Debit subtracts amount from the token balance. The caller is responsible
// for checking sufficiency first; Debit never produces a negative balance.
func (a *Account) Debit(token string, amount *big.Int) bool {
	if a == nil || amount == nil || amount.Sign() < 0 {
		return false
	}
	current := a.BalanceOf(token)
	if current.Cmp(amount) < 0 {
		return false
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[token] = new(big.Int).Sub(current, amount)
	return true
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for token, bal := range a.Balances {
		if bal == nil {
			clone.Balances[token] = big.NewInt(0)
			continue
		}
		clone.Balances[token] = new(big.Int).Set(bal)
	}
	return clone
}
