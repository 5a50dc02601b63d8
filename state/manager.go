package state

import (
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"sync"

	"termmax/core/types"
	"termmax/crypto"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
	"termmax/storage"
)

var (
	errUnknownMarket   = errors.New("state: unknown market")
	errSupplyUnderflow = errors.New("state: ft supply underflow")
)

const (
	accountPrefix       = "acct/"
	marketPrefix        = "market/"
	orderPrefix         = "order/"
	loanPrefix          = "loan/"
	orderSeqKey         = "seq/order"
	loanSeqKey          = "seq/loan"
	routerMarketPrefix  = "router/market/"
	routerAdapterPrefix = "router/adapter/"
)

// journalEntry remembers the overlay state a write replaced so a revert can
// restore it.
type journalEntry struct {
	key       string
	prev      []byte
	inOverlay bool
}

type revision struct {
	id           int
	journalIndex int
}

// Manager is the shared persistence layer behind every engine. Writes land
// in an in-memory overlay guarded by a journal; Snapshot/RevertToSnapshot
// give engines all-or-nothing semantics around risky sections and Commit
// flushes the overlay to the backing database.
type Manager struct {
	mu        sync.Mutex
	db        storage.Database
	overlay   map[string][]byte
	journal   []journalEntry
	revisions []revision
	nextRev   int
	paused    map[string]bool
}

// NewManager wraps the database in a journaled overlay.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
		paused:  make(map[string]bool),
	}
}

// --- journaled key/value core ---

func (m *Manager) getRaw(key string) ([]byte, bool, error) {
	if value, ok := m.overlay[key]; ok {
		return value, true, nil
	}
	value, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) putRaw(key string, value []byte) {
	prev, inOverlay := m.overlay[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, inOverlay: inOverlay})
	m.overlay[key] = value
}

// Snapshot marks the current write position and returns a handle for
// RevertToSnapshot.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRev++
	id := m.nextRev
	m.revisions = append(m.revisions, revision{id: id, journalIndex: len(m.journal)})
	return id
}

// RevertToSnapshot undoes every write made since the snapshot was taken.
// Unknown handles are ignored.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i := len(m.revisions) - 1; i >= 0; i-- {
		if m.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	target := m.revisions[idx].journalIndex
	for i := len(m.journal) - 1; i >= target; i-- {
		entry := m.journal[i]
		if entry.inOverlay {
			m.overlay[entry.key] = entry.prev
		} else {
			delete(m.overlay, entry.key)
		}
	}
	m.journal = m.journal[:target]
	m.revisions = m.revisions[:idx]
}

// Commit flushes the overlay to the backing database and resets the
// journal. A failed flush leaves the overlay intact so the caller can
// retry.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range m.overlay {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	m.overlay = make(map[string][]byte)
	m.journal = nil
	m.revisions = nil
	return nil
}

func (m *Manager) getJSON(key string, out interface{}) (bool, error) {
	raw, ok, err := m.getRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) putJSON(key string, record interface{}) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	m.putRaw(key, raw)
	return nil
}

func (m *Manager) nextSeq(key string) (uint64, error) {
	raw, ok, err := m.getRaw(key)
	if err != nil {
		return 0, err
	}
	var current uint64
	if ok {
		current, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
	}
	next := current + 1
	m.putRaw(key, []byte(strconv.FormatUint(next, 10)))
	return next, nil
}

// --- pause registry ---

// SetPaused toggles the pause flag for a module.
func (m *Manager) SetPaused(module string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[module] = paused
}

// IsPaused implements the pause view consumed by every engine guard.
func (m *Manager) IsPaused(module string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[module]
}

// --- accounts ---

func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored storedAccount
	ok, err := m.getJSON(accountPrefix+addr.String(), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return accountFromStored(stored)
}

func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(accountPrefix+addr.String(), accountToStored(account))
}

// --- markets ---

func (m *Manager) GetMarket(id string) (*market.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getMarketLocked(id)
}

func (m *Manager) getMarketLocked(id string) (*market.Market, error) {
	var stored storedMarket
	ok, err := m.getJSON(marketPrefix+id, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return marketFromStored(stored)
}

func (m *Manager) PutMarket(record *market.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(marketPrefix+record.ID, marketToStored(record))
}

// MarketView projects the market fields an order needs to price swaps.
func (m *Manager) MarketView(marketID string) (order.MarketView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.getMarketLocked(marketID)
	if err != nil {
		return order.MarketView{}, err
	}
	if record == nil {
		return order.MarketView{}, errUnknownMarket
	}
	return order.MarketView{
		DebtToken:           record.DebtToken,
		FtToken:             record.FtToken,
		XtToken:             record.XtToken,
		Maturity:            record.Maturity,
		Treasurer:           record.Treasurer,
		LendTakerFeeRatio:   record.Fees.LendTakerFeeRatio,
		LendMakerFeeRatio:   record.Fees.LendMakerFeeRatio,
		BorrowTakerFeeRatio: record.Fees.BorrowTakerFeeRatio,
		BorrowMakerFeeRatio: record.Fees.BorrowMakerFeeRatio,
	}, nil
}

// MarketTerms projects the market fields the position registry needs.
func (m *Manager) MarketTerms(marketID string) (gearing.MarketTerms, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.getMarketLocked(marketID)
	if err != nil {
		return gearing.MarketTerms{}, err
	}
	if record == nil {
		return gearing.MarketTerms{}, errUnknownMarket
	}
	return gearing.MarketTerms{
		Maturity:        record.Maturity,
		DebtToken:       record.DebtToken,
		FtToken:         record.FtToken,
		CollateralToken: record.CollateralToken,
		MarketAddress:   record.Address,
	}, nil
}

// ReduceFtSupply burns repaid FT out of the market's outstanding supply.
func (m *Manager) ReduceFtSupply(marketID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.getMarketLocked(marketID)
	if err != nil {
		return err
	}
	if record == nil {
		return errUnknownMarket
	}
	if record.TotalFtSupply.Cmp(amount) < 0 {
		return errSupplyUnderflow
	}
	record.TotalFtSupply = new(big.Int).Sub(record.TotalFtSupply, amount)
	return m.putJSON(marketPrefix+record.ID, marketToStored(record))
}

// --- orders ---

func (m *Manager) GetOrder(id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored storedOrder
	ok, err := m.getJSON(orderPrefix+id, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return orderFromStored(stored)
}

func (m *Manager) PutOrder(record *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(orderPrefix+record.ID, orderToStored(record))
}

func (m *Manager) NextOrderNonce() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq(orderSeqKey)
}

// --- loans ---

func (m *Manager) GetLoan(id uint64) (*gearing.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored storedLoan
	ok, err := m.getJSON(loanPrefix+strconv.FormatUint(id, 10), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return loanFromStored(stored)
}

func (m *Manager) PutLoan(record *gearing.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(loanPrefix+strconv.FormatUint(record.ID, 10), loanToStored(record))
}

func (m *Manager) NextLoanID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq(loanSeqKey)
}

// --- router whitelists ---

func (m *Manager) IsMarketListed(marketID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flag(routerMarketPrefix + marketID)
}

func (m *Manager) SetMarketListed(marketID string, listed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFlag(routerMarketPrefix+marketID, listed)
	return nil
}

func (m *Manager) IsAdapterListed(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flag(routerAdapterPrefix + name)
}

func (m *Manager) SetAdapterListed(name string, listed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFlag(routerAdapterPrefix+name, listed)
	return nil
}

func (m *Manager) flag(key string) (bool, error) {
	raw, ok, err := m.getRaw(key)
	if err != nil || !ok {
		return false, err
	}
	return len(raw) == 1 && raw[0] == '1', nil
}

func (m *Manager) setFlag(key string, value bool) {
	if value {
		m.putRaw(key, []byte{'1'})
		return
	}
	m.putRaw(key, []byte{'0'})
}
