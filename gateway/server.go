package gateway

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"termmax/core/types"
	"termmax/crypto"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
)

// MarketReader is the read-only market surface exposed over HTTP.
type MarketReader interface {
	Get(marketID string) (*market.Market, error)
	PreviewRedeem(marketID string, ftAmount *big.Int) (debtOut, collateralOut, fee *big.Int, err error)
}

// OrderReader resolves order records.
type OrderReader interface {
	Get(orderID string) (*order.Order, error)
}

// LoanReader resolves open positions and their health.
type LoanReader interface {
	LoanInfo(loanID uint64) (*gearing.LoanInfo, error)
	Ltv(loanID uint64) (uint64, error)
}

// AccountReader resolves balance ledgers.
type AccountReader interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
}

// ListingReader reports router allow-list status.
type ListingReader interface {
	IsMarketListed(marketID string) (bool, error)
	IsAdapterListed(name string) (bool, error)
}

// Server is the read-only HTTP query surface. All mutation goes through the
// engines directly; the gateway only observes.
type Server struct {
	markets  MarketReader
	orders   OrderReader
	loans    LoanReader
	accounts AccountReader
	listings ListingReader
	feed     *Feed
	metrics  *Metrics
}

// ServerConfig wires the readers the server exposes.
type ServerConfig struct {
	Markets  MarketReader
	Orders   OrderReader
	Loans    LoanReader
	Accounts AccountReader
	Listings ListingReader
	Feed     *Feed
	Metrics  *Metrics
}

// NewServer builds the query server.
func NewServer(cfg ServerConfig) *Server {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		markets:  cfg.Markets,
		orders:   cfg.Orders,
		loans:    cfg.Loans,
		accounts: cfg.Accounts,
		listings: cfg.Listings,
		feed:     cfg.Feed,
		metrics:  metrics,
	}
}

// Router mounts every route on a fresh chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/markets/{id}", s.handleMarket)
		v1.Get("/markets/{id}/preview-redeem", s.handlePreviewRedeem)
		v1.Get("/orders/{id}", s.handleOrder)
		v1.Get("/loans/{id}", s.handleLoan)
		v1.Get("/accounts/{address}", s.handleAccount)
		v1.Get("/events", s.handleEvents)
	})
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

type envelope struct {
	RequestID string      `json:"requestId"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{RequestID: uuid.NewString(), Data: data})
	s.metrics.observe(route, status)
}

func (s *Server) writeError(w http.ResponseWriter, route string, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{RequestID: uuid.NewString(), Error: err.Error()})
	s.metrics.observe(route, status)
}

type marketResponse struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Address         string `json:"address"`
	Treasurer       string `json:"treasurer"`
	DebtToken       string `json:"debtToken"`
	FtToken         string `json:"ftToken"`
	XtToken         string `json:"xtToken"`
	CollateralToken string `json:"collateralToken"`
	Maturity        int64  `json:"maturity"`
	Deadline        int64  `json:"redemptionDeadline"`
	TotalFtSupply   string `json:"totalFtSupply"`
	Listed          bool   `json:"listed"`
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	const route = "market"
	id := chi.URLParam(r, "id")
	record, err := s.markets.Get(id)
	if err != nil {
		s.writeError(w, route, http.StatusNotFound, err)
		return
	}
	listed := false
	if s.listings != nil {
		listed, _ = s.listings.IsMarketListed(id)
	}
	s.writeJSON(w, route, http.StatusOK, marketResponse{
		ID:              record.ID,
		Owner:           record.Owner.String(),
		Address:         record.Address.String(),
		Treasurer:       record.Treasurer.String(),
		DebtToken:       record.DebtToken,
		FtToken:         record.FtToken,
		XtToken:         record.XtToken,
		CollateralToken: record.CollateralToken,
		Maturity:        record.Maturity,
		Deadline:        record.RedemptionDeadline(),
		TotalFtSupply:   record.TotalFtSupply.String(),
		Listed:          listed,
	})
}

type previewRedeemResponse struct {
	FtAmount      string `json:"ftAmount"`
	DebtOut       string `json:"debtOut"`
	CollateralOut string `json:"collateralOut"`
	Fee           string `json:"fee"`
}

func (s *Server) handlePreviewRedeem(w http.ResponseWriter, r *http.Request) {
	const route = "preview_redeem"
	id := chi.URLParam(r, "id")
	ftAmount, ok := new(big.Int).SetString(r.URL.Query().Get("ft"), 10)
	if !ok {
		http.Error(w, "invalid ft amount", http.StatusBadRequest)
		s.metrics.observe(route, http.StatusBadRequest)
		return
	}
	debtOut, collateralOut, fee, err := s.markets.PreviewRedeem(id, ftAmount)
	if err != nil {
		s.writeError(w, route, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, route, http.StatusOK, previewRedeemResponse{
		FtAmount:      ftAmount.String(),
		DebtOut:       debtOut.String(),
		CollateralOut: collateralOut.String(),
		Fee:           fee.String(),
	})
}

type orderResponse struct {
	ID           string `json:"id"`
	MarketID     string `json:"marketId"`
	Maker        string `json:"maker"`
	Address      string `json:"address"`
	MaxXtReserve string `json:"maxXtReserve"`
	Cuts         int    `json:"curveCuts"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	const route = "order"
	record, err := s.orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, route, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, route, http.StatusOK, orderResponse{
		ID:           record.ID,
		MarketID:     record.MarketID,
		Maker:        record.Maker.String(),
		Address:      record.Address.String(),
		MaxXtReserve: record.MaxXtReserve.String(),
		Cuts:         len(record.Cuts),
		CreatedAt:    record.CreatedAt,
	})
}

type loanResponse struct {
	ID           uint64 `json:"id"`
	MarketID     string `json:"marketId"`
	Owner        string `json:"owner"`
	DebtAmount   string `json:"debtAmount"`
	Collateral   string `json:"collateral"`
	Ltv          uint64 `json:"ltv"`
	Liquidatable bool   `json:"liquidatable"`
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	const route = "loan"
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		s.metrics.observe(route, http.StatusBadRequest)
		return
	}
	info, err := s.loans.LoanInfo(id)
	if err != nil {
		s.writeError(w, route, http.StatusNotFound, err)
		return
	}
	ltv, err := s.loans.Ltv(id)
	if err != nil {
		s.writeError(w, route, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, route, http.StatusOK, loanResponse{
		ID:           info.ID,
		MarketID:     info.MarketID,
		Owner:        info.Owner.String(),
		DebtAmount:   info.DebtAmount.String(),
		Collateral:   gearing.DecodeCollateral(info.CollateralData).String(),
		Ltv:          ltv,
		Liquidatable: info.Liquidatable,
	})
}

type accountResponse struct {
	Address  string            `json:"address"`
	Balances map[string]string `json:"balances"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	const route = "account"
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		s.metrics.observe(route, http.StatusBadRequest)
		return
	}
	account, err := s.accounts.GetAccount(addr)
	if err != nil {
		s.writeError(w, route, http.StatusInternalServerError, err)
		return
	}
	balances := make(map[string]string)
	if account != nil {
		for token, amount := range account.Balances {
			balances[token] = amount.String()
		}
	}
	s.writeJSON(w, route, http.StatusOK, accountResponse{Address: addr.String(), Balances: balances})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	const route = "events"
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			s.metrics.observe(route, http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	var entries []*types.Event
	if s.feed != nil {
		entries = s.feed.Recent(limit)
	}
	s.writeJSON(w, route, http.StatusOK, entries)
}
