package pricefeed

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	errUnknownPair = errors.New("pricefeed: unknown pair")
	errStaleQuote  = errors.New("pricefeed: quote older than max age")
	errNilRate     = errors.New("pricefeed: rate not set")
)

// RoundData carries the latest observation for a collateral/debt pair. Rate
// is scaled by Scale so integer LTV math stays exact.
type RoundData struct {
	Rate      *big.Int
	Scale     *big.Int
	Timestamp time.Time
}

// Clone returns a deep copy of the round data.
func (r RoundData) Clone() RoundData {
	clone := RoundData{Timestamp: r.Timestamp}
	if r.Rate != nil {
		clone.Rate = new(big.Int).Set(r.Rate)
	}
	if r.Scale != nil {
		clone.Scale = new(big.Int).Set(r.Scale)
	}
	return clone
}

// Feed exposes the latest validated round for a token pair, in the shape the
// gearing engine consumes for loan-to-value computation.
type Feed interface {
	LatestRoundData(base, quote string) (RoundData, error)
}

// StaticFeed is an owner-fed oracle with a staleness bound. It backs local
// deployments and tests; production wiring substitutes an aggregator that
// satisfies the same Feed interface.
type StaticFeed struct {
	mu     sync.RWMutex
	rounds map[string]RoundData
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewStaticFeed creates a feed that rejects quotes older than maxAge. A zero
// maxAge disables the staleness check.
func NewStaticFeed(maxAge time.Duration) *StaticFeed {
	return &StaticFeed{
		rounds: make(map[string]RoundData),
		maxAge: maxAge,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (f *StaticFeed) SetNowFunc(now func() time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if now == nil {
		f.nowFn = time.Now
		return
	}
	f.nowFn = now
}

// Post records a new observation for the pair.
func (f *StaticFeed) Post(base, quote string, rate, scale *big.Int, observed time.Time) error {
	if f == nil {
		return errNilRate
	}
	if rate == nil || rate.Sign() <= 0 || scale == nil || scale.Sign() <= 0 {
		return errNilRate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[pairKey(base, quote)] = RoundData{
		Rate:      new(big.Int).Set(rate),
		Scale:     new(big.Int).Set(scale),
		Timestamp: observed,
	}
	return nil
}

// LatestRoundData implements the Feed interface.
func (f *StaticFeed) LatestRoundData(base, quote string) (RoundData, error) {
	if f == nil {
		return RoundData{}, errUnknownPair
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	round, ok := f.rounds[pairKey(base, quote)]
	if !ok {
		return RoundData{}, errUnknownPair
	}
	if f.maxAge > 0 && f.nowFn().Sub(round.Timestamp) > f.maxAge {
		return RoundData{}, errStaleQuote
	}
	return round.Clone(), nil
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}
