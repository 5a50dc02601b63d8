package pricefeed

import (
	"math/big"
	"testing"
	"time"
)

func TestStaticFeedRoundTrip(t *testing.T) {
	feed := NewStaticFeed(0)

	if _, err := feed.LatestRoundData("WETH", "USDC"); err != errUnknownPair {
		t.Fatalf("expected errUnknownPair, got %v", err)
	}

	observed := time.Unix(1_000, 0)
	if err := feed.Post("WETH", "USDC", big.NewInt(2_000), big.NewInt(1), observed); err != nil {
		t.Fatalf("Post: %v", err)
	}

	round, err := feed.LatestRoundData("weth", " usdc ")
	if err != nil {
		t.Fatalf("LatestRoundData: %v", err)
	}
	if round.Rate.Cmp(big.NewInt(2_000)) != 0 || round.Scale.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("unexpected round: rate=%s scale=%s", round.Rate, round.Scale)
	}

	// Returned data is a copy.
	round.Rate.SetInt64(1)
	again, err := feed.LatestRoundData("WETH", "USDC")
	if err != nil {
		t.Fatalf("LatestRoundData: %v", err)
	}
	if again.Rate.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("mutating a returned round changed the feed: %s", again.Rate)
	}
}

func TestStaticFeedRejectsBadObservations(t *testing.T) {
	feed := NewStaticFeed(0)
	observed := time.Unix(1_000, 0)

	if err := feed.Post("WETH", "USDC", nil, big.NewInt(1), observed); err != errNilRate {
		t.Fatalf("nil rate: expected errNilRate, got %v", err)
	}
	if err := feed.Post("WETH", "USDC", big.NewInt(0), big.NewInt(1), observed); err != errNilRate {
		t.Fatalf("zero rate: expected errNilRate, got %v", err)
	}
	if err := feed.Post("WETH", "USDC", big.NewInt(2_000), big.NewInt(0), observed); err != errNilRate {
		t.Fatalf("zero scale: expected errNilRate, got %v", err)
	}
}

func TestStaticFeedStaleness(t *testing.T) {
	feed := NewStaticFeed(time.Hour)
	now := time.Unix(10_000, 0)
	feed.SetNowFunc(func() time.Time { return now })

	if err := feed.Post("WETH", "USDC", big.NewInt(2_000), big.NewInt(1), now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := feed.LatestRoundData("WETH", "USDC"); err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := feed.LatestRoundData("WETH", "USDC"); err != errStaleQuote {
		t.Fatalf("expected errStaleQuote, got %v", err)
	}
}
