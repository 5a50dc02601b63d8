package common

import (
	"math/big"
	"testing"
)

func TestMulDiv(t *testing.T) {
	cases := []struct {
		name   string
		amount *big.Int
		ratio  uint64
		want   *big.Int
	}{
		{"one percent", big.NewInt(100_000), 1_000_000, big.NewInt(1_000)},
		{"floors", big.NewInt(3), 50_000_000, big.NewInt(1)},
		{"zero ratio", big.NewInt(100_000), 0, big.NewInt(0)},
		{"zero amount", big.NewInt(0), 1_000_000, big.NewInt(0)},
		{"nil amount", nil, 1_000_000, big.NewInt(0)},
		{"full base", big.NewInt(7), DecimalBase, big.NewInt(7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MulDiv(tc.amount, tc.ratio)
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("MulDiv(%v, %d) = %s, want %s", tc.amount, tc.ratio, got, tc.want)
			}
		})
	}
}

func TestMulDivDoesNotMutateInput(t *testing.T) {
	amount := big.NewInt(100_000)
	MulDiv(amount, 1_000_000)
	if amount.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("input mutated: %s", amount)
	}
}

func TestBigDecimalBaseIsFresh(t *testing.T) {
	a := BigDecimalBase()
	a.SetInt64(1)
	if BigDecimalBase().Uint64() != DecimalBase {
		t.Fatalf("BigDecimalBase returned a shared value")
	}
}
