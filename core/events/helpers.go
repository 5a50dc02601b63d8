package events

import "math/big"

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return big.NewInt(v).String()
}

func uintToString(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}
