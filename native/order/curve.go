package order

import (
	"errors"
	"math/big"
	"sort"

	nativecommon "termmax/native/common"
)

var (
	errEmptyCurve        = errors.New("order curve: at least one cut required")
	errCurveOrigin       = errors.New("order curve: first cut must start at zero reserve")
	errCutsUnordered     = errors.New("order curve: breakpoints must be strictly increasing")
	errCurveNotMonotonic = errors.New("order curve: price must be positive and non-increasing in reserve")
	errCurveOpenSlope    = errors.New("order curve: final segment must have zero slope")
	errCurveRange        = errors.New("order curve: amount exceeds supported reserve range")
)

// CurveCut is one piecewise segment of the FT/XT price curve. For an XT
// reserve r inside the segment, the marginal FT-per-XT price is
//
//	price(r) = Intercept + Slope*(r-XtReserve)/DecimalBase
//
// with both price and Intercept scaled by DecimalBase. Slope is non-positive:
// the deeper the XT reserve, the cheaper XT trades against FT.
type CurveCut struct {
	XtReserve *big.Int `json:"xtReserve"`
	Intercept uint64   `json:"intercept"`
	Slope     int64    `json:"slope"`
}

// Clone returns a deep copy of the cut.
func (c CurveCut) Clone() CurveCut {
	clone := CurveCut{Intercept: c.Intercept, Slope: c.Slope}
	if c.XtReserve != nil {
		clone.XtReserve = new(big.Int).Set(c.XtReserve)
	}
	return clone
}

// CloneCuts deep-copies a cut sequence.
func CloneCuts(cuts []CurveCut) []CurveCut {
	if cuts == nil {
		return nil
	}
	out := make([]CurveCut, len(cuts))
	for i := range cuts {
		out[i] = cuts[i].Clone()
	}
	return out
}

// ValidateCuts checks the structural invariants of a curve: breakpoints
// strictly ordered starting at zero, prices positive, and the curve monotone
// non-increasing over the whole supported reserve range. The final segment is
// unbounded, so its slope must be zero to keep the price floor positive.
func ValidateCuts(cuts []CurveCut) error {
	if len(cuts) == 0 {
		return errEmptyCurve
	}
	if cuts[0].XtReserve == nil || cuts[0].XtReserve.Sign() != 0 {
		return errCurveOrigin
	}
	for i, cut := range cuts {
		if cut.XtReserve == nil || cut.XtReserve.Sign() < 0 {
			return errCutsUnordered
		}
		if i > 0 && cuts[i-1].XtReserve.Cmp(cut.XtReserve) >= 0 {
			return errCutsUnordered
		}
		if cut.Intercept == 0 || cut.Slope > 0 {
			return errCurveNotMonotonic
		}
	}
	if cuts[len(cuts)-1].Slope != 0 {
		return errCurveOpenSlope
	}
	for i := 0; i < len(cuts)-1; i++ {
		end := scaledPrice(cuts[i], cuts[i+1].XtReserve)
		if end.Sign() <= 0 {
			return errCurveNotMonotonic
		}
		next := new(big.Int).Mul(new(big.Int).SetUint64(cuts[i+1].Intercept), bigDecimal())
		if next.Cmp(end) > 0 {
			return errCurveNotMonotonic
		}
	}
	return nil
}

func bigDecimal() *big.Int { return nativecommon.BigDecimalBase() }

// twoD2 is the denominator of the exact segment integral: FT amounts are
// accumulated as integers scaled by 2*DecimalBase^2 and divided once at the
// end so no precision is lost across segment boundaries.
func twoD2() *big.Int {
	d := bigDecimal()
	out := new(big.Int).Mul(d, d)
	return out.Lsh(out, 1)
}

// scaledPrice returns DecimalBase^2 * price(r) for a reserve inside the cut.
func scaledPrice(cut CurveCut, r *big.Int) *big.Int {
	u := new(big.Int).Sub(r, cut.XtReserve)
	out := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), bigDecimal())
	su := new(big.Int).Mul(big.NewInt(cut.Slope), u)
	return out.Add(out, su)
}

// segmentArea returns the exact integral of the segment price over the
// reserve offsets [ua, ub], scaled by 2*DecimalBase^2.
func segmentArea(cut CurveCut, ua, ub *big.Int) *big.Int {
	d := bigDecimal()
	width := new(big.Int).Sub(ub, ua)
	linear := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), d)
	linear.Lsh(linear, 1)
	linear.Mul(linear, width)
	sq := new(big.Int).Mul(ub, ub)
	sq.Sub(sq, new(big.Int).Mul(ua, ua))
	sq.Mul(sq, big.NewInt(cut.Slope))
	return linear.Add(linear, sq)
}

// segmentIndex locates the cut whose range contains reserve r.
func segmentIndex(cuts []CurveCut, r *big.Int) int {
	idx := sort.Search(len(cuts), func(i int) bool {
		return cuts[i].XtReserve.Cmp(r) > 0
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// curveArea integrates the price over reserves [lo, hi], scaled by twoD2.
func curveArea(cuts []CurveCut, lo, hi *big.Int) *big.Int {
	total := big.NewInt(0)
	if lo.Cmp(hi) >= 0 {
		return total
	}
	idx := segmentIndex(cuts, lo)
	cursor := new(big.Int).Set(lo)
	for cursor.Cmp(hi) < 0 {
		cut := cuts[idx]
		end := new(big.Int).Set(hi)
		if idx+1 < len(cuts) && cuts[idx+1].XtReserve.Cmp(hi) < 0 {
			end.Set(cuts[idx+1].XtReserve)
		}
		ua := new(big.Int).Sub(cursor, cut.XtReserve)
		ub := new(big.Int).Sub(end, cut.XtReserve)
		total.Add(total, segmentArea(cut, ua, ub))
		cursor.Set(end)
		idx++
	}
	return total
}

// sellXtExactIn prices selling dx XT into the order at reserve r. It returns
// the FT amount paid out, floored in the order's favor.
func sellXtExactIn(cuts []CurveCut, r, dx *big.Int) *big.Int {
	if dx == nil || dx.Sign() <= 0 {
		return big.NewInt(0)
	}
	hi := new(big.Int).Add(r, dx)
	area := curveArea(cuts, r, hi)
	return area.Quo(area, twoD2())
}

// sellXtExactOut computes the XT amount that must be sold into the order at
// reserve r to withdraw exactly ftOut FT, rounded up in the order's favor.
func sellXtExactOut(cuts []CurveCut, r, ftOut *big.Int) (*big.Int, error) {
	if ftOut == nil || ftOut.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	target := new(big.Int).Mul(ftOut, twoD2())
	hi, err := advanceReserve(cuts, r, target)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(hi, r), nil
}

// buyXtExactOut prices withdrawing exactly dx XT from the order at reserve r.
// It returns the FT amount the taker must pay, rounded up.
func buyXtExactOut(cuts []CurveCut, r, dx *big.Int) (*big.Int, error) {
	if dx == nil || dx.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	lo := new(big.Int).Sub(r, dx)
	if lo.Sign() < 0 {
		return nil, errCurveRange
	}
	area := curveArea(cuts, lo, r)
	den := twoD2()
	area.Add(area, new(big.Int).Sub(den, big.NewInt(1)))
	return area.Quo(area, den), nil
}

// buyXtExactIn computes the XT amount released for spending exactly ftIn FT
// at reserve r, floored in the order's favor.
func buyXtExactIn(cuts []CurveCut, r, ftIn *big.Int) (*big.Int, error) {
	if ftIn == nil || ftIn.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	target := new(big.Int).Mul(ftIn, twoD2())
	lo, err := retreatReserve(cuts, r, target)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(r, lo), nil
}

// advanceReserve finds the smallest reserve hi >= r such that the area over
// [r, hi] reaches target (scaled by twoD2).
func advanceReserve(cuts []CurveCut, r, target *big.Int) (*big.Int, error) {
	idx := segmentIndex(cuts, r)
	cursor := new(big.Int).Set(r)
	remaining := new(big.Int).Set(target)
	for {
		cut := cuts[idx]
		ua := new(big.Int).Sub(cursor, cut.XtReserve)
		if idx+1 < len(cuts) {
			ub := new(big.Int).Sub(cuts[idx+1].XtReserve, cut.XtReserve)
			slice := segmentArea(cut, ua, ub)
			if slice.Cmp(remaining) < 0 {
				remaining.Sub(remaining, slice)
				cursor.Set(cuts[idx+1].XtReserve)
				idx++
				continue
			}
		}
		ub, err := solveForward(cut, ua, remaining)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Add(cut.XtReserve, ub), nil
	}
}

// retreatReserve finds the smallest reserve lo <= r such that the area over
// [lo, r] still fits within target (scaled by twoD2), releasing as much XT
// as the area allows.
func retreatReserve(cuts []CurveCut, r, target *big.Int) (*big.Int, error) {
	idx := segmentIndex(cuts, r)
	cursor := new(big.Int).Set(r)
	remaining := new(big.Int).Set(target)
	for {
		cut := cuts[idx]
		ub := new(big.Int).Sub(cursor, cut.XtReserve)
		slice := segmentArea(cut, big.NewInt(0), ub)
		if slice.Cmp(remaining) <= 0 {
			if idx == 0 {
				if slice.Cmp(remaining) < 0 {
					return nil, errCurveRange
				}
				return new(big.Int).Set(cut.XtReserve), nil
			}
			remaining.Sub(remaining, slice)
			cursor.Set(cut.XtReserve)
			idx--
			continue
		}
		lo, err := solveBackward(cut, ub, remaining)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Add(cut.XtReserve, lo), nil
	}
}

// solveForward finds the smallest offset ub >= ua inside the cut with
// segmentArea(cut, ua, ub) >= remaining.
func solveForward(cut CurveCut, ua, remaining *big.Int) (*big.Int, error) {
	d := bigDecimal()
	twoDI := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), d)
	twoDI.Lsh(twoDI, 1)
	// C is the accumulated area expression evaluated at the solution offset:
	// S*u^2 + 2*D*I*u = C.
	c := new(big.Int).Mul(big.NewInt(cut.Slope), new(big.Int).Mul(ua, ua))
	c.Add(c, new(big.Int).Mul(twoDI, ua))
	c.Add(c, remaining)

	var ub *big.Int
	if cut.Slope == 0 {
		ub = new(big.Int).Add(c, new(big.Int).Sub(twoDI, big.NewInt(1)))
		ub.Quo(ub, twoDI)
	} else {
		a := big.NewInt(-cut.Slope)
		di := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), d)
		disc := new(big.Int).Mul(di, di)
		disc.Sub(disc, new(big.Int).Mul(a, c))
		if disc.Sign() < 0 {
			return nil, errCurveRange
		}
		root := new(big.Int).Sqrt(disc)
		ub = new(big.Int).Sub(di, root)
		ub.Quo(ub, a)
	}
	if ub.Cmp(ua) < 0 {
		ub.Set(ua)
	}
	// Integer sqrt truncation can land one unit short of the target.
	for segmentArea(cut, ua, ub).Cmp(remaining) < 0 {
		ub.Add(ub, big.NewInt(1))
	}
	return ub, nil
}

// solveBackward finds the smallest offset lo <= ub inside the cut with
// segmentArea(cut, lo, ub) <= remaining.
func solveBackward(cut CurveCut, ub, remaining *big.Int) (*big.Int, error) {
	d := bigDecimal()
	twoDI := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), d)
	twoDI.Lsh(twoDI, 1)
	// Solve S*u^2 + 2*D*I*u = C for the lower offset.
	c := new(big.Int).Mul(big.NewInt(cut.Slope), new(big.Int).Mul(ub, ub))
	c.Add(c, new(big.Int).Mul(twoDI, ub))
	c.Sub(c, remaining)
	if c.Sign() < 0 {
		return nil, errCurveRange
	}

	var lo *big.Int
	if cut.Slope == 0 {
		lo = new(big.Int).Quo(c, twoDI)
	} else {
		a := big.NewInt(-cut.Slope)
		di := new(big.Int).Mul(new(big.Int).SetUint64(cut.Intercept), d)
		disc := new(big.Int).Mul(di, di)
		disc.Sub(disc, new(big.Int).Mul(a, c))
		if disc.Sign() < 0 {
			return nil, errCurveRange
		}
		root := new(big.Int).Sqrt(disc)
		lo = new(big.Int).Sub(di, root)
		lo.Quo(lo, a)
	}
	if lo.Sign() < 0 {
		lo.SetInt64(0)
	}
	for lo.Cmp(ub) < 0 && segmentArea(cut, lo, ub).Cmp(remaining) > 0 {
		lo.Add(lo, big.NewInt(1))
	}
	return lo, nil
}
