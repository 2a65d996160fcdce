package shared

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Money helpers. All amounts in the engine are decimal.Decimal at cent
// precision; floats are never used for money.

// ErrNoWeights indicates a split was requested with no positive weight.
var ErrNoWeights = errors.New("split requires at least one positive weight")

// RoundCents truncates towards zero at two decimal places. Splits round
// down per recipient so the residual is always non-negative and can be
// assigned deterministically.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(2)
}

// IsCentPrecise reports whether the amount has no sub-cent component.
func IsCentPrecise(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// SplitByWeights divides total among recipients proportionally to weights.
// Every share except the one at residualIdx is rounded down to the cent;
// the residualIdx share receives total minus the others, so the results
// always sum exactly to total.
func SplitByWeights(total decimal.Decimal, weights []int64, residualIdx int) ([]decimal.Decimal, error) {
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	if residualIdx < 0 || residualIdx >= len(weights) {
		residualIdx = 0
	}
	var sum int64
	for _, w := range weights {
		if w < 0 {
			return nil, errors.New("split weight cannot be negative")
		}
		sum += w
	}
	if sum == 0 {
		return nil, ErrNoWeights
	}
	den := decimal.NewFromInt(sum)
	shares := make([]decimal.Decimal, len(weights))
	rest := total
	for i, w := range weights {
		if i == residualIdx {
			continue
		}
		share := RoundCents(total.Mul(decimal.NewFromInt(w)).Div(den))
		shares[i] = share
		rest = rest.Sub(share)
	}
	shares[residualIdx] = rest
	return shares, nil
}

// ApplyBasisPoints returns amount scaled by bps/10000, rounded down to the cent.
func ApplyBasisPoints(amount decimal.Decimal, bps int32) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return RoundCents(amount.Mul(decimal.NewFromInt32(bps)).Div(decimal.NewFromInt(10000)))
}
