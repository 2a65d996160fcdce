package shared

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSplitByWeightsConservesTotal(t *testing.T) {
	cases := []struct {
		name        string
		total       string
		weights     []int64
		residualIdx int
		want        []string
	}{
		{"even split", "30.00", []int64{1, 1, 1}, 0, []string{"10.00", "10.00", "10.00"}},
		{"residual cent to first", "10.00", []int64{1, 1, 1}, 0, []string{"3.34", "3.33", "3.33"}},
		{"residual cent to last", "10.00", []int64{1, 1, 1}, 2, []string{"3.33", "3.33", "3.34"}},
		{"weighted", "20.00", []int64{2, 1, 1}, 0, []string{"10.00", "5.00", "5.00"}},
		{"single recipient", "7.41", []int64{5}, 0, []string{"7.41"}},
		{"zero weight member", "9.00", []int64{1, 0, 2}, 2, []string{"3.00", "0.00", "6.00"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares, err := SplitByWeights(dec(tc.total), tc.weights, tc.residualIdx)
			require.NoError(t, err)
			require.Len(t, shares, len(tc.want))
			sum := decimal.Zero
			for i, share := range shares {
				require.True(t, share.Equal(dec(tc.want[i])), "share %d: got %s want %s", i, share, tc.want[i])
				sum = sum.Add(share)
			}
			require.True(t, sum.Equal(dec(tc.total)), "sum %s != total %s", sum, tc.total)
		})
	}
}

func TestSplitByWeightsRejectsEmptyAndZero(t *testing.T) {
	_, err := SplitByWeights(dec("10.00"), nil, 0)
	require.ErrorIs(t, err, ErrNoWeights)

	_, err = SplitByWeights(dec("10.00"), []int64{0, 0}, 0)
	require.ErrorIs(t, err, ErrNoWeights)

	_, err = SplitByWeights(dec("10.00"), []int64{1, -1}, 0)
	require.Error(t, err)
}

func TestSplitByWeightsClampsResidualIndex(t *testing.T) {
	shares, err := SplitByWeights(dec("10.00"), []int64{1, 1, 1}, 99)
	require.NoError(t, err)
	require.True(t, shares[0].Equal(dec("3.34")))
}

func TestRoundCentsTruncates(t *testing.T) {
	require.True(t, RoundCents(dec("3.339")).Equal(dec("3.33")))
	require.True(t, RoundCents(dec("3.331")).Equal(dec("3.33")))
	require.True(t, RoundCents(dec("3.33")).Equal(dec("3.33")))
}

func TestIsCentPrecise(t *testing.T) {
	require.True(t, IsCentPrecise(dec("10.50")))
	require.True(t, IsCentPrecise(dec("10")))
	require.False(t, IsCentPrecise(dec("10.505")))
}

func TestApplyBasisPoints(t *testing.T) {
	require.True(t, ApplyBasisPoints(dec("100.00"), 300).Equal(dec("3.00")))
	require.True(t, ApplyBasisPoints(dec("33.33"), 300).Equal(dec("0.99")))
	require.True(t, ApplyBasisPoints(dec("100.00"), 0).IsZero())
	require.True(t, ApplyBasisPoints(dec("100.00"), -5).IsZero())
}
