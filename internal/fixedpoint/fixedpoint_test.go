package fixedpoint

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1.0005", 1_000_500},
		{"0", 0},
		{"1", 1_000_000},
		{"0.0000004", 0},
		{"0.0000005", 1},
		{"123.4567894", 123_456_789},
		{"123.4567895", 123_456_790},
		{"0.1", 100_000},
	}
	for _, tc := range cases {
		got, err := Convert(decimal.RequireFromString(tc.in), OracleDecimals)
		require.NoError(t, err, tc.in)
		assert.Equal(t, big.NewInt(tc.want), got, tc.in)
	}
}

func TestConvertLargeValueKeepsPrecision(t *testing.T) {
	got, err := ConvertString("123456789012345678901234567890.123456", OracleDecimals)
	require.NoError(t, err)

	want, ok := new(big.Int).SetString("123456789012345678901234567890123456", 10)
	require.True(t, ok)
	assert.Equal(t, 0, want.Cmp(got))
}

func TestConvertRejectsNegative(t *testing.T) {
	for _, in := range []string{"-1", "-0.0000001", "-1000.5"} {
		_, err := Convert(decimal.RequireFromString(in), OracleDecimals)
		var invalid *InvalidPriceError
		require.True(t, errors.As(err, &invalid), "expected InvalidPriceError for %s", in)
		assert.Equal(t, "negative", invalid.Reason)
	}
}

func TestConvertFloat(t *testing.T) {
	got, err := ConvertFloat(1.0005, OracleDecimals)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_500), got)

	// 0.1 + 0.2 is 0.30000000000000004 in binary; the scaled value must still be exact.
	got, err = ConvertFloat(0.1+0.2, OracleDecimals)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300_000), got)
}

func TestConvertFloatRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := ConvertFloat(f, OracleDecimals)
		var invalid *InvalidPriceError
		require.ErrorAs(t, err, &invalid)
	}
}

func TestConvertStringRejectsGarbage(t *testing.T) {
	_, err := ConvertString("one dollar", OracleDecimals)
	var invalid *InvalidPriceError
	require.ErrorAs(t, err, &invalid)
}

func TestToDecimalRoundTrip(t *testing.T) {
	scaled, err := ConvertString("42.123456", OracleDecimals)
	require.NoError(t, err)
	assert.True(t, ToDecimal(scaled, OracleDecimals).Equal(decimal.RequireFromString("42.123456")))
	assert.True(t, ToDecimal(nil, OracleDecimals).IsZero())
}
