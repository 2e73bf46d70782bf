package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRound2HalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":  "1.01",
		"1.004":  "1",
		"2.675":  "2.68",
		"104":    "104",
		"0.125":  "0.13",
		"99.999": "100",
	}
	for in, want := range cases {
		got := Round2(decimal.RequireFromString(in))
		require.True(t, got.Equal(decimal.RequireFromString(want)), "%s -> %s", in, got)
	}
}

func TestParseRejectsNegativeAndGarbage(t *testing.T) {
	_, err := Parse("-1")
	require.ErrorIs(t, err, ErrNegative)
	_, err = Parse("NaN")
	require.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("")
	require.ErrorIs(t, err, ErrInvalid)
	d, err := Parse(" 12.50 ")
	require.NoError(t, err)
	require.Equal(t, "12.50", Format(d))
}

func TestFromJSONAcceptsNumbersAndStrings(t *testing.T) {
	d, err := FromJSON(json.RawMessage(`24`))
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.NewFromInt(24)))
	d, err = FromJSON(json.RawMessage(`"14.5"`))
	require.NoError(t, err)
	require.Equal(t, "14.50", Format(d))
	_, err = FromJSON(json.RawMessage(`null`))
	require.Error(t, err)
	_, err = FromJSON(json.RawMessage(`{"a":1}`))
	require.Error(t, err)
}

func TestPaiseRoundTrip(t *testing.T) {
	require.Equal(t, int64(10400), Paise(decimal.RequireFromString("104")))
	require.Equal(t, int64(1), Paise(decimal.RequireFromString("0.005")))
	require.Equal(t, "104.00", Format(FromPaise(10400)))
}
