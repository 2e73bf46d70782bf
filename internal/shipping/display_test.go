package shipping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func storeChart() RateChart {
	return ResolveRateChart(json.RawMessage(`{
		"RajasthanLocal": {"base500": 40, "add500": 25, "nestedSlabs": {"ultraLocal": 60}},
		"A": {"base500": 24, "add500": 14},
		"B": {"base500": 42, "add500": 26},
		"C": {"base500": 80, "add500": 30}
	}`))
}

func TestDisplayMetricsUsesMaxBasePerClass(t *testing.T) {
	m := DisplayMetrics(storeChart(), dec("30"))
	require.Equal(t, "80.00", m.MaxIndiaBase.StringFixed(2))
	require.Equal(t, "104.00", m.MaxIndiaDisplayCharge.StringFixed(2))
	require.Equal(t, "60.00", m.MaxLocalBase.StringFixed(2))
	require.Equal(t, "78.00", m.MaxLocalDisplayCharge.StringFixed(2))
	require.False(t, m.Fallback)
}

func TestDisplayMetricsOnFallbackChart(t *testing.T) {
	m := DisplayMetrics(DefaultRateChart(), dec("30"))
	require.True(t, m.Fallback)
	require.Equal(t, "31.20", m.MaxLocalDisplayCharge.StringFixed(2))
	require.Equal(t, "65.00", m.MaxIndiaDisplayCharge.StringFixed(2))
}

func TestDisplayMetricsFormula(t *testing.T) {
	for _, markup := range []string{"0", "12.5", "30", "100"} {
		m := DisplayMetrics(DefaultRateChart(), dec(markup))
		want := m.MaxIndiaBase.Mul(dec("1").Add(dec(markup).Div(dec("100")))).Round(2)
		require.True(t, m.MaxIndiaDisplayCharge.Equal(want), markup)
	}
	negative := DisplayMetrics(DefaultRateChart(), dec("-10"))
	require.True(t, negative.MaxIndiaDisplayCharge.Equal(dec("50")))
}

func TestIsLocalZone(t *testing.T) {
	require.True(t, IsLocalZone("RajasthanLocal"))
	require.True(t, IsLocalZone("intraCity"))
	require.True(t, IsLocalZone("rajasthan"))
	require.False(t, IsLocalZone("A"))
}
