package coins

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func policy() Policy {
	return Policy{Enabled: true, RedeemRate: dec("0.1"), MaxRedeemPercentage: dec("20")}
}

func TestPlanDrainsNearestExpiryFirst(t *testing.T) {
	soon := Lot{ID: "soon", Remaining: 5, Granted: 5, ExpiresAt: at(24 * time.Hour), CreatedAt: now.Add(-48 * time.Hour)}
	later := Lot{ID: "later", Remaining: 100, Granted: 100, ExpiresAt: at(30 * 24 * time.Hour), CreatedAt: now.Add(-72 * time.Hour)}

	for _, lots := range [][]Lot{{soon, later}, {later, soon}} {
		got := Plan(Request{Coins: 8}, lots, policy(), dec("1000"), dec("1000"), now)
		require.Equal(t, int64(8), got.Coins)
		require.Equal(t, []Allocation{{LotID: "soon", Coins: 5}, {LotID: "later", Coins: 3}}, got.Allocations)
		require.Equal(t, "0.80", got.Value.StringFixed(2))
		require.False(t, got.Shortfall)
	}
}

func TestPlanSkipsExpiredAndEmptyLots(t *testing.T) {
	lots := []Lot{
		{ID: "expired", Remaining: 50, ExpiresAt: at(-time.Minute)},
		{ID: "edge", Remaining: 50, ExpiresAt: at(0)},
		{ID: "empty", Remaining: 0, ExpiresAt: at(time.Hour)},
		{ID: "live", Remaining: 7, ExpiresAt: at(time.Hour)},
	}
	require.Equal(t, int64(7), UsableBalance(lots, now))

	got := Plan(Request{UseMax: true}, lots, policy(), dec("1000"), dec("1000"), now)
	require.Equal(t, int64(7), got.Coins)
	require.Equal(t, []Allocation{{LotID: "live", Coins: 7}}, got.Allocations)
}

func TestPlanNeverExpiringLotsGoLast(t *testing.T) {
	lots := []Lot{
		{ID: "forever", Remaining: 10, CreatedAt: now.Add(-100 * time.Hour)},
		{ID: "b", Remaining: 3, ExpiresAt: at(time.Hour), CreatedAt: now.Add(-time.Hour)},
		{ID: "a", Remaining: 3, ExpiresAt: at(time.Hour), CreatedAt: now.Add(-time.Hour)},
	}
	ordered := ConsumptionOrder(lots, now)
	ids := []string{ordered[0].ID, ordered[1].ID, ordered[2].ID}
	require.Equal(t, []string{"a", "b", "forever"}, ids)
}

func TestPlanClampsOverRequest(t *testing.T) {
	lots := []Lot{{ID: "l1", Remaining: 105, ExpiresAt: at(time.Hour)}}
	got := Plan(Request{Coins: 500}, lots, policy(), dec("1000"), dec("1000"), now)
	require.True(t, got.Shortfall)
	require.Equal(t, int64(500), got.Requested)
	require.Equal(t, int64(105), got.Coins)
	require.Equal(t, "10.50", got.Value.StringFixed(2))
}

func TestPlanCapsAtPayableAndPercentage(t *testing.T) {
	lots := []Lot{{ID: "l1", Remaining: 10000}}

	byPayable := Plan(Request{Coins: 1000}, lots, policy(), dec("10"), dec("100"), now)
	require.Equal(t, "10.00", byPayable.Limit.StringFixed(2))
	require.Equal(t, int64(100), byPayable.Coins)
	require.Equal(t, "10.00", byPayable.Value.StringFixed(2))

	byPercent := Plan(Request{Coins: 1000}, lots, policy(), dec("500"), dec("100"), now)
	require.Equal(t, "20.00", byPercent.Limit.StringFixed(2))
	require.Equal(t, int64(200), byPercent.Coins)

	uncapped := policy()
	uncapped.MaxRedeemPercentage = decimal.Zero
	noPercent := Plan(Request{Coins: 1000}, lots, uncapped, dec("500"), dec("100"), now)
	require.Equal(t, int64(1000), noPercent.Coins)
	require.Equal(t, "100.00", noPercent.Value.StringFixed(2))
}

func TestPlanUsesWholeCoinsOnly(t *testing.T) {
	p := Policy{Enabled: true, RedeemRate: dec("0.3")}
	got := Plan(Request{Coins: 50}, []Lot{{ID: "l1", Remaining: 50}}, p, dec("1"), dec("1"), now)
	require.Equal(t, int64(3), got.Coins)
	require.Equal(t, "0.90", got.Value.StringFixed(2))
}

func TestPlanDisabledRedeemsNothing(t *testing.T) {
	p := policy()
	p.Enabled = false
	got := Plan(Request{Coins: 5}, []Lot{{ID: "l1", Remaining: 50}}, p, dec("100"), dec("100"), now)
	require.Zero(t, got.Coins)
	require.True(t, got.Value.IsZero())
	require.Empty(t, got.Allocations)
}

func TestPlanValueNeverExceedsPayable(t *testing.T) {
	lots := []Lot{{ID: "a", Remaining: 40, ExpiresAt: at(time.Hour)}, {ID: "b", Remaining: 100000}}
	rates := []string{"0.1", "0.25", "0.33", "1", "7"}
	payables := []string{"0", "0.01", "3.99", "49.50", "1200"}
	for _, rate := range rates {
		for _, payable := range payables {
			t.Run(fmt.Sprintf("rate=%s/payable=%s", rate, payable), func(t *testing.T) {
				p := Policy{Enabled: true, RedeemRate: dec(rate), MaxRedeemPercentage: dec("100")}
				got := Plan(Request{UseMax: true}, lots, p, dec(payable), dec("1200"), now)
				require.True(t, got.Value.LessThanOrEqual(dec(payable)))
				var allocated int64
				for _, a := range got.Allocations {
					allocated += a.Coins
				}
				require.Equal(t, got.Coins, allocated)
			})
		}
	}
}

func TestEarnedAndExpiry(t *testing.T) {
	require.Equal(t, int64(59), Earned(dec("1199.99"), dec("0.05")))
	require.Zero(t, Earned(dec("-5"), dec("0.05")))
	require.Nil(t, ExpiryFor(now, 0))
	require.Equal(t, now.AddDate(0, 0, 365), *ExpiryFor(now, 365))
}
