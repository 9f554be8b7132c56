package revenue_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/revenue"
	"VPN-Storefront-bot/internal/testutil"
)

func TestPeriods(t *testing.T) {
	now := time.Date(2024, 8, 15, 13, 30, 0, 0, time.UTC)
	got := revenue.Periods(now)
	require.Len(t, got, 4)

	tests := []struct {
		period     string
		start, end time.Time
	}{
		{"day", time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 8, 16, 0, 0, 0, 0, time.UTC)},
		{"month", time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"quarter", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)},
		{"year", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for i, tt := range tests {
		if got[i].Period != tt.period || !got[i].Start.Equal(tt.start) || !got[i].End.Equal(tt.end) {
			t.Errorf("%s: got %s [%s, %s)", tt.period, got[i].Period, got[i].Start, got[i].End)
		}
	}
}

func TestRefreshAndDashboard(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewDB(t)
	now := time.Date(2024, 8, 15, 13, 30, 0, 0, time.UTC)

	seed := []db.Payment{
		{OrderID: "ORD-1", Amount: decimal.RequireFromString("100.50"), ReviewStatus: db.ReviewApproved, EvidenceHash: "a", CreatedAt: now.Add(-time.Hour)},
		{OrderID: "ORD-2", Amount: decimal.NewFromInt(200), ReviewStatus: db.ReviewDeclined, EvidenceHash: "b", CreatedAt: now.Add(-2 * time.Hour)},
		{OrderID: "ORD-3", Amount: decimal.NewFromInt(300), ReviewStatus: db.ReviewApproved, EvidenceHash: "c", CreatedAt: now.AddDate(0, 0, -5)},
		{OrderID: "ORD-4", Amount: decimal.NewFromInt(50), ReviewStatus: db.ReviewPending, EvidenceHash: "d", CreatedAt: now.Add(-30 * time.Minute)},
		{OrderID: "ORD-5", Amount: decimal.NewFromInt(999), ReviewStatus: db.ReviewApproved, EvidenceHash: "e", CreatedAt: now.AddDate(-1, 0, 0)},
	}
	require.NoError(t, gdb.Create(&seed).Error)

	agg := revenue.New(gdb, func() time.Time { return now }, nil)
	refreshed, err := agg.RefreshIfStale(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed, "a new aggregator starts stale")

	buckets, err := agg.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 4)

	day := buckets[0]
	assert.True(t, decimal.RequireFromString("100.50").Equal(day.Revenue), day.Revenue.String())
	assert.Equal(t, int64(3), day.TotalOrders)
	assert.Equal(t, int64(1), day.ApprovedOrders)
	assert.Equal(t, int64(1), day.DeclinedOrders)

	month := buckets[1]
	assert.True(t, decimal.RequireFromString("400.50").Equal(month.Revenue), month.Revenue.String())
	assert.Equal(t, int64(4), month.TotalOrders)

	year := buckets[3]
	assert.True(t, decimal.RequireFromString("400.50").Equal(year.Revenue), "last year's payment is excluded")

	refreshed, err = agg.RefreshIfStale(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)

	agg.MarkStale()
	require.NoError(t, gdb.Model(&db.Payment{}).Where("order_id = ?", "ORD-4").Update("review_status", db.ReviewApproved).Error)
	refreshed, err = agg.RefreshIfStale(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)

	buckets, err = agg.Dashboard(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.50").Equal(buckets[0].Revenue), buckets[0].Revenue.String())

	var rows int64
	require.NoError(t, gdb.Model(&db.RevenueCache{}).Count(&rows).Error)
	assert.Equal(t, int64(4), rows, "refresh upserts instead of appending")
}

func TestRefreshSumsCentsExactly(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewDB(t)
	now := time.Date(2024, 8, 15, 13, 30, 0, 0, time.UTC)

	var seed []db.Payment
	for i, amount := range []string{"0.10", "0.20", "10.10", "20.20"} {
		seed = append(seed, db.Payment{
			OrderID:      "ORD-C" + amount,
			Amount:       decimal.RequireFromString(amount),
			ReviewStatus: db.ReviewApproved,
			EvidenceHash: "h" + amount,
			CreatedAt:    now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	require.NoError(t, gdb.Create(&seed).Error)

	agg := revenue.New(gdb, func() time.Time { return now }, nil)
	_, err := agg.RefreshIfStale(ctx)
	require.NoError(t, err)

	buckets, err := agg.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "30.60", buckets[0].Revenue.StringFixed(2))
	assert.True(t, decimal.RequireFromString("30.60").Equal(buckets[0].Revenue), buckets[0].Revenue.String())
	assert.Equal(t, int64(4), buckets[0].ApprovedOrders)
	assert.Equal(t, int64(0), buckets[0].DeclinedOrders)
}

func TestRefreshEmptyPeriod(t *testing.T) {
	gdb := testutil.NewDB(t)
	now := time.Date(2024, 8, 15, 13, 30, 0, 0, time.UTC)

	agg := revenue.New(gdb, func() time.Time { return now }, nil)
	_, err := agg.RefreshIfStale(context.Background())
	require.NoError(t, err)

	buckets, err := agg.Dashboard(context.Background())
	require.NoError(t, err)
	for _, b := range buckets {
		assert.True(t, b.Revenue.IsZero(), b.Period)
		assert.Zero(t, b.TotalOrders, b.Period)
	}
}
