package revenue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/logger"
)

// MaxAge forces a refresh even when nothing marked the cache stale.
const MaxAge = time.Hour

// Period types, in dashboard order.
var PeriodTypes = []string{"day", "month", "quarter", "year"}

type Bucket struct {
	Period         string          `json:"period"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Revenue        decimal.Decimal `json:"revenue"`
	TotalOrders    int64           `json:"total_orders"`
	ApprovedOrders int64           `json:"approved_orders"`
	DeclinedOrders int64           `json:"declined_orders"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Aggregator maintains the revenue_caches table. The table is derived and may be
// rebuilt at any time from payments.
type Aggregator struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger

	mu          sync.Mutex
	stale       bool
	lastRefresh time.Time
}

func New(gdb *gorm.DB, now func() time.Time, log *zap.Logger) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{db: gdb, now: now, log: logger.OrNop(log), stale: true}
}

func (a *Aggregator) MarkStale() {
	a.mu.Lock()
	a.stale = true
	a.mu.Unlock()
}

// RefreshIfStale refreshes when marked stale or older than MaxAge.
func (a *Aggregator) RefreshIfStale(ctx context.Context) (bool, error) {
	a.mu.Lock()
	due := a.stale || a.now().Sub(a.lastRefresh) >= MaxAge
	a.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, a.Refresh(ctx)
}

// Refresh recomputes the buckets for the calendar periods containing now (UTC).
func (a *Aggregator) Refresh(ctx context.Context) error {
	now := a.now().UTC()
	a.mu.Lock()
	a.stale = false
	a.mu.Unlock()

	for _, b := range Periods(now) {
		if err := a.compute(ctx, &b); err != nil {
			a.MarkStale()
			return err
		}
		row := db.RevenueCache{
			PeriodType:     b.Period,
			PeriodStart:    b.Start,
			PeriodEnd:      b.End,
			Revenue:        b.Revenue,
			TotalOrders:    b.TotalOrders,
			ApprovedOrders: b.ApprovedOrders,
			DeclinedOrders: b.DeclinedOrders,
			LastUpdated:    now,
		}
		err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period_type"}, {Name: "period_start"}, {Name: "period_end"}},
			DoUpdates: clause.AssignmentColumns([]string{"revenue", "total_orders", "approved_orders", "declined_orders", "last_updated"}),
		}).Create(&row).Error
		if err != nil {
			a.MarkStale()
			return err
		}
	}

	a.mu.Lock()
	a.lastRefresh = now
	a.mu.Unlock()
	a.log.Info("revenue cache updated")
	return nil
}

func (a *Aggregator) compute(ctx context.Context, b *Bucket) error {
	var sum struct {
		Total    int64
		Approved int64
		Declined int64
		Revenue  decimal.Decimal
	}
	err := a.db.WithContext(ctx).Model(&db.Payment{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN review_status = ? THEN 1 ELSE 0 END), 0) AS approved,
			COALESCE(SUM(CASE WHEN review_status = ? THEN 1 ELSE 0 END), 0) AS declined,
			COALESCE(SUM(CASE WHEN review_status = ? THEN amount ELSE 0 END), 0) AS revenue`,
			db.ReviewApproved, db.ReviewDeclined, db.ReviewApproved).
		Where("created_at >= ? AND created_at < ?", b.Start, b.End).
		Scan(&sum).Error
	if err != nil {
		return err
	}
	b.TotalOrders = sum.Total
	b.ApprovedOrders = sum.Approved
	b.DeclinedOrders = sum.Declined
	// sqlite sums numeric columns as floats
	b.Revenue = sum.Revenue.Round(2)
	return nil
}

// Dashboard reads the cached buckets for the current periods. Missing buckets come
// back zeroed.
func (a *Aggregator) Dashboard(ctx context.Context) ([]Bucket, error) {
	out := Periods(a.now().UTC())
	for i := range out {
		var row db.RevenueCache
		err := a.db.WithContext(ctx).
			Where("period_type = ? AND period_start = ? AND period_end = ?", out[i].Period, out[i].Start, out[i].End).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i].Revenue = row.Revenue
		out[i].TotalOrders = row.TotalOrders
		out[i].ApprovedOrders = row.ApprovedOrders
		out[i].DeclinedOrders = row.DeclinedOrders
		out[i].LastUpdated = row.LastUpdated
	}
	return out, nil
}

// Periods returns the day, month, quarter and year containing now, as half-open ranges.
func Periods(now time.Time) []Bucket {
	now = now.UTC()
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	month := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	quarter := time.Date(y, time.Month((int(m)-1)/3*3+1), 1, 0, 0, 0, 0, time.UTC)
	year := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	return []Bucket{
		{Period: "day", Start: day, End: day.AddDate(0, 0, 1), Revenue: decimal.Zero},
		{Period: "month", Start: month, End: month.AddDate(0, 1, 0), Revenue: decimal.Zero},
		{Period: "quarter", Start: quarter, End: quarter.AddDate(0, 3, 0), Revenue: decimal.Zero},
		{Period: "year", Start: year, End: year.AddDate(1, 0, 0), Revenue: decimal.Zero},
	}
}
