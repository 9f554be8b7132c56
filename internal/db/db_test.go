package db_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/testutil"
)

func TestTransitionOrderIsConditional(t *testing.T) {
	gdb := testutil.NewDB(t)
	require.NoError(t, gdb.Create(&db.Order{OrderID: "ORD-1", UserID: 1, Status: db.OrderWaitingReview}).Error)

	ok, err := db.TransitionOrder(gdb, "ORD-1", []string{db.OrderWaitingReview}, map[string]any{"status": db.OrderApproved})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.TransitionOrder(gdb, "ORD-1", []string{db.OrderWaitingReview}, map[string]any{"status": db.OrderDeclined})
	require.NoError(t, err)
	assert.False(t, ok, "second writer must lose")

	order, err := db.FindOrder(gdb, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderApproved, order.Status)
}

func TestOneActiveOrderPerUser(t *testing.T) {
	gdb := testutil.NewDB(t)
	require.NoError(t, gdb.Create(&db.Order{OrderID: "ORD-1", UserID: 7, Status: db.OrderPending}).Error)

	err := gdb.Create(&db.Order{OrderID: "ORD-2", UserID: 7, Status: db.OrderWaitingPayment}).Error
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))

	require.NoError(t, gdb.Model(&db.Order{}).Where("order_id = ?", "ORD-1").Update("status", db.OrderExpired).Error)
	require.NoError(t, gdb.Create(&db.Order{OrderID: "ORD-3", UserID: 7, Status: db.OrderPending}).Error)

	active, found, err := db.ActiveOrder(gdb, 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ORD-3", active.OrderID)
}

func TestApprovedEvidenceHashIsUnique(t *testing.T) {
	gdb := testutil.NewDB(t)
	amount := decimal.NewFromInt(100)
	require.NoError(t, gdb.Create(&db.Payment{OrderID: "ORD-1", Amount: amount, EvidenceHash: "h1", ReviewStatus: db.ReviewApproved}).Error)
	// pending reuse is allowed
	require.NoError(t, gdb.Create(&db.Payment{OrderID: "ORD-2", Amount: amount, EvidenceHash: "h1", ReviewStatus: db.ReviewPending}).Error)

	err := gdb.Model(&db.Payment{}).Where("order_id = ?", "ORD-2").Update("review_status", db.ReviewApproved).Error
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
}

func TestBumpServerLoadStopsAtCapacity(t *testing.T) {
	gdb := testutil.NewDB(t)
	srv := db.Server{Name: "eu-1", Capacity: 1, Status: db.ServerActive}
	require.NoError(t, gdb.Create(&srv).Error)

	ok, err := db.BumpServerLoad(gdb, srv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.BumpServerLoad(gdb, srv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	servers, err := db.AvailableServers(gdb)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestStatistics(t *testing.T) {
	gdb := testutil.NewDB(t)
	require.NoError(t, gdb.Create(&db.User{PlatformID: 1, Status: db.UserNew}).Error)
	require.NoError(t, gdb.Create(&db.Account{OrderID: "ORD-1", ClientUUID: "u1", Status: db.AccountActive}).Error)
	require.NoError(t, gdb.Create(&db.Account{OrderID: "ORD-2", ClientUUID: "u2", Status: db.AccountExpired}).Error)
	require.NoError(t, gdb.Create(&db.Order{OrderID: "ORD-1", UserID: 1, Status: db.OrderApproved}).Error)
	require.NoError(t, gdb.Create(&db.Order{OrderID: "ORD-2", UserID: 1, Status: db.OrderApproved}).Error)
	require.NoError(t, db.AppendAudit(gdb, "ORDER_APPROVED", 9, "ORD-1", map[string]any{"server": "eu-1"}))

	users, err := db.CountUsers(gdb)
	require.NoError(t, err)
	assert.Equal(t, int64(1), users)
	accounts, err := db.CountActiveAccounts(gdb)
	require.NoError(t, err)
	assert.Equal(t, int64(1), accounts)
	byStatus, err := db.CountOrdersByStatus(gdb)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byStatus[db.OrderApproved])

	entries, err := db.AuditEntries(gdb, "ORDER_APPROVED", "ORD-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "eu-1", entries[0].Details["server"])
}

func TestStatisticsReportStorageErrors(t *testing.T) {
	gdb := testutil.NewDB(t)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = db.CountUsers(gdb)
	assert.Error(t, err)
	_, err = db.CountActiveAccounts(gdb)
	assert.Error(t, err)
	byStatus, err := db.CountOrdersByStatus(gdb)
	assert.Error(t, err)
	assert.Nil(t, byStatus)
}
