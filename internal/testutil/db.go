package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
)

// NewDB returns a migrated private in-memory SQLite database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(db.SQLitePrefix + "file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}
