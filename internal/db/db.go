package db

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// SQLitePrefix selects the embedded driver in DATABASE_URL.
const SQLitePrefix = "sqlite://"

// Open connects to postgres, or to SQLite when dsn starts with SQLitePrefix, and migrates.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, SQLitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, SQLitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&User{}, &Plan{}, &Order{}, &Payment{}, &Account{}, &Server{},
		&ConfirmationSession{}, &AuditLog{}, &RevenueCache{}, &ChannelCleanup{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InitDB opens the database into DB and exits on failure.
func InitDB(dsn string) {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	DB = gdb
}

// ForUpdate adds a row lock on dialects that support it.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// IsUniqueViolation reports a unique-constraint failure from either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// TransitionOrder moves an order out of one of the from statuses. It returns false when
// the order was not in any of them at write time.
func TransitionOrder(tx *gorm.DB, orderID string, from []string, updates map[string]any) (bool, error) {
	res := tx.Model(&Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func FindOrder(tx *gorm.DB, orderID string) (Order, error) {
	var order Order
	err := tx.Where("order_id = ?", orderID).First(&order).Error
	return order, err
}

// ActiveOrder returns the user's non-terminal order, if any.
func ActiveOrder(tx *gorm.DB, userID uint) (Order, bool, error) {
	var order Order
	err := tx.Where("user_id = ? AND status IN ?", userID,
		[]string{OrderPending, OrderWaitingPayment, OrderWaitingReview}).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return order, false, nil
	}
	return order, err == nil, err
}

func FindUserByPlatformID(tx *gorm.DB, platformID int64) (User, error) {
	var user User
	err := tx.Where("platform_id = ?", platformID).First(&user).Error
	return user, err
}

// BumpServerLoad takes one slot on an active server with free capacity.
func BumpServerLoad(tx *gorm.DB, serverID uint) (bool, error) {
	res := tx.Model(&Server{}).
		Where("id = ? AND current_load < capacity AND status = ?", serverID, ServerActive).
		Update("current_load", gorm.Expr("current_load + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AvailableServers lists active servers that still have a free slot, oldest first.
func AvailableServers(tx *gorm.DB) ([]Server, error) {
	var servers []Server
	err := tx.Where("status = ? AND current_load < capacity", ServerActive).
		Order("id").Find(&servers).Error
	return servers, err
}

func AppendAudit(tx *gorm.DB, action string, actorID int64, targetID string, details map[string]any) error {
	entry := AuditLog{
		Action:   action,
		ActorID:  actorID,
		TargetID: targetID,
		Details:  datatypes.JSONMap(details),
	}
	return tx.Create(&entry).Error
}

// --- admin statistics ---

func CountUsers(tx *gorm.DB) (int64, error) {
	var count int64
	err := tx.Model(&User{}).Count(&count).Error
	return count, err
}

func CountActiveAccounts(tx *gorm.DB) (int64, error) {
	var count int64
	err := tx.Model(&Account{}).Where("status = ?", AccountActive).Count(&count).Error
	return count, err
}

func CountOrdersByStatus(tx *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := tx.Model(&Order{}).Select("status, count(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func FindAccountByOrder(tx *gorm.DB, orderID string) (Account, error) {
	var acc Account
	err := tx.Where("order_id = ?", orderID).First(&acc).Error
	return acc, err
}

func AuditEntries(tx *gorm.DB, action, targetID string) ([]AuditLog, error) {
	var entries []AuditLog
	q := tx.Order("id")
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if targetID != "" {
		q = q.Where("target_id = ?", targetID)
	}
	err := q.Find(&entries).Error
	return entries, err
}
