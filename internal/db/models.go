package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order statuses.
const (
	OrderPending        = "PENDING"
	OrderWaitingPayment = "WAITING_PAYMENT"
	OrderWaitingReview  = "WAITING_REVIEW"
	OrderApproved       = "APPROVED"
	OrderDeclined       = "DECLINED"
	OrderExpired        = "EXPIRED"
)

// Payment review statuses.
const (
	ReviewPending  = "PENDING"
	ReviewApproved = "APPROVED"
	ReviewDeclined = "DECLINED"
)

// Account statuses.
const (
	AccountActive    = "ACTIVE"
	AccountExpired   = "EXPIRED"
	AccountDisabled  = "DISABLED"
	AccountSuspended = "SUSPENDED"
)

// Server statuses.
const (
	ServerActive      = "ACTIVE"
	ServerMaintenance = "MAINTENANCE"
	ServerOffline     = "OFFLINE"
)

// User statuses.
const (
	UserNew       = "NEW"
	UserActive    = "ACTIVE"
	UserExpired   = "EXPIRED"
	UserSuspended = "SUSPENDED"
)

type User struct {
	ID          uint  `gorm:"primaryKey"`
	PlatformID  int64 `gorm:"uniqueIndex"`
	DisplayName string
	Status      string `gorm:"size:16;not null;default:NEW"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Plan struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	DurationDays int
	TrafficGB    int
	Price        decimal.Decimal `gorm:"type:numeric(12,2)"`
	Active       bool            `gorm:"default:true"`
	CreatedAt    time.Time
}

// Order keeps its own copy of the plan terms so later plan edits do not touch it.
// At most one non-terminal order per user, enforced by idx_orders_active_user.
type Order struct {
	ID            uint   `gorm:"primaryKey"`
	OrderID       string `gorm:"size:32;uniqueIndex"`
	UserID        uint   `gorm:"index;uniqueIndex:idx_orders_active_user,where:status <> 'APPROVED' AND status <> 'DECLINED' AND status <> 'EXPIRED'"`
	PlanID        uint
	DurationDays  int
	TrafficGB     int
	Price         decimal.Decimal `gorm:"type:numeric(12,2)"`
	PaymentMethod string          `gorm:"size:16"`
	Status        string          `gorm:"size:20;index;not null"`
	ChannelRef    string
	ScreenshotRef string
	ReviewedBy    *int64
	ReviewedAt    *time.Time
	DeclineReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     *time.Time `gorm:"index"`
}

// Payment evidence hashes are unique among approved payments only.
type Payment struct {
	ID           uint            `gorm:"primaryKey"`
	OrderID      string          `gorm:"size:32;uniqueIndex"`
	Amount       decimal.Decimal `gorm:"type:numeric(12,2)"`
	Method       string          `gorm:"size:16"`
	EvidenceRef  string
	EvidenceHash string `gorm:"size:64;index:idx_payments_evidence_hash;uniqueIndex:idx_payments_approved_hash,where:review_status = 'APPROVED'"`
	ReviewStatus string `gorm:"size:16;not null;default:PENDING"`
	ReviewedBy   *int64
	ReviewedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Account struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         uint   `gorm:"index"`
	ServerID       uint   `gorm:"index"`
	OrderID        string `gorm:"size:32;uniqueIndex"`
	ClientUUID     string `gorm:"size:36;uniqueIndex"`
	Email          string
	ConnectionLink string
	ExpiresAt      time.Time `gorm:"index"`
	TrafficLimitGB int
	TrafficUsedGB  float64
	Status         string `gorm:"size:16;index;not null"`
	ExpiryReminded bool   `gorm:"default:false"` // 24h reminder already sent
	TrafficWarned  bool   `gorm:"default:false"` // 90% warning already sent
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Server.CurrentLoad counts accounts ever provisioned on it. Nothing decrements it.
type Server struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Endpoint    string
	InboundID   int
	Capacity    int
	CurrentLoad int
	Status      string `gorm:"size:16;not null;default:ACTIVE"`
	CreatedAt   time.Time
}

type ConfirmationSession struct {
	Token      string `gorm:"primaryKey;size:36"`
	AdminID    int64  `gorm:"index"`
	ActionType string `gorm:"size:32"`
	Payload    datatypes.JSON
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
	Consumed   bool      `gorm:"default:false"`
}

// AuditLog is append-only.
type AuditLog struct {
	ID        uint   `gorm:"primaryKey"`
	Action    string `gorm:"size:32;index"`
	ActorID   int64
	TargetID  string `gorm:"index"`
	Details   datatypes.JSONMap
	CreatedAt time.Time
}

type RevenueCache struct {
	ID             uint      `gorm:"primaryKey"`
	PeriodType     string    `gorm:"size:8;uniqueIndex:idx_revenue_period"`
	PeriodStart    time.Time `gorm:"uniqueIndex:idx_revenue_period"`
	PeriodEnd      time.Time `gorm:"uniqueIndex:idx_revenue_period"`
	Revenue        decimal.Decimal `gorm:"type:numeric(14,2)"`
	TotalOrders    int64
	ApprovedOrders int64
	DeclinedOrders int64
	LastUpdated    time.Time
}

// ChannelCleanup is a deferred close of an order's chat channel.
type ChannelCleanup struct {
	ID         uint   `gorm:"primaryKey"`
	OrderID    string `gorm:"size:32"`
	ChannelRef string
	DueAt      time.Time `gorm:"index"`
}
