package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/logger"
)

// TTL is how long a confirmation token stays usable.
const TTL = 5 * time.Minute

// Action types gated by a confirmation.
const (
	ActionApprove    = "approve"
	ActionDecline    = "decline"
	ActionCreateUser = "create_user"
)

// ErrInvalid covers unknown, expired, consumed and foreign tokens alike.
var ErrInvalid = errors.New("confirmation session invalid")

// Action is the pending admin action a token stands for. Which fields are set
// depends on Type.
type Action struct {
	Type           string `json:"type"`
	OrderID        string `json:"order_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	PlatformUserID int64  `json:"platform_user_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

type Manager struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

func NewManager(gdb *gorm.DB, now func() time.Time, log *zap.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: gdb, now: now, log: logger.OrNop(log)}
}

func (m *Manager) clock() time.Time { return m.now().UTC() }

// Create stores a new token for adminID that expires after TTL.
func (m *Manager) Create(ctx context.Context, adminID int64, action Action) (string, error) {
	switch action.Type {
	case ActionApprove, ActionDecline, ActionCreateUser:
	default:
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return "", err
	}
	now := m.clock()
	s := db.ConfirmationSession{
		Token:      uuid.NewString(),
		AdminID:    adminID,
		ActionType: action.Type,
		Payload:    datatypes.JSON(payload),
		CreatedAt:  now,
		ExpiresAt:  now.Add(TTL),
	}
	if err := m.db.WithContext(ctx).Create(&s).Error; err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return s.Token, nil
}

// Validate returns the pending action without consuming it.
func (m *Manager) Validate(ctx context.Context, token string, adminID int64) (Action, error) {
	var s db.ConfirmationSession
	err := m.db.WithContext(ctx).
		Where("token = ? AND admin_id = ? AND consumed = ? AND expires_at > ?", token, adminID, false, m.clock()).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.log.Info("session rejected", zap.String("token", token), zap.Int64("admin_id", adminID))
		return Action{}, ErrInvalid
	}
	if err != nil {
		return Action{}, err
	}
	return decode(s)
}

// Consume marks the token used. A second call fails with ErrInvalid.
func (m *Manager) Consume(ctx context.Context, token string) error {
	res := m.db.WithContext(ctx).Model(&db.ConfirmationSession{}).
		Where("token = ? AND consumed = ?", token, false).
		Update("consumed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrInvalid
	}
	return nil
}

// Redeem validates and consumes in one step, so two concurrent redeemers of the
// same token cannot both win.
func (m *Manager) Redeem(ctx context.Context, token string, adminID int64, actionType string) (Action, error) {
	var action Action
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		action, err = m.RedeemTx(tx, token, adminID, actionType)
		return err
	})
	return action, err
}

// RedeemTx is Redeem inside the caller's transaction; a rollback un-consumes the token.
func (m *Manager) RedeemTx(tx *gorm.DB, token string, adminID int64, actionType string) (Action, error) {
	res := tx.Model(&db.ConfirmationSession{}).
		Where("token = ? AND admin_id = ? AND action_type = ? AND consumed = ? AND expires_at > ?",
			token, adminID, actionType, false, m.clock()).
		Update("consumed", true)
	if res.Error != nil {
		return Action{}, res.Error
	}
	if res.RowsAffected != 1 {
		m.log.Info("session rejected",
			zap.String("token", token), zap.Int64("admin_id", adminID), zap.String("action", actionType))
		return Action{}, ErrInvalid
	}
	var s db.ConfirmationSession
	if err := tx.Where("token = ?", token).First(&s).Error; err != nil {
		return Action{}, err
	}
	return decode(s)
}

// CleanupExpired deletes every session past its expiry, consumed or not.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("expires_at < ?", m.clock()).Delete(&db.ConfirmationSession{})
	return res.RowsAffected, res.Error
}

func decode(s db.ConfirmationSession) (Action, error) {
	var a Action
	if err := json.Unmarshal(s.Payload, &a); err != nil {
		return Action{}, fmt.Errorf("decode session %s: %w", s.Token, err)
	}
	return a, nil
}
