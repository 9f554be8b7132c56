package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/session"
)

const bytesPerGB = int64(1) << 30

// Approval is the result of a successful approve.
type Approval struct {
	Order   db.Order
	Account db.Account
	Server  db.Server
}

// RequestApproval issues the confirmation token an admin must present to Approve.
func (e *Engine) RequestApproval(ctx context.Context, adminID int64, orderID string) (string, error) {
	return e.requestReview(ctx, adminID, session.Action{Type: session.ActionApprove, OrderID: orderID})
}

// RequestDecline issues the confirmation token for declining with reason.
func (e *Engine) RequestDecline(ctx context.Context, adminID int64, orderID, reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", e.fail("request_decline", invalid("A decline reason is required."),
			zap.String("order_id", orderID), zap.Int64("actor", adminID))
	}
	return e.requestReview(ctx, adminID, session.Action{Type: session.ActionDecline, OrderID: orderID, Reason: reason})
}

func (e *Engine) requestReview(ctx context.Context, adminID int64, action session.Action) (string, error) {
	op := "request_" + action.Type
	fields := []zap.Field{zap.String("order_id", action.OrderID), zap.Int64("actor", adminID)}
	order, err := db.FindOrder(e.db.WithContext(ctx), action.OrderID)
	if err != nil {
		return "", e.fail(op, notFound(err), fields...)
	}
	if order.Status != db.OrderWaitingReview {
		return "", e.fail(op, ErrInvalidTransition, fields...)
	}
	token, err := e.sessions.Create(ctx, adminID, action)
	if err != nil {
		return "", e.fail(op, err, fields...)
	}
	return token, nil
}

// Approve provisions a credential for the order behind token and marks it APPROVED.
// The token is consumed before the provisioning call; if provisioning fails the order
// stays WAITING_REVIEW, the attempt's panel client is deleted, and the admin has to
// request a new confirmation. Each attempt provisions under its own email, so a client
// left behind by a lost response never blocks the retry.
func (e *Engine) Approve(ctx context.Context, token string, adminID int64) (Approval, error) {
	const op = "approve"
	fields := []zap.Field{zap.Int64("actor", adminID)}

	if e.health != nil && !e.health.Healthy() {
		return Approval{}, e.fail(op, ErrProvisioningUnavailable, fields...)
	}
	action, err := e.sessions.Redeem(ctx, token, adminID, session.ActionApprove)
	if err != nil {
		return Approval{}, e.fail(op, err, fields...)
	}
	orderID := action.OrderID
	fields = append(fields, zap.String("order_id", orderID))

	tx := e.db.WithContext(ctx)
	order, err := db.FindOrder(tx, orderID)
	if err != nil {
		return Approval{}, e.fail(op, notFound(err), fields...)
	}
	if order.Status != db.OrderWaitingReview {
		return Approval{}, e.fail(op, ErrInvalidTransition, fields...)
	}
	var user db.User
	if err := tx.First(&user, order.UserID).Error; err != nil {
		return Approval{}, e.fail(op, notFound(err), fields...)
	}
	candidates, err := db.AvailableServers(tx)
	if err != nil {
		return Approval{}, e.fail(op, err, fields...)
	}
	server, ok := SelectServer(candidates)
	if !ok {
		return Approval{}, e.fail(op, ErrNoCapacity, fields...)
	}
	fields = append(fields, zap.String("server", server.Name))

	now := e.clock()
	clientID := uuid.NewString()
	acc := db.Account{
		UserID:         user.ID,
		ServerID:       server.ID,
		OrderID:        orderID,
		ClientUUID:     clientID,
		Email:          fmt.Sprintf("user_%d_%s_%s", user.PlatformID, orderID, clientID[:8]),
		ExpiresAt:      now.AddDate(0, 0, order.DurationDays),
		TrafficLimitGB: order.TrafficGB,
		Status:         db.AccountActive,
	}
	acc.ConnectionLink = ConnectionLink(acc.ClientUUID, server.Endpoint, orderID)

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProvisionTimeout)
	err = e.provisioner.CreateAccount(pctx, provisioning.NewAccount{
		InboundID:    server.InboundID,
		Email:        acc.Email,
		UUID:         acc.ClientUUID,
		ExpiresAt:    acc.ExpiresAt,
		TrafficBytes: int64(order.TrafficGB) * bytesPerGB,
	})
	cancel()
	if err != nil {
		// the panel may have created the client even though the call failed
		e.rollbackCredential(server, acc, fields)
		return Approval{}, e.fail(op, &ProvisioningError{Op: "create", Err: err}, fields...)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := db.TransitionOrder(tx, orderID, []string{db.OrderWaitingReview}, map[string]any{
			"status":      db.OrderApproved,
			"reviewed_by": adminID,
			"reviewed_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		bumped, err := db.BumpServerLoad(tx, server.ID)
		if err != nil {
			return err
		}
		if !bumped {
			return ErrNoCapacity
		}
		if err := tx.Create(&acc).Error; err != nil {
			return err
		}
		res := tx.Model(&db.Payment{}).
			Where("order_id = ? AND review_status = ?", orderID, db.ReviewPending).
			Updates(map[string]any{"review_status": db.ReviewApproved, "reviewed_by": adminID, "reviewed_at": now})
		if res.Error != nil {
			if db.IsUniqueViolation(res.Error) {
				return ErrDuplicateEvidence
			}
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvalidTransition
		}
		if err := tx.Model(&db.User{}).Where("id = ?", user.ID).Update("status", db.UserActive).Error; err != nil {
			return err
		}
		return db.AppendAudit(tx, AuditOrderApproved, adminID, orderID, map[string]any{
			"server":      server.Name,
			"account_id":  acc.ClientUUID,
			"traffic_gb":  order.TrafficGB,
			"expires_at":  acc.ExpiresAt,
			"price":       order.Price.String(),
			"platform_id": user.PlatformID,
		})
	})
	if err != nil {
		e.rollbackCredential(server, acc, fields)
		return Approval{}, e.fail(op, err, fields...)
	}

	order.Status = db.OrderApproved
	order.ReviewedBy = &adminID
	order.ReviewedAt = &now
	server.CurrentLoad++
	e.metrics.OrderTransition(db.OrderApproved)
	e.markRevenueStale()
	e.publish(ctx, events.Event{
		Type:       events.OrderApproved,
		OrderID:    orderID,
		AccountID:  acc.ID,
		PlatformID: user.PlatformID,
		Amount:     order.Price.String(),
		ActorID:    adminID,
	})
	if err := e.channels.SetUserWriteAccess(ctx, order.ChannelRef, user.PlatformID, true); err != nil {
		e.log.Warn("restoring write access failed", fields...)
	}
	e.notifyUser(ctx, user.PlatformID, fmt.Sprintf(
		"Your order %s is approved.\n\nConnection link:\n%s\n\nValid until: %s UTC\nTraffic: %d GB",
		orderID, acc.ConnectionLink, acc.ExpiresAt.Format("2006-01-02 15:04"), acc.TrafficLimitGB))
	e.log.Info("order approved", append(fields, zap.String("action", op))...)
	return Approval{Order: order, Account: acc, Server: server}, nil
}

// rollbackCredential deletes the panel client of a failed approval attempt. A client
// the panel does not know is already gone.
func (e *Engine) rollbackCredential(server db.Server, acc db.Account, fields []zap.Field) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProvisionTimeout)
	defer cancel()
	fields = append(fields, zap.String("client_id", acc.ClientUUID), zap.String("email", acc.Email))
	deleted, err := e.provisioner.DeleteAccount(ctx, server.InboundID, acc.ClientUUID)
	switch {
	case err != nil:
		e.log.Error("orphaned panel client after failed approval", append(fields, zap.Error(err))...)
	case !deleted:
		e.log.Info("no panel client to roll back", fields...)
	}
}

// Decline marks the order behind token DECLINED with the reason given at request time.
// The token is consumed in the same transaction, so a failed decline can be retried
// with it.
func (e *Engine) Decline(ctx context.Context, token string, adminID int64) (db.Order, error) {
	const op = "decline"
	fields := []zap.Field{zap.Int64("actor", adminID)}
	now := e.clock()

	var (
		order  db.Order
		user   db.User
		action session.Action
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		action, err = e.sessions.RedeemTx(tx, token, adminID, session.ActionDecline)
		if err != nil {
			return err
		}
		order, err = db.FindOrder(tx, action.OrderID)
		if err != nil {
			return notFound(err)
		}
		if order.Status != db.OrderWaitingReview {
			return ErrInvalidTransition
		}
		ok, err := db.TransitionOrder(tx, order.OrderID, []string{db.OrderWaitingReview}, map[string]any{
			"status":         db.OrderDeclined,
			"reviewed_by":    adminID,
			"reviewed_at":    now,
			"decline_reason": action.Reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		err = tx.Model(&db.Payment{}).
			Where("order_id = ? AND review_status = ?", order.OrderID, db.ReviewPending).
			Updates(map[string]any{"review_status": db.ReviewDeclined, "reviewed_by": adminID, "reviewed_at": now}).Error
		if err != nil {
			return err
		}
		if err := tx.First(&user, order.UserID).Error; err != nil {
			return err
		}
		return db.AppendAudit(tx, AuditOrderDeclined, adminID, order.OrderID, map[string]any{"reason": action.Reason})
	})
	if action.OrderID != "" {
		fields = append(fields, zap.String("order_id", action.OrderID))
	}
	if err != nil {
		return db.Order{}, e.fail(op, err, fields...)
	}

	order.Status = db.OrderDeclined
	order.DeclineReason = action.Reason
	order.ReviewedBy = &adminID
	order.ReviewedAt = &now
	e.metrics.OrderTransition(db.OrderDeclined)
	e.markRevenueStale()
	e.publish(ctx, events.Event{Type: events.OrderDeclined, OrderID: order.OrderID, PlatformID: user.PlatformID, ActorID: adminID})
	if err := e.channels.SetUserWriteAccess(ctx, order.ChannelRef, user.PlatformID, true); err != nil {
		e.log.Warn("restoring write access failed", fields...)
	}
	e.notifyUser(ctx, user.PlatformID, fmt.Sprintf("Your payment for order %s was declined.\nReason: %s", order.OrderID, action.Reason))
	e.log.Info("order declined", append(fields, zap.String("action", op))...)
	return order, nil
}

// RequestCreateUser issues the confirmation token for registering a user by hand.
func (e *Engine) RequestCreateUser(ctx context.Context, adminID, platformID int64, displayName string) (string, error) {
	const op = "request_create_user"
	fields := []zap.Field{zap.Int64("actor", adminID), zap.Int64("platform_id", platformID)}
	if platformID <= 0 {
		return "", e.fail(op, invalid("A numeric user id is required."), fields...)
	}
	_, err := db.FindUserByPlatformID(e.db.WithContext(ctx), platformID)
	if err == nil {
		return "", e.fail(op, ErrConflict, fields...)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", e.fail(op, err, fields...)
	}
	token, err := e.sessions.Create(ctx, adminID, session.Action{
		Type:           session.ActionCreateUser,
		PlatformUserID: platformID,
		DisplayName:    strings.TrimSpace(displayName),
	})
	if err != nil {
		return "", e.fail(op, err, fields...)
	}
	return token, nil
}

// ConfirmCreateUser redeems token and creates the user record. No credential is issued.
func (e *Engine) ConfirmCreateUser(ctx context.Context, token string, adminID int64) (db.User, error) {
	const op = "create_user"
	var user db.User
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		action, err := e.sessions.RedeemTx(tx, token, adminID, session.ActionCreateUser)
		if err != nil {
			return err
		}
		user = db.User{PlatformID: action.PlatformUserID, DisplayName: action.DisplayName, Status: db.UserNew}
		if err := tx.Create(&user).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		return db.AppendAudit(tx, AuditUserCreated, adminID, fmt.Sprint(user.PlatformID), map[string]any{"display_name": user.DisplayName})
	})
	if err != nil {
		return db.User{}, e.fail(op, err, zap.Int64("actor", adminID))
	}
	e.log.Info("user created", zap.Int64("actor", adminID), zap.Int64("platform_id", user.PlatformID), zap.String("action", op))
	return user, nil
}

// SelectServer picks the server with the lowest load/capacity ratio, then the lowest
// absolute load, then the oldest. Servers without a free slot are skipped.
func SelectServer(servers []db.Server) (db.Server, bool) {
	var (
		best  db.Server
		found bool
	)
	for _, s := range servers {
		if s.Status != db.ServerActive || s.Capacity <= 0 || s.CurrentLoad >= s.Capacity {
			continue
		}
		if !found || lessLoaded(s, best) {
			best, found = s, true
		}
	}
	return best, found
}

func lessLoaded(a, b db.Server) bool {
	// a.load/a.cap < b.load/b.cap without floating point
	l, r := int64(a.CurrentLoad)*int64(b.Capacity), int64(b.CurrentLoad)*int64(a.Capacity)
	if l != r {
		return l < r
	}
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	return a.ID < b.ID
}
