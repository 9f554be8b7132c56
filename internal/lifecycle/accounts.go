package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/provisioning"
)

// ReminderWindow is how long before expiry the reminder goes out.
const ReminderWindow = 24 * time.Hour

// Traffic thresholds as fractions of the limit.
const (
	TrafficWarnRatio    = 0.9
	TrafficSuspendRatio = 1.0
)

type TrafficOutcome int

const (
	TrafficUnchanged TrafficOutcome = iota
	TrafficWarned
	TrafficSuspended
)

// ExpiredAccounts lists ACTIVE accounts past their expiry.
func (e *Engine) ExpiredAccounts(ctx context.Context) ([]db.Account, error) {
	var accs []db.Account
	err := e.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", db.AccountActive, e.clock()).
		Order("id").Find(&accs).Error
	return accs, err
}

// ActiveAccounts lists every ACTIVE account.
func (e *Engine) ActiveAccounts(ctx context.Context) ([]db.Account, error) {
	var accs []db.Account
	err := e.db.WithContext(ctx).Where("status = ?", db.AccountActive).Order("id").Find(&accs).Error
	return accs, err
}

// Accounts lists the accounts of a user, newest first.
func (e *Engine) Accounts(ctx context.Context, platformID int64) ([]db.Account, error) {
	var accs []db.Account
	err := e.db.WithContext(ctx).
		Joins("JOIN users ON users.id = accounts.user_id").
		Where("users.platform_id = ?", platformID).
		Order("accounts.id DESC").Find(&accs).Error
	return accs, err
}

// ExpireAccount disables an overdue ACTIVE account on the panel and marks it EXPIRED.
// If the panel call fails the account stays ACTIVE for the next run.
func (e *Engine) ExpireAccount(ctx context.Context, accountID uint) error {
	const op = "expire_account"
	fields := []zap.Field{zap.Uint("account_id", accountID), zap.Int64("actor", 0)}
	acc, server, err := e.accountWithServer(ctx, accountID)
	if err != nil {
		return e.fail(op, err, fields...)
	}
	fields = append(fields, zap.String("order_id", acc.OrderID))
	if acc.Status != db.AccountActive || acc.ExpiresAt.After(e.clock()) {
		return e.fail(op, ErrInvalidTransition, fields...)
	}
	if err := e.disableOnPanel(ctx, server, acc); err != nil {
		return e.fail(op, err, fields...)
	}
	platformID, err := e.closeAccount(ctx, acc, db.AccountExpired, db.UserExpired, AuditAccountExpired, map[string]any{
		"expired_at": acc.ExpiresAt,
	})
	if err != nil {
		return e.fail(op, err, fields...)
	}
	e.publish(ctx, events.Event{Type: events.AccountExpired, OrderID: acc.OrderID, AccountID: acc.ID, PlatformID: platformID})
	e.notifyUser(ctx, platformID, "Your VPN subscription has expired. Use /plans to buy a new one.")
	e.log.Info("account expired", append(fields, zap.String("action", op))...)
	return nil
}

// RemindExpiring sends one reminder to each ACTIVE account expiring within
// ReminderWindow. The flag is set before sending, so a reminder is never repeated.
func (e *Engine) RemindExpiring(ctx context.Context) (int, error) {
	now := e.clock()
	var accs []db.Account
	err := e.db.WithContext(ctx).
		Where("status = ? AND expiry_reminded = ? AND expires_at > ? AND expires_at <= ?",
			db.AccountActive, false, now, now.Add(ReminderWindow)).
		Order("id").Find(&accs).Error
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, acc := range accs {
		claimed, err := e.claimFlag(ctx, acc.ID, "expiry_reminded")
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}
		platformID, err := e.platformID(ctx, acc.UserID)
		if err != nil {
			return sent, err
		}
		left := acc.ExpiresAt.Sub(now).Round(time.Hour)
		e.notifyUser(ctx, platformID, fmt.Sprintf(
			"Your VPN subscription expires in about %d hours (%s UTC). Use /plans to renew.",
			int(left.Hours()), acc.ExpiresAt.UTC().Format("2006-01-02 15:04")))
		sent++
	}
	return sent, nil
}

// RefreshTraffic pulls usage for one ACTIVE account, warns once at 90% and suspends
// at 100%. Accounts that are no longer ACTIVE are left alone.
func (e *Engine) RefreshTraffic(ctx context.Context, accountID uint) (TrafficOutcome, error) {
	const op = "refresh_traffic"
	fields := []zap.Field{zap.Uint("account_id", accountID), zap.Int64("actor", 0)}
	acc, server, err := e.accountWithServer(ctx, accountID)
	if err != nil {
		return TrafficUnchanged, e.fail(op, err, fields...)
	}
	if acc.Status != db.AccountActive {
		return TrafficUnchanged, nil
	}
	fields = append(fields, zap.String("order_id", acc.OrderID))

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProvisionTimeout)
	stats, err := e.provisioner.GetAccountStats(pctx, server.InboundID, acc.Email)
	cancel()
	if err != nil {
		return TrafficUnchanged, e.fail(op, &ProvisioningError{Op: "stats", Err: err}, fields...)
	}
	if stats == nil {
		return TrafficUnchanged, nil
	}
	used := float64(stats.UsedBytes()) / float64(bytesPerGB)
	if err := e.db.WithContext(ctx).Model(&db.Account{}).Where("id = ?", acc.ID).Update("traffic_used_gb", used).Error; err != nil {
		return TrafficUnchanged, e.fail(op, err, fields...)
	}
	if acc.TrafficLimitGB <= 0 {
		return TrafficUnchanged, nil
	}
	ratio := used / float64(acc.TrafficLimitGB)

	switch {
	case ratio >= TrafficSuspendRatio:
		if err := e.disableOnPanel(ctx, server, acc); err != nil {
			return TrafficUnchanged, e.fail(op, err, fields...)
		}
		platformID, err := e.closeAccount(ctx, acc, db.AccountSuspended, db.UserSuspended, AuditAccountSuspended, map[string]any{
			"traffic_used_gb":  used,
			"traffic_limit_gb": acc.TrafficLimitGB,
		})
		if err != nil {
			return TrafficUnchanged, e.fail(op, err, fields...)
		}
		e.publish(ctx, events.Event{Type: events.AccountSuspended, OrderID: acc.OrderID, AccountID: acc.ID, PlatformID: platformID})
		e.notifyUser(ctx, platformID, fmt.Sprintf(
			"Your VPN account used its full %d GB traffic allowance and has been suspended. Use /plans to buy more.", acc.TrafficLimitGB))
		e.log.Info("account suspended", append(fields, zap.Float64("used_gb", used))...)
		return TrafficSuspended, nil

	case ratio >= TrafficWarnRatio && !acc.TrafficWarned:
		claimed, err := e.claimFlag(ctx, acc.ID, "traffic_warned")
		if err != nil {
			return TrafficUnchanged, e.fail(op, err, fields...)
		}
		if !claimed {
			return TrafficUnchanged, nil
		}
		platformID, err := e.platformID(ctx, acc.UserID)
		if err != nil {
			return TrafficUnchanged, e.fail(op, err, fields...)
		}
		e.notifyUser(ctx, platformID, fmt.Sprintf(
			"You have used %.1f of %d GB (%.0f%%) of your VPN traffic.", used, acc.TrafficLimitGB, ratio*100))
		return TrafficWarned, nil
	}
	return TrafficUnchanged, nil
}

func (e *Engine) accountWithServer(ctx context.Context, accountID uint) (db.Account, db.Server, error) {
	var (
		acc    db.Account
		server db.Server
	)
	tx := e.db.WithContext(ctx)
	if err := tx.First(&acc, accountID).Error; err != nil {
		return acc, server, notFound(err)
	}
	if err := tx.First(&server, acc.ServerID).Error; err != nil {
		return acc, server, notFound(err)
	}
	return acc, server, nil
}

func (e *Engine) disableOnPanel(ctx context.Context, server db.Server, acc db.Account) error {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProvisionTimeout)
	defer cancel()
	if err := e.provisioner.UpdateAccount(pctx, server.InboundID, acc.ClientUUID, provisioning.Disable()); err != nil {
		return &ProvisioningError{Op: "disable", Err: err}
	}
	return nil
}

// closeAccount moves an ACTIVE account to status and, when the owner has no other
// ACTIVE account, the owner to userStatus.
func (e *Engine) closeAccount(ctx context.Context, acc db.Account, status, userStatus, audit string, details map[string]any) (int64, error) {
	var user db.User
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Account{}).
			Where("id = ? AND status = ?", acc.ID, db.AccountActive).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvalidTransition
		}
		if err := tx.First(&user, acc.UserID).Error; err != nil {
			return err
		}
		var others int64
		if err := tx.Model(&db.Account{}).Where("user_id = ? AND status = ?", acc.UserID, db.AccountActive).Count(&others).Error; err != nil {
			return err
		}
		if others == 0 {
			if err := tx.Model(&db.User{}).Where("id = ?", acc.UserID).Update("status", userStatus).Error; err != nil {
				return err
			}
		}
		details["client_id"] = acc.ClientUUID
		return db.AppendAudit(tx, audit, 0, acc.OrderID, details)
	})
	return user.PlatformID, err
}

func (e *Engine) claimFlag(ctx context.Context, accountID uint, column string) (bool, error) {
	res := e.db.WithContext(ctx).Model(&db.Account{}).
		Where("id = ? AND "+column+" = ?", accountID, false).
		Update(column, true)
	return res.RowsAffected == 1, res.Error
}

func (e *Engine) platformID(ctx context.Context, userID uint) (int64, error) {
	var user db.User
	if err := e.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return 0, notFound(err)
	}
	return user.PlatformID, nil
}
