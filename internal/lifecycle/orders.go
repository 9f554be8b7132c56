package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/payment"
)

// EnsureUser returns the user for platformID, creating it with status NEW on first contact.
func (e *Engine) EnsureUser(ctx context.Context, platformID int64, displayName string) (db.User, error) {
	if platformID <= 0 {
		return db.User{}, invalid("unknown user")
	}
	tx := e.db.WithContext(ctx)
	user, err := db.FindUserByPlatformID(tx, platformID)
	if err == nil {
		if displayName != "" && displayName != user.DisplayName {
			if err := tx.Model(&user).Update("display_name", displayName).Error; err != nil {
				e.log.Warn("display name not updated", zap.Int64("actor", platformID), zap.Error(err))
			}
		}
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, err
	}
	user = db.User{PlatformID: platformID, DisplayName: displayName, Status: db.UserNew}
	if err := tx.Create(&user).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return db.FindUserByPlatformID(tx, platformID)
		}
		return user, err
	}
	return user, nil
}

// CreateOrder opens a PENDING order for the plan. A user with an unfinished order
// gets ErrConflict, which also absorbs double submissions from the chat UI.
func (e *Engine) CreateOrder(ctx context.Context, platformID int64, displayName string, planID uint) (db.Order, error) {
	const op = "create_order"
	actor := zap.Int64("actor", platformID)

	user, err := e.EnsureUser(ctx, platformID, displayName)
	if err != nil {
		return db.Order{}, e.fail(op, err, actor)
	}
	if _, found, err := db.ActiveOrder(e.db.WithContext(ctx), user.ID); err != nil {
		return db.Order{}, e.fail(op, err, actor)
	} else if found {
		return db.Order{}, e.fail(op, ErrConflict, actor)
	}
	if !e.limiter.Check(strconv.FormatInt(platformID, 10), op, e.cfg.OrderRateLimit) {
		e.metrics.RateLimited(op)
		return db.Order{}, e.fail(op, ErrRateLimited, actor)
	}

	var plan db.Plan
	if err := e.db.WithContext(ctx).Where("id = ? AND active = ?", planID, true).First(&plan).Error; err != nil {
		return db.Order{}, e.fail(op, notFound(err), actor)
	}

	now := e.clock()
	order := db.Order{
		OrderID:      NewOrderID(now),
		UserID:       user.ID,
		PlanID:       plan.ID,
		DurationDays: plan.DurationDays,
		TrafficGB:    plan.TrafficGB,
		Price:        plan.Price,
		Status:       db.OrderPending,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, found, err := db.ActiveOrder(db.ForUpdate(tx), user.ID); err != nil {
			return err
		} else if found {
			return ErrConflict
		}
		if err := tx.Create(&order).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		return db.AppendAudit(tx, AuditOrderCreated, platformID, order.OrderID, map[string]any{
			"plan_id": plan.ID,
			"price":   plan.Price.String(),
		})
	})
	if err != nil {
		return db.Order{}, e.fail(op, err, actor)
	}
	e.metrics.OrderTransition(db.OrderPending)

	ref, err := e.channels.OpenOrderChannel(ctx, platformID, order.OrderID)
	if err != nil {
		e.log.Warn("order channel not opened", zap.String("order_id", order.OrderID), zap.Error(err))
	} else if ref != "" {
		order.ChannelRef = ref
		err := e.db.WithContext(ctx).Model(&db.Order{}).Where("order_id = ?", order.OrderID).Update("channel_ref", ref).Error
		if err != nil {
			e.log.Warn("order channel not recorded", zap.String("order_id", order.OrderID), zap.String("channel_ref", ref), zap.Error(err))
		}
	}
	e.log.Info("order created", zap.String("order_id", order.OrderID), actor, zap.String("action", op))
	return order, nil
}

// SelectPaymentMethod records the method and starts the payment deadline. Changing
// the method while WAITING_PAYMENT keeps the original deadline.
func (e *Engine) SelectPaymentMethod(ctx context.Context, platformID int64, orderID, method string) (db.Order, error) {
	const op = "select_payment_method"
	fields := []zap.Field{zap.String("order_id", orderID), zap.Int64("actor", platformID)}
	if !payment.ValidMethod(method) {
		return db.Order{}, e.fail(op, invalid("unsupported payment method %q", method), fields...)
	}

	var order db.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = e.ownedOrder(tx, platformID, orderID)
		if err != nil {
			return err
		}
		updates := map[string]any{"payment_method": method}
		switch order.Status {
		case db.OrderPending:
			deadline := e.clock().Add(e.cfg.PaymentWindow)
			updates["status"] = db.OrderWaitingPayment
			updates["expires_at"] = deadline
			order.ExpiresAt = &deadline
		case db.OrderWaitingPayment:
		default:
			return ErrInvalidTransition
		}
		ok, err := db.TransitionOrder(tx, orderID, []string{order.Status}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		order.Status = db.OrderWaitingPayment
		order.PaymentMethod = method
		return db.AppendAudit(tx, AuditMethodSelected, platformID, orderID, map[string]any{"method": method})
	})
	if err != nil {
		return db.Order{}, e.fail(op, err, fields...)
	}
	e.metrics.OrderTransition(db.OrderWaitingPayment)
	return order, nil
}

// SubmitEvidenceImage checks that evidence is an image, fingerprints it and submits it.
func (e *Engine) SubmitEvidenceImage(ctx context.Context, platformID int64, orderID, evidenceRef string, image []byte) (db.Order, error) {
	if err := payment.CheckImage(image); err != nil {
		return db.Order{}, e.fail("submit_payment_evidence", invalid("Please send the payment screenshot as a PNG or JPEG image."),
			zap.String("order_id", orderID), zap.Int64("actor", platformID))
	}
	return e.SubmitPaymentEvidence(ctx, platformID, orderID, evidenceRef, payment.Fingerprint(image))
}

// SubmitPaymentEvidence moves a WAITING_PAYMENT order to review. Evidence whose hash
// already backs another approved payment is refused with ErrDuplicateEvidence.
func (e *Engine) SubmitPaymentEvidence(ctx context.Context, platformID int64, orderID, evidenceRef, hash string) (db.Order, error) {
	const op = "submit_payment_evidence"
	fields := []zap.Field{zap.String("order_id", orderID), zap.Int64("actor", platformID)}
	if evidenceRef == "" || hash == "" {
		return db.Order{}, e.fail(op, invalid("Payment evidence is missing."), fields...)
	}

	var (
		order db.Order
		user  db.User
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = e.ownedOrder(tx, platformID, orderID)
		if err != nil {
			return err
		}
		if order.Status != db.OrderWaitingPayment {
			return ErrInvalidTransition
		}
		dup, err := e.detector.IsDuplicate(tx, hash, orderID)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateEvidence
		}
		p := db.Payment{
			OrderID:      orderID,
			Amount:       order.Price,
			Method:       order.PaymentMethod,
			EvidenceRef:  evidenceRef,
			EvidenceHash: hash,
			ReviewStatus: db.ReviewPending,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "method", "evidence_ref", "evidence_hash", "review_status", "updated_at"}),
		}).Create(&p).Error
		if err != nil {
			return err
		}
		ok, err := db.TransitionOrder(tx, orderID, []string{db.OrderWaitingPayment}, map[string]any{
			"status":         db.OrderWaitingReview,
			"screenshot_ref": evidenceRef,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		order.Status = db.OrderWaitingReview
		order.ScreenshotRef = evidenceRef
		if err := tx.First(&user, order.UserID).Error; err != nil {
			return err
		}
		return db.AppendAudit(tx, AuditPaymentSubmitted, platformID, orderID, map[string]any{"evidence_hash": hash})
	})
	if err != nil {
		return db.Order{}, e.fail(op, err, fields...)
	}
	e.metrics.OrderTransition(db.OrderWaitingReview)

	if err := e.channels.SetUserWriteAccess(ctx, order.ChannelRef, platformID, false); err != nil {
		e.log.Warn("revoking write access failed", fields...)
	}
	req := ReviewRequest{
		OrderID:     orderID,
		PlatformID:  platformID,
		DisplayName: user.DisplayName,
		Price:       order.Price,
		Method:      order.PaymentMethod,
		EvidenceRef: evidenceRef,
		ChannelRef:  order.ChannelRef,
	}
	if err := e.channels.NotifyReviewers(ctx, req); err != nil {
		e.log.Error("review notification failed", append(fields, zap.Error(err))...)
	}
	e.log.Info("payment evidence submitted", append(fields, zap.String("action", op))...)
	return order, nil
}

// Expire closes a WAITING_PAYMENT order whose deadline passed and schedules the
// channel cleanup.
func (e *Engine) Expire(ctx context.Context, orderID string) (db.Order, error) {
	const op = "expire_order"
	fields := []zap.Field{zap.String("order_id", orderID), zap.Int64("actor", 0)}
	now := e.clock()

	var (
		order db.Order
		user  db.User
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = db.FindOrder(tx, orderID)
		if err != nil {
			return notFound(err)
		}
		if order.Status != db.OrderWaitingPayment || order.ExpiresAt == nil || order.ExpiresAt.After(now) {
			return ErrInvalidTransition
		}
		ok, err := db.TransitionOrder(tx, orderID, []string{db.OrderWaitingPayment}, map[string]any{"status": db.OrderExpired})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		order.Status = db.OrderExpired
		if order.ChannelRef != "" {
			cleanup := db.ChannelCleanup{OrderID: orderID, ChannelRef: order.ChannelRef, DueAt: now.Add(e.cfg.ChannelCleanupDelay)}
			if err := tx.Create(&cleanup).Error; err != nil {
				return err
			}
		}
		if err := tx.First(&user, order.UserID).Error; err != nil {
			return err
		}
		return db.AppendAudit(tx, AuditOrderExpired, 0, orderID, map[string]any{"deadline": order.ExpiresAt})
	})
	if err != nil {
		return db.Order{}, e.fail(op, err, fields...)
	}
	e.metrics.OrderTransition(db.OrderExpired)
	e.notifyUser(ctx, user.PlatformID, fmt.Sprintf("Order %s expired because no payment arrived in time. You can start a new order with /plans.", orderID))
	e.publish(ctx, events.Event{Type: events.OrderExpired, OrderID: orderID, PlatformID: user.PlatformID})
	e.log.Info("order expired", append(fields, zap.String("action", op))...)
	return order, nil
}

// OverduePaymentOrders lists WAITING_PAYMENT orders past their deadline.
func (e *Engine) OverduePaymentOrders(ctx context.Context) ([]db.Order, error) {
	var orders []db.Order
	err := e.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", db.OrderWaitingPayment, e.clock()).
		Order("id").Find(&orders).Error
	return orders, err
}

// SweepChannels closes order channels whose cleanup is due. A failed close stays
// queued for the next sweep.
func (e *Engine) SweepChannels(ctx context.Context) (int, error) {
	var due []db.ChannelCleanup
	if err := e.db.WithContext(ctx).Where("due_at <= ?", e.clock()).Order("id").Find(&due).Error; err != nil {
		return 0, err
	}
	closed := 0
	for _, c := range due {
		if err := e.channels.CloseChannel(ctx, c.ChannelRef); err != nil {
			e.log.Warn("channel cleanup failed", zap.String("order_id", c.OrderID), zap.Error(err))
			continue
		}
		if err := e.db.WithContext(ctx).Delete(&db.ChannelCleanup{}, c.ID).Error; err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// ActiveOrder returns the user's unfinished order.
func (e *Engine) ActiveOrder(ctx context.Context, platformID int64) (db.Order, bool, error) {
	user, err := db.FindUserByPlatformID(e.db.WithContext(ctx), platformID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Order{}, false, nil
	}
	if err != nil {
		return db.Order{}, false, err
	}
	return db.ActiveOrder(e.db.WithContext(ctx), user.ID)
}

func (e *Engine) Order(ctx context.Context, orderID string) (db.Order, error) {
	order, err := db.FindOrder(e.db.WithContext(ctx), orderID)
	return order, notFound(err)
}

// PaymentInstructions is the text telling the user where and how much to pay.
func (e *Engine) PaymentInstructions(order db.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s\n", order.OrderID)
	fmt.Fprintf(&b, "Amount: %s EGP\n", order.Price.StringFixed(2))
	fmt.Fprintf(&b, "Method: %s\n", payment.MethodName(order.PaymentMethod))
	if wallet := e.cfg.Wallets[order.PaymentMethod]; wallet != "" {
		fmt.Fprintf(&b, "Send to: %s\n", wallet)
	}
	if e.cfg.WalletReceiver != "" {
		fmt.Fprintf(&b, "Receiver name: %s\n", e.cfg.WalletReceiver)
	}
	if order.ExpiresAt != nil {
		fmt.Fprintf(&b, "Pay before: %s UTC\n", order.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	}
	b.WriteString("\nAfter paying, send a screenshot of the receipt in this chat.")
	return b.String()
}

// ownedOrder loads orderID and checks it belongs to platformID. Foreign orders
// look like missing ones.
func (e *Engine) ownedOrder(tx *gorm.DB, platformID int64, orderID string) (db.Order, error) {
	var order db.Order
	err := db.ForUpdate(tx).
		Joins("JOIN users ON users.id = orders.user_id").
		Where("orders.order_id = ? AND users.platform_id = ?", orderID, platformID).
		First(&order).Error
	return order, notFound(err)
}
