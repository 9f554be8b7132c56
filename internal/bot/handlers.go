package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/admin"
	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
)

const helpText = `Commands:
/plans - choose a plan and start an order
/order - status of your current order
/account - your VPN accounts
/support - contact support
/help - this message

Buying: /plans -> pick a plan -> pick a payment method -> pay -> send the receipt screenshot here.
An admin checks the payment and the bot sends you the connection link.`

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, cmd string, isAdmin bool) {
	chatID := msg.Chat.ID
	switch cmd {
	case "start":
		if _, err := b.engine.EnsureUser(ctx, msg.From.ID, displayName(msg.From)); err != nil {
			b.log.Error("user registration failed", zap.Int64("actor", msg.From.ID), zap.Error(err))
		}
		out := tgbotapi.NewMessage(chatID, "Welcome! Use /plans to buy VPN access.")
		out.ReplyMarkup = GetReplyKeyboard(isAdmin)
		b.send(out)
	case "help":
		out := tgbotapi.NewMessage(chatID, helpText)
		out.ReplyMarkup = GetReplyKeyboard(isAdmin)
		b.send(out)
	case "plans":
		b.handlePlans(ctx, chatID)
	case "order":
		b.handleOrderStatus(ctx, msg)
	case "account":
		b.handleAccount(ctx, msg)
	case "support":
		b.reply(chatID, "Support: write your question here with your order id and an admin will get back to you.")
	default:
		b.reply(chatID, "Unknown command. Use /help to see all commands.")
	}
}

func (b *Bot) handlePlans(ctx context.Context, chatID int64) {
	plans, err := b.engine.ListActivePlans(ctx)
	if err != nil {
		b.log.Error("listing plans failed", zap.Error(err))
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	if len(plans) == 0 {
		b.reply(chatID, "No plans are on sale right now. Please try again later or write /support.")
		return
	}
	out := tgbotapi.NewMessage(chatID, "Choose a plan:")
	out.ReplyMarkup = PlansKeyboard(plans)
	b.send(out)
}

func (b *Bot) handleOrderStatus(ctx context.Context, msg *tgbotapi.Message) {
	order, found, err := b.engine.ActiveOrder(ctx, msg.From.ID)
	if err != nil {
		b.reply(msg.Chat.ID, lifecycle.UserMessage(err))
		return
	}
	if !found {
		b.reply(msg.Chat.ID, "You have no open order. Use /plans to start one.")
		return
	}
	switch order.Status {
	case db.OrderPending:
		out := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Order %s: choose a payment method.", order.OrderID))
		out.ReplyMarkup = PaymentKeyboard(order.OrderID)
		b.send(out)
	case db.OrderWaitingPayment:
		b.reply(msg.Chat.ID, b.engine.PaymentInstructions(order))
	case db.OrderWaitingReview:
		b.reply(msg.Chat.ID, fmt.Sprintf("Order %s: your payment is being reviewed.", order.OrderID))
	}
}

func (b *Bot) handleAccount(ctx context.Context, msg *tgbotapi.Message) {
	accs, err := b.engine.Accounts(ctx, msg.From.ID)
	if err != nil {
		b.reply(msg.Chat.ID, lifecycle.UserMessage(err))
		return
	}
	if len(accs) == 0 {
		b.reply(msg.Chat.ID, "You have no VPN accounts yet. Use /plans to buy one.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your VPN accounts:\n\n")
	for _, a := range accs {
		fmt.Fprintf(&sb, "Order %s: %s\nValid until: %s UTC\nTraffic: %.1f of %d GB\n",
			a.OrderID, a.Status, a.ExpiresAt.UTC().Format("2006-01-02 15:04"), a.TrafficUsedGB, a.TrafficLimitGB)
		if a.Status == db.AccountActive {
			sb.WriteString(a.ConnectionLink + "\n")
		}
		sb.WriteString("\n")
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	if b.admin.HandleCallback(ctx, cq) {
		return
	}
	data := cq.Data
	switch {
	case strings.HasPrefix(data, cbPlan):
		b.handlePlanChosen(ctx, cq, strings.TrimPrefix(data, cbPlan))
	case strings.HasPrefix(data, cbPay):
		b.handleMethodChosen(ctx, cq, strings.TrimPrefix(data, cbPay))
	case strings.HasPrefix(data, cbReviewApprove),
		strings.HasPrefix(data, cbReviewDecline),
		strings.HasPrefix(data, cbConfirmApprove),
		strings.HasPrefix(data, cbConfirmDecline):
		if !b.admin.IsAdmin(cq.From.ID) {
			b.answer(cq.ID, "Admins only")
			return
		}
		b.handleReviewCallback(ctx, cq)
	case data == cbCancel:
		b.setPendingDecline(cq.From.ID, "")
		b.answer(cq.ID, "Cancelled")
		b.reply(chatOf(cq), "Cancelled.")
	default:
		b.answer(cq.ID, "Unknown action")
	}
}

func (b *Bot) handlePlanChosen(ctx context.Context, cq *tgbotapi.CallbackQuery, rawID string) {
	planID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		b.answer(cq.ID, "Unknown plan")
		return
	}
	order, err := b.engine.CreateOrder(ctx, cq.From.ID, displayName(cq.From), uint(planID))
	if err != nil {
		b.answer(cq.ID, "Order not created")
		b.reply(chatOf(cq), lifecycle.UserMessage(err))
		return
	}
	b.answer(cq.ID, "Order created")
	out := tgbotapi.NewMessage(chatOf(cq), fmt.Sprintf(
		"Order %s created: %d days, %d GB for %s EGP.\nChoose a payment method:",
		order.OrderID, order.DurationDays, order.TrafficGB, order.Price.StringFixed(2)))
	out.ReplyMarkup = PaymentKeyboard(order.OrderID)
	b.send(out)
}

// handleMethodChosen parses "<METHOD>_<orderID>".
func (b *Bot) handleMethodChosen(ctx context.Context, cq *tgbotapi.CallbackQuery, rest string) {
	method, orderID, ok := strings.Cut(rest, "_")
	if !ok {
		b.answer(cq.ID, "Unknown payment method")
		return
	}
	order, err := b.engine.SelectPaymentMethod(ctx, cq.From.ID, orderID, method)
	if err != nil {
		b.answer(cq.ID, "Not changed")
		b.reply(chatOf(cq), lifecycle.UserMessage(err))
		return
	}
	b.answer(cq.ID, "Payment method saved")
	b.reply(chatOf(cq), b.engine.PaymentInstructions(order))
}

func (b *Bot) handleReviewCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	adminID, chatID, data := cq.From.ID, chatOf(cq), cq.Data
	switch {
	case strings.HasPrefix(data, cbReviewApprove):
		orderID := strings.TrimPrefix(data, cbReviewApprove)
		token, err := b.engine.RequestApproval(ctx, adminID, orderID)
		if err != nil {
			b.answer(cq.ID, "Not possible")
			b.reply(chatID, lifecycle.AdminMessage(err))
			return
		}
		b.answer(cq.ID, "Confirm the approval")
		out := tgbotapi.NewMessage(chatID, fmt.Sprintf("Approve order %s and issue a credential? This confirmation expires in 5 minutes.", orderID))
		out.ReplyMarkup = admin.ConfirmKeyboard(cbConfirmApprove + token)
		b.send(out)

	case strings.HasPrefix(data, cbReviewDecline):
		orderID := strings.TrimPrefix(data, cbReviewDecline)
		b.setPendingDecline(adminID, orderID)
		b.answer(cq.ID, "Send the reason")
		b.reply(chatID, fmt.Sprintf("Send the reason for declining order %s as your next message.", orderID))

	case strings.HasPrefix(data, cbConfirmApprove):
		res, err := b.engine.Approve(ctx, strings.TrimPrefix(data, cbConfirmApprove), adminID)
		if err != nil {
			b.answer(cq.ID, "Approval failed")
			b.reply(chatID, lifecycle.AdminMessage(err))
			return
		}
		b.answer(cq.ID, "Approved")
		b.reply(chatID, fmt.Sprintf("Order %s approved on %s (load %d/%d).",
			res.Order.OrderID, res.Server.Name, res.Server.CurrentLoad, res.Server.Capacity))
		logger.LogAdminAction(adminID, "approve", res.Order.OrderID)

	case strings.HasPrefix(data, cbConfirmDecline):
		order, err := b.engine.Decline(ctx, strings.TrimPrefix(data, cbConfirmDecline), adminID)
		if err != nil {
			b.answer(cq.ID, "Decline failed")
			b.reply(chatID, lifecycle.AdminMessage(err))
			return
		}
		b.answer(cq.ID, "Declined")
		b.reply(chatID, fmt.Sprintf("Order %s declined.", order.OrderID))
		logger.LogAdminAction(adminID, "decline", order.OrderID)
	}
}

func (b *Bot) requestDecline(ctx context.Context, msg *tgbotapi.Message, orderID string) {
	token, err := b.engine.RequestDecline(ctx, msg.From.ID, orderID, msg.Text)
	if err != nil {
		if errors.Is(err, lifecycle.ErrValidation) {
			b.setPendingDecline(msg.From.ID, orderID)
		}
		b.reply(msg.Chat.ID, lifecycle.AdminMessage(err))
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Decline order %s with reason %q?", orderID, strings.TrimSpace(msg.Text)))
	out.ReplyMarkup = admin.ConfirmKeyboard(cbConfirmDecline + token)
	b.send(out)
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func chatOf(cq *tgbotapi.CallbackQuery) int64 {
	if cq.Message != nil && cq.Message.Chat != nil {
		return cq.Message.Chat.ID
	}
	return cq.From.ID
}
