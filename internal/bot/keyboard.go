package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/payment"
)

// Callback data prefixes.
const (
	cbPlan           = "plan_"
	cbPay            = "pay_"
	cbReviewApprove  = "review_approve_"
	cbReviewDecline  = "review_decline_"
	cbConfirmApprove = "confirm_approve_"
	cbConfirmDecline = "confirm_decline_"
	cbCancel         = "cancel_action"
)

func GetReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	if isAdmin {
		return tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_servers"),
				tgbotapi.NewKeyboardButton("/admin_plans"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_backup"),
				tgbotapi.NewKeyboardButton("/plans"),
				tgbotapi.NewKeyboardButton("/help"),
			),
		)
	}
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/plans"),
			tgbotapi.NewKeyboardButton("/order"),
			tgbotapi.NewKeyboardButton("/account"),
		),
	)
}

func PlansKeyboard(plans []db.Plan) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range plans {
		label := fmt.Sprintf("%s: %d days, %d GB, %s EGP", p.Name, p.DurationDays, p.TrafficGB, p.Price.StringFixed(2))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbPlan+strconv.FormatUint(uint64(p.ID), 10)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func PaymentKeyboard(orderID string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range payment.Methods {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(payment.MethodName(m), cbPay+m+"_"+orderID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func ReviewKeyboard(orderID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", cbReviewApprove+orderID),
		tgbotapi.NewInlineKeyboardButtonData("Decline", cbReviewDecline+orderID),
	))
}
