package admin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/revenue"
	"VPN-Storefront-bot/internal/services"
)

// API is the part of *tgbotapi.BotAPI the admin surface uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

const CallbackConfirmCreateUser = "confirm_createuser_"

type Handler struct {
	api     API
	db      *gorm.DB
	engine  *lifecycle.Engine
	revenue *revenue.Aggregator
	board   *services.StatusBoard
	backup  *Backuper
	admins  []int64
	log     *zap.Logger
}

func NewHandler(api API, gdb *gorm.DB, engine *lifecycle.Engine, rev *revenue.Aggregator, board *services.StatusBoard, backup *Backuper, admins []int64, log *zap.Logger) *Handler {
	return &Handler{
		api:     api,
		db:      gdb,
		engine:  engine,
		revenue: rev,
		board:   board,
		backup:  backup,
		admins:  admins,
		log:     logger.OrNop(log),
	}
}

func (h *Handler) IsAdmin(userID int64) bool {
	for _, id := range h.admins {
		if id == userID {
			return true
		}
	}
	return false
}

// HandleCommand runs an /admin_* command. Non-admins are ignored.
func (h *Handler) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	switch cmd {
	case "admin_stats":
		h.handleStats(ctx, msg)
	case "admin_servers":
		h.handleServers(ctx, msg)
	case "admin_addserver":
		h.handleAddServer(ctx, msg, args)
	case "admin_serverstatus":
		h.handleServerStatus(ctx, msg, args)
	case "admin_plans":
		h.handlePlans(ctx, msg)
	case "admin_addplan":
		h.handleAddPlan(ctx, msg, args)
	case "admin_delplan":
		h.handleDeletePlan(ctx, msg, args)
	case "admin_createuser":
		h.handleCreateUser(ctx, msg, args)
	case "admin_order":
		h.handleOrder(ctx, msg, args)
	case "admin_backup":
		h.handleBackup(ctx, msg)
	default:
		h.reply(msg.Chat.ID, "Unknown admin command. Available: /admin_stats, /admin_servers, /admin_addserver, /admin_serverstatus, /admin_plans, /admin_addplan, /admin_delplan, /admin_createuser, /admin_order, /admin_backup")
		return
	}
	logger.LogAdminAction(msg.From.ID, cmd, msg.Text)
}

// HandleCallback handles admin confirmation buttons and reports whether data was one.
func (h *Handler) HandleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) bool {
	if !strings.HasPrefix(cq.Data, CallbackConfirmCreateUser) {
		return false
	}
	if !h.IsAdmin(cq.From.ID) {
		h.answer(cq.ID, "Admins only")
		return true
	}
	token := strings.TrimPrefix(cq.Data, CallbackConfirmCreateUser)
	user, err := h.engine.ConfirmCreateUser(ctx, token, cq.From.ID)
	if err != nil {
		h.answer(cq.ID, "Failed")
		h.reply(chatOf(cq), lifecycle.AdminMessage(err))
		return true
	}
	h.answer(cq.ID, "User created")
	h.reply(chatOf(cq), fmt.Sprintf("User %d (%s) created.", user.PlatformID, user.DisplayName))
	logger.LogAdminAction(cq.From.ID, "create_user", strconv.FormatInt(user.PlatformID, 10))
	return true
}

func (h *Handler) handleStats(ctx context.Context, msg *tgbotapi.Message) {
	if _, err := h.revenue.RefreshIfStale(ctx); err != nil {
		h.log.Warn("revenue refresh failed", zap.Error(err))
	}
	buckets, err := h.revenue.Dashboard(ctx)
	if err != nil {
		h.reply(msg.Chat.ID, "Could not load revenue: "+err.Error())
		return
	}
	tx := h.db.WithContext(ctx)
	byStatus, err := db.CountOrdersByStatus(tx)
	if err != nil {
		h.log.Error("order statistics failed", zap.Error(err))
		h.reply(msg.Chat.ID, "Could not load statistics: "+err.Error())
		return
	}
	users, err := db.CountUsers(tx)
	if err != nil {
		h.log.Error("user statistics failed", zap.Error(err))
		h.reply(msg.Chat.ID, "Could not load statistics: "+err.Error())
		return
	}
	accounts, err := db.CountActiveAccounts(tx)
	if err != nil {
		h.log.Error("account statistics failed", zap.Error(err))
		h.reply(msg.Chat.ID, "Could not load statistics: "+err.Error())
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Users: %d\nActive accounts: %d\n", users, accounts)
	fmt.Fprintf(&sb, "Orders waiting for payment: %d, in review: %d\n\n",
		byStatus[db.OrderWaitingPayment], byStatus[db.OrderWaitingReview])
	for _, b := range buckets {
		fmt.Fprintf(&sb, "%s: %s EGP, orders %d (approved %d, declined %d)\n",
			strings.ToUpper(b.Period[:1])+b.Period[1:], b.Revenue.StringFixed(2), b.TotalOrders, b.ApprovedOrders, b.DeclinedOrders)
	}
	h.reply(msg.Chat.ID, sb.String())
}

func (h *Handler) handleServers(ctx context.Context, msg *tgbotapi.Message) {
	servers, err := h.engine.ListServers(ctx)
	if err != nil {
		h.reply(msg.Chat.ID, "Could not load servers: "+err.Error())
		return
	}
	if len(servers) == 0 {
		h.reply(msg.Chat.ID, "No servers. Add one with /admin_addserver.")
		return
	}
	probes := map[string]services.ServerStatus{}
	if h.board != nil {
		for _, s := range h.board.Statuses() {
			probes[s.Name] = s
		}
	}
	var sb strings.Builder
	sb.WriteString("Servers:\n")
	for _, s := range servers {
		reach := "not probed yet"
		if p, ok := probes[s.Name]; ok {
			reach = "offline"
			if p.Online {
				reach = "online"
			}
			reach += ", checked " + p.LastChecked.Format("02.01 15:04")
		}
		fmt.Fprintf(&sb, "#%d %s (%s) %s, load %d/%d, %s\n", s.ID, s.Name, s.Endpoint, s.Status, s.CurrentLoad, s.Capacity, reach)
	}
	h.reply(msg.Chat.ID, sb.String())
}

func (h *Handler) handleAddServer(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 4 {
		h.reply(msg.Chat.ID, "Usage: /admin_addserver <name> <host:port> <inbound_id> <capacity>")
		return
	}
	inbound, err1 := strconv.Atoi(args[2])
	capacity, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		h.reply(msg.Chat.ID, "Inbound id and capacity must be whole numbers.")
		return
	}
	srv, err := h.engine.AddServer(ctx, msg.From.ID, args[0], args[1], inbound, capacity)
	if err != nil {
		h.reply(msg.Chat.ID, "Server not added: "+lifecycle.UserMessage(err))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Server #%d %s (%s) added with capacity %d.", srv.ID, srv.Name, srv.Endpoint, srv.Capacity))
}

func (h *Handler) handleServerStatus(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 2 {
		h.reply(msg.Chat.ID, "Usage: /admin_serverstatus <id> <ACTIVE|MAINTENANCE|OFFLINE>")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Server id must be a number.")
		return
	}
	if err := h.engine.SetServerStatus(ctx, uint(id), strings.ToUpper(args[1])); err != nil {
		h.reply(msg.Chat.ID, "Status not changed: "+lifecycle.UserMessage(err))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Server #%d is now %s.", id, strings.ToUpper(args[1])))
}

func (h *Handler) handlePlans(ctx context.Context, msg *tgbotapi.Message) {
	plans, err := h.engine.ListActivePlans(ctx)
	if err != nil {
		h.reply(msg.Chat.ID, "Could not load plans: "+err.Error())
		return
	}
	if len(plans) == 0 {
		h.reply(msg.Chat.ID, "No active plans. Add one with /admin_addplan.")
		return
	}
	var sb strings.Builder
	for _, p := range plans {
		fmt.Fprintf(&sb, "#%d %s: %d days, %d GB, %s EGP\n", p.ID, p.Name, p.DurationDays, p.TrafficGB, p.Price.StringFixed(2))
	}
	h.reply(msg.Chat.ID, sb.String())
}

func (h *Handler) handleAddPlan(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) < 4 {
		h.reply(msg.Chat.ID, "Usage: /admin_addplan <days> <traffic_gb> <price> <name>")
		return
	}
	days, err1 := strconv.Atoi(args[0])
	gb, err2 := strconv.Atoi(args[1])
	price, err3 := decimal.NewFromString(args[2])
	if err1 != nil || err2 != nil || err3 != nil {
		h.reply(msg.Chat.ID, "Days and traffic must be whole numbers, price a decimal.")
		return
	}
	plan, err := h.engine.AddPlan(ctx, msg.From.ID, strings.Join(args[3:], " "), days, gb, price)
	if err != nil {
		h.reply(msg.Chat.ID, "Plan not added: "+lifecycle.UserMessage(err))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Plan #%d %s added.", plan.ID, plan.Name))
}

func (h *Handler) handleDeletePlan(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		h.reply(msg.Chat.ID, "Usage: /admin_delplan <id>")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Plan id must be a number.")
		return
	}
	if err := h.engine.DeactivatePlan(ctx, uint(id)); err != nil {
		h.reply(msg.Chat.ID, "Plan not removed: "+lifecycle.UserMessage(err))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Plan #%d is no longer offered.", id))
}

func (h *Handler) handleCreateUser(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) < 1 {
		h.reply(msg.Chat.ID, "Usage: /admin_createuser <telegram_id> [name]")
		return
	}
	platformID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Telegram id must be a number.")
		return
	}
	token, err := h.engine.RequestCreateUser(ctx, msg.From.ID, platformID, strings.Join(args[1:], " "))
	if err != nil {
		h.reply(msg.Chat.ID, lifecycle.AdminMessage(err))
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Create user %d? This confirmation expires in 5 minutes.", platformID))
	out.ReplyMarkup = ConfirmKeyboard(CallbackConfirmCreateUser + token)
	h.send(out)
}

func (h *Handler) handleOrder(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		h.reply(msg.Chat.ID, "Usage: /admin_order <order_id>")
		return
	}
	order, err := h.engine.Order(ctx, args[0])
	if err != nil {
		h.reply(msg.Chat.ID, lifecycle.UserMessage(err))
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\nStatus: %s\nPrice: %s EGP\nMethod: %s\nCreated: %s UTC\n",
		order.OrderID, order.Status, order.Price.StringFixed(2), order.PaymentMethod, order.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if order.DeclineReason != "" {
		fmt.Fprintf(&sb, "Decline reason: %s\n", order.DeclineReason)
	}
	if acc, err := db.FindAccountByOrder(h.db.WithContext(ctx), order.OrderID); err == nil {
		fmt.Fprintf(&sb, "Account: %s, %s, expires %s UTC, traffic %.1f/%d GB\n",
			acc.Email, acc.Status, acc.ExpiresAt.UTC().Format("2006-01-02 15:04"), acc.TrafficUsedGB, acc.TrafficLimitGB)
	}
	h.reply(msg.Chat.ID, sb.String())
}

func (h *Handler) handleBackup(ctx context.Context, msg *tgbotapi.Message) {
	if h.backup == nil {
		h.reply(msg.Chat.ID, "Backups are not configured.")
		return
	}
	filename, err := h.backup.Backup(ctx, "backup")
	if err != nil {
		h.reply(msg.Chat.ID, "Backup failed: "+err.Error())
		return
	}
	file := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FilePath(filename))
	file.Caption = "Database backup created"
	h.send(file)
	_ = os.Remove(filename)
}

func (h *Handler) reply(chatID int64, text string) {
	h.send(tgbotapi.NewMessage(chatID, text))
}

func (h *Handler) send(c tgbotapi.Chattable) {
	if _, err := h.api.Send(c); err != nil {
		h.log.Warn("admin reply failed", zap.Error(err))
	}
}

func (h *Handler) answer(callbackID, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		h.log.Debug("callback answer failed", zap.Error(err))
	}
}

func chatOf(cq *tgbotapi.CallbackQuery) int64 {
	if cq.Message != nil && cq.Message.Chat != nil {
		return cq.Message.Chat.ID
	}
	return cq.From.ID
}

// ConfirmKeyboard is the confirm/cancel pair for a confirmation token.
func ConfirmKeyboard(confirmData string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Confirm", confirmData),
		tgbotapi.NewInlineKeyboardButtonData("Cancel", "cancel_action"),
	))
}
