package bot

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/admin"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
	"VPN-Storefront-bot/internal/ratelimit"
)

// commandLimit is how often one user may repeat one command per rate window.
const commandLimit = 5

// API is the part of *tgbotapi.BotAPI the storefront uses.
type API interface {
	admin.API
	GetFileDirectURL(fileID string) (string, error)
}

type Bot struct {
	api      API
	engine   *lifecycle.Engine
	channels *Channels
	admin    *admin.Handler
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	http     *http.Client
	log      *zap.Logger

	mu             sync.Mutex
	pendingDecline map[int64]string // admin id -> order awaiting a decline reason
}

func New(api API, engine *lifecycle.Engine, channels *Channels, adminHandler *admin.Handler, limiter *ratelimit.Limiter, m *metrics.Metrics, log *zap.Logger) *Bot {
	if limiter == nil {
		limiter = ratelimit.New(time.Now)
	}
	return &Bot{
		api:            api,
		engine:         engine,
		channels:       channels,
		admin:          adminHandler,
		limiter:        limiter,
		metrics:        m,
		http:           &http.Client{Timeout: 30 * time.Second},
		log:            logger.OrNop(log),
		pendingDecline: map[int64]string{},
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate dispatches one update. A panic in a handler is reported and does
// not stop the update loop.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer logger.NotifyOnPanic("telegram update")

	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	isAdmin := b.admin.IsAdmin(msg.From.ID)

	if msg.Chat.IsPrivate() && (len(msg.Photo) > 0 || msg.Document != nil) {
		b.handleEvidence(ctx, msg)
		return
	}
	if isAdmin && !msg.IsCommand() {
		if orderID, ok := b.takePendingDecline(msg.From.ID); ok {
			b.requestDecline(ctx, msg, orderID)
			return
		}
	}
	if !msg.IsCommand() {
		if !b.channels.Writable(msg.From.ID) {
			b.reply(msg.Chat.ID, "Your payment is under review. You will get a message here as soon as an admin checks it.")
			return
		}
		b.reply(msg.Chat.ID, "Use /help to see what I can do.")
		return
	}

	cmd := msg.Command()
	if !isAdmin && !b.limiter.Check(itoa(msg.From.ID), cmd, commandLimit) {
		b.metrics.RateLimited(cmd)
		b.reply(msg.Chat.ID, "Please slow down and try again in a minute.")
		return
	}
	if isAdmin && strings.HasPrefix(cmd, "admin_") {
		b.admin.HandleCommand(ctx, msg)
		return
	}
	b.handleCommand(ctx, msg, cmd, isAdmin)
}

func (b *Bot) takePendingDecline(adminID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	orderID, ok := b.pendingDecline[adminID]
	delete(b.pendingDecline, adminID)
	return orderID, ok
}

func (b *Bot) setPendingDecline(adminID int64, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if orderID == "" {
		delete(b.pendingDecline, adminID)
		return
	}
	b.pendingDecline[adminID] = orderID
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", zap.Error(err))
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Debug("callback answer failed", zap.Error(err))
	}
}
