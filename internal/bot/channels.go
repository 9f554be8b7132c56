package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/payment"
)

// Evidence refs carry the telegram media kind so reviewers get the right message type.
const (
	refPhoto    = "photo:"
	refDocument = "document:"
)

// Channels is the telegram side of an order conversation. The order channel is the
// user's private chat with the bot; write access is a lock held while a payment is
// under review.
type Channels struct {
	api          API
	reviewChatID int64
	log          *zap.Logger

	mu     sync.Mutex
	locked map[int64]bool
}

func NewChannels(api API, reviewChatID int64, log *zap.Logger) *Channels {
	return &Channels{api: api, reviewChatID: reviewChatID, log: logger.OrNop(log), locked: map[int64]bool{}}
}

func (c *Channels) OpenOrderChannel(_ context.Context, platformID int64, _ string) (string, error) {
	c.mu.Lock()
	delete(c.locked, platformID)
	c.mu.Unlock()
	return strconv.FormatInt(platformID, 10), nil
}

func (c *Channels) SetUserWriteAccess(_ context.Context, _ string, platformID int64, allowed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		delete(c.locked, platformID)
	} else {
		c.locked[platformID] = true
	}
	return nil
}

// Writable reports whether the user may post in their order chat.
func (c *Channels) Writable(platformID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.locked[platformID]
}

func (c *Channels) NotifyReviewers(_ context.Context, req lifecycle.ReviewRequest) error {
	caption := fmt.Sprintf("Payment review\nOrder: %s\nUser: %s (%d)\nAmount: %s EGP\nMethod: %s",
		req.OrderID, req.DisplayName, req.PlatformID, req.Price.StringFixed(2), payment.MethodName(req.Method))
	keyboard := ReviewKeyboard(req.OrderID)

	var msg tgbotapi.Chattable
	switch {
	case strings.HasPrefix(req.EvidenceRef, refPhoto):
		photo := tgbotapi.NewPhoto(c.reviewChatID, tgbotapi.FileID(strings.TrimPrefix(req.EvidenceRef, refPhoto)))
		photo.Caption = caption
		photo.ReplyMarkup = keyboard
		msg = photo
	case strings.HasPrefix(req.EvidenceRef, refDocument):
		doc := tgbotapi.NewDocument(c.reviewChatID, tgbotapi.FileID(strings.TrimPrefix(req.EvidenceRef, refDocument)))
		doc.Caption = caption
		doc.ReplyMarkup = keyboard
		msg = doc
	default:
		text := tgbotapi.NewMessage(c.reviewChatID, caption+"\nEvidence: "+req.EvidenceRef)
		text.ReplyMarkup = keyboard
		msg = text
	}
	_, err := c.api.Send(msg)
	return err
}

func (c *Channels) NotifyUser(_ context.Context, platformID int64, text string) error {
	_, err := c.api.Send(tgbotapi.NewMessage(platformID, text))
	return err
}

// CloseChannel ends the order conversation. A private chat cannot be deleted, so
// the lock is dropped and the user is told the order is closed.
func (c *Channels) CloseChannel(_ context.Context, channelRef string) error {
	platformID, err := strconv.ParseInt(channelRef, 10, 64)
	if err != nil {
		return fmt.Errorf("channel ref %q: %w", channelRef, err)
	}
	c.mu.Lock()
	delete(c.locked, platformID)
	c.mu.Unlock()
	_, err = c.api.Send(tgbotapi.NewMessage(platformID, "This order conversation is closed. Use /plans to start a new order."))
	return err
}
