package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/lifecycle"
)

// maxEvidenceBytes caps a downloaded screenshot.
const maxEvidenceBytes = 10 << 20

// handleEvidence treats a photo or document in the private chat as payment evidence
// for the user's order that is waiting for payment.
func (b *Bot) handleEvidence(ctx context.Context, msg *tgbotapi.Message) {
	platformID := msg.From.ID
	if !b.channels.Writable(platformID) {
		b.reply(msg.Chat.ID, "Your payment is already under review.")
		return
	}
	order, found, err := b.engine.ActiveOrder(ctx, platformID)
	if err != nil {
		b.reply(msg.Chat.ID, lifecycle.UserMessage(err))
		return
	}
	if !found || order.Status != db.OrderWaitingPayment {
		b.reply(msg.Chat.ID, "There is no order waiting for payment. Use /plans to start one, then choose a payment method.")
		return
	}

	fileID, ref := evidenceFile(msg)
	image, err := b.download(ctx, fileID)
	if err != nil {
		b.log.Error("evidence download failed", zap.String("order_id", order.OrderID), zap.Int64("actor", platformID), zap.Error(err))
		b.reply(msg.Chat.ID, "Could not read the file. Please send the screenshot again.")
		return
	}
	if _, err := b.engine.SubmitEvidenceImage(ctx, platformID, order.OrderID, ref, image); err != nil {
		b.reply(msg.Chat.ID, lifecycle.UserMessage(err))
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Payment evidence for order %s received. An admin will review it shortly.", order.OrderID))
}

// evidenceFile picks the largest photo size, or the document.
func evidenceFile(msg *tgbotapi.Message) (fileID, ref string) {
	if n := len(msg.Photo); n > 0 {
		largest := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > largest.FileSize || p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		return largest.FileID, refPhoto + largest.FileID
	}
	return msg.Document.FileID, refDocument + msg.Document.FileID
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxEvidenceBytes))
}
