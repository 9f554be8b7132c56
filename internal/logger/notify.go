package logger

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts operational alerts into the ops chat.
type Notifier struct {
	sender Sender
	chatID int64
}

func NewNotifier(sender Sender, chatID int64) *Notifier {
	return &Notifier{sender: sender, chatID: chatID}
}

// Alert sends "[ALERT] msg". A nil notifier only logs.
func (n *Notifier) Alert(msg string) {
	log.Warn("alert", zap.String("msg", msg))
	if n == nil || n.sender == nil || n.chatID == 0 {
		return
	}
	if _, err := n.sender.Send(tgbotapi.NewMessage(n.chatID, "[ALERT] "+msg)); err != nil {
		log.Error("alert delivery failed", zap.Error(err))
	}
}

// NotifyOnPanic must be deferred directly. It swallows the panic after reporting it.
func (n *Notifier) NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		log.Error("panic recovered", zap.String("context", context), zap.Any("panic", r), zap.Stack("stack"))
		n.Alert("Panic in " + context + ": " + toString(r))
	}
}

var (
	defaultNotifier *Notifier
	once            sync.Once
)

// InitNotifier installs the process-wide notifier used by NotifyAdmin and NotifyOnPanic.
func InitNotifier(sender Sender, chatID int64) *Notifier {
	once.Do(func() {
		defaultNotifier = NewNotifier(sender, chatID)
	})
	return defaultNotifier
}

func NotifyAdmin(msg string) {
	defaultNotifier.Alert(msg)
}

func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		log.Error("panic recovered", zap.String("context", context), zap.Any("panic", r), zap.Stack("stack"))
		defaultNotifier.Alert("Panic in " + context + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return fmt.Sprintf("%v", x)
	}
}
