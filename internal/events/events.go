package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/logger"
)

// Event types; each is also the queue name.
const (
	OrderApproved    = "order.approved"
	OrderDeclined    = "order.declined"
	OrderExpired     = "order.expired"
	AccountExpired   = "account.expired"
	AccountSuspended = "account.suspended"
)

type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id,omitempty"`
	AccountID  uint      `json:"account_id,omitempty"`
	PlatformID int64     `json:"platform_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	ActorID    int64     `json:"actor_id,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers domain events. Failures are reported, never fatal to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// DialTimeout bounds the broker connection and handshake when the caller's context
// has no earlier deadline.
const DialTimeout = 5 * time.Second

// AMQPPublisher writes each event as a persistent JSON message to a durable queue
// named after the event type.
type AMQPPublisher struct {
	url string
	log *zap.Logger
}

func NewAMQPPublisher(url string, log *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{url: url, log: logger.OrNop(log)}
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	timeout := DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return context.DeadlineExceeded
		}
		if left < timeout {
			timeout = left
		}
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:   amqp.DefaultDial(timeout),
		Locale: "en_US",
	})
	if err != nil {
		p.log.Warn("rabbitmq: dial failed", zap.Error(err))
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn("rabbitmq: channel open failed", zap.Error(err))
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(e.Type, true, false, false, false, nil); err != nil {
		p.log.Warn("rabbitmq: queue declare failed", zap.String("queue", e.Type), zap.Error(err))
		return err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Body:         body,
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", e.Type, false, false, pub); err != nil {
		p.log.Warn("rabbitmq: publish failed", zap.String("queue", e.Type), zap.Error(err))
		return err
	}
	return nil
}
