package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
	"VPN-Storefront-bot/internal/payment"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/ratelimit"
	"VPN-Storefront-bot/internal/session"
)

// Audit actions.
const (
	AuditOrderCreated     = "ORDER_CREATED"
	AuditMethodSelected   = "PAYMENT_METHOD_SELECTED"
	AuditPaymentSubmitted = "PAYMENT_SUBMITTED"
	AuditOrderApproved    = "ORDER_APPROVED"
	AuditOrderDeclined    = "ORDER_DECLINED"
	AuditOrderExpired     = "ORDER_EXPIRED"
	AuditAccountExpired   = "ACCOUNT_EXPIRED"
	AuditAccountSuspended = "ACCOUNT_SUSPENDED"
	AuditUserCreated      = "USER_CREATED"
)

// Provisioner is the credential-issuing service.
type Provisioner interface {
	CreateAccount(ctx context.Context, acc provisioning.NewAccount) error
	UpdateAccount(ctx context.Context, inboundID int, clientID string, p provisioning.Patch) error
	DeleteAccount(ctx context.Context, inboundID int, clientID string) (bool, error)
	GetAccountStats(ctx context.Context, inboundID int, email string) (*provisioning.Stats, error)
	Health(ctx context.Context) bool
}

// ReviewRequest is what reviewers see when evidence arrives.
type ReviewRequest struct {
	OrderID     string
	PlatformID  int64
	DisplayName string
	Price       decimal.Decimal
	Method      string
	EvidenceRef string
	ChannelRef  string
}

// Channels is the chat platform as seen by the engine.
type Channels interface {
	OpenOrderChannel(ctx context.Context, platformID int64, orderID string) (string, error)
	SetUserWriteAccess(ctx context.Context, channelRef string, platformID int64, allowed bool) error
	NotifyReviewers(ctx context.Context, req ReviewRequest) error
	NotifyUser(ctx context.Context, platformID int64, text string) error
	CloseChannel(ctx context.Context, channelRef string) error
}

// StaleMarker is told when approved revenue changed.
type StaleMarker interface {
	MarkStale()
}

type Config struct {
	OrderRateLimit      int
	PaymentWindow       time.Duration
	ChannelCleanupDelay time.Duration
	ProvisionTimeout    time.Duration
	Wallets             map[string]string
	WalletReceiver      string
}

type Deps struct {
	DB          *gorm.DB
	Sessions    *session.Manager
	Limiter     *ratelimit.Limiter
	Provisioner Provisioner
	Health      *provisioning.HealthState
	Channels    Channels
	Revenue     StaleMarker
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Now         func() time.Time
}

// Engine runs the order state machine and the account policies built on it.
type Engine struct {
	cfg         Config
	db          *gorm.DB
	sessions    *session.Manager
	detector    payment.Detector
	limiter     *ratelimit.Limiter
	provisioner Provisioner
	health      *provisioning.HealthState
	channels    Channels
	revenue     StaleMarker
	events      events.Publisher
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func New(cfg Config, d Deps) *Engine {
	if cfg.OrderRateLimit <= 0 {
		cfg.OrderRateLimit = 1
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 24 * time.Hour
	}
	if cfg.ChannelCleanupDelay <= 0 {
		cfg.ChannelCleanupDelay = time.Hour
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		db:          d.DB,
		sessions:    d.Sessions,
		limiter:     d.Limiter,
		provisioner: d.Provisioner,
		health:      d.Health,
		channels:    d.Channels,
		revenue:     d.Revenue,
		events:      d.Events,
		metrics:     d.Metrics,
		log:         logger.OrNop(d.Log),
		now:         d.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sessions == nil {
		e.sessions = session.NewManager(d.DB, e.now, d.Log)
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(e.now)
	}
	if e.channels == nil {
		e.channels = nopChannels{}
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	return e
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// NewOrderID returns ORD-<yyyymmdd>-<10 chars of a ULID's random part>.
func NewOrderID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return "ORD-" + now.UTC().Format("20060102") + "-" + id[len(id)-10:]
}

// ConnectionLink is the vless descriptor handed to the user.
func ConnectionLink(clientUUID, endpoint, orderID string) string {
	return "vless://" + clientUUID + "@" + endpoint + "?security=tls&type=tcp#" + orderID
}

func (e *Engine) fail(op string, err error, fields ...zap.Field) error {
	kind := Kind(err)
	e.metrics.LifecycleError(op, kind)
	fields = append(fields, zap.String("action", op), zap.String("kind", kind), zap.Error(err))
	if kind == "internal" || strings.HasPrefix(kind, "provisioning") {
		e.log.Error("lifecycle operation failed", fields...)
	} else {
		e.log.Info("lifecycle operation rejected", fields...)
	}
	return err
}

// eventTimeout bounds a publish on the interactive path.
const eventTimeout = 3 * time.Second

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.At = e.clock()
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish failed", zap.String("event", ev.Type), zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}

func (e *Engine) notifyUser(ctx context.Context, platformID int64, text string) {
	if err := e.channels.NotifyUser(ctx, platformID, text); err != nil {
		e.log.Warn("user notification failed", zap.Int64("platform_id", platformID), zap.Error(err))
	}
}

func (e *Engine) markRevenueStale() {
	if e.revenue != nil {
		e.revenue.MarkStale()
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type nopChannels struct{}

func (nopChannels) OpenOrderChannel(context.Context, int64, string) (string, error) { return "", nil }
func (nopChannels) SetUserWriteAccess(context.Context, string, int64, bool) error  { return nil }
func (nopChannels) NotifyReviewers(context.Context, ReviewRequest) error           { return nil }
func (nopChannels) NotifyUser(context.Context, int64, string) error                { return nil }
func (nopChannels) CloseChannel(context.Context, string) error                     { return nil }
