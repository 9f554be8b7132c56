package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
	"VPN-Storefront-bot/internal/provisioning"
)

// Engine is the part of the lifecycle engine the monitors drive.
type Engine interface {
	ExpiredAccounts(ctx context.Context) ([]db.Account, error)
	ExpireAccount(ctx context.Context, accountID uint) error
	RemindExpiring(ctx context.Context) (int, error)
	ActiveAccounts(ctx context.Context) ([]db.Account, error)
	RefreshTraffic(ctx context.Context, accountID uint) (lifecycle.TrafficOutcome, error)
	OverduePaymentOrders(ctx context.Context) ([]db.Order, error)
	Expire(ctx context.Context, orderID string) (db.Order, error)
	SweepChannels(ctx context.Context) (int, error)
	ListServers(ctx context.Context) ([]db.Server, error)
}

// Prober answers whether the provisioning panel is reachable.
type Prober interface {
	Health(ctx context.Context) bool
}

// Monitors holds the periodic policy checks. Every method is one tick.
type Monitors struct {
	engine   Engine
	prober   Prober
	health   *provisioning.HealthState
	notifier *logger.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewMonitors(engine Engine, prober Prober, health *provisioning.HealthState, notifier *logger.Notifier, m *metrics.Metrics, log *zap.Logger) *Monitors {
	return &Monitors{
		engine:   engine,
		prober:   prober,
		health:   health,
		notifier: notifier,
		metrics:  m,
		log:      logger.OrNop(log),
	}
}

// tally collects per-item failures of one tick.
type tally struct {
	job    string
	total  int
	failed []error
}

func (t *tally) add(err error) {
	t.failed = append(t.failed, err)
}

func (t *tally) err() error {
	if len(t.failed) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d of %d items failed: %w", t.job, len(t.failed), t.total, errors.Join(t.failed...))
}

// skippable reports errors meaning another actor already handled the item.
func skippable(err error) bool {
	return errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrNotFound)
}

// CheckExpiry disables accounts past their expiry and reminds owners of accounts
// expiring within a day.
func (m *Monitors) CheckExpiry(ctx context.Context) error {
	const job = "expiry"
	accs, err := m.engine.ExpiredAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%s: list: %w", job, err)
	}
	t := tally{job: job, total: len(accs)}
	expired := 0
	for _, acc := range accs {
		if err := ctx.Err(); err != nil {
			t.add(err)
			break
		}
		switch err := m.engine.ExpireAccount(ctx, acc.ID); {
		case err == nil:
			expired++
		case skippable(err):
		default:
			t.add(fmt.Errorf("account %d: %w", acc.ID, err))
		}
	}
	reminded, rerr := m.engine.RemindExpiring(ctx)
	if rerr != nil {
		t.add(fmt.Errorf("reminders: %w", rerr))
	}
	m.metrics.JobItems(job, "expired", expired)
	m.metrics.JobItems(job, "reminded", reminded)
	m.log.Info("expiry check", zap.String("job", job), zap.Int("expired", expired), zap.Int("reminded", reminded), zap.Int("failed", len(t.failed)))
	return t.err()
}

// CheckTraffic refreshes usage for every active account, warning at 90% and
// suspending at 100%.
func (m *Monitors) CheckTraffic(ctx context.Context) error {
	const job = "traffic"
	accs, err := m.engine.ActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%s: list: %w", job, err)
	}
	t := tally{job: job, total: len(accs)}
	var warned, suspended int
	for _, acc := range accs {
		if err := ctx.Err(); err != nil {
			t.add(err)
			break
		}
		out, err := m.engine.RefreshTraffic(ctx, acc.ID)
		if err != nil {
			if !skippable(err) {
				t.add(fmt.Errorf("account %d: %w", acc.ID, err))
			}
			continue
		}
		switch out {
		case lifecycle.TrafficWarned:
			warned++
		case lifecycle.TrafficSuspended:
			suspended++
		}
	}
	m.metrics.JobItems(job, "warned", warned)
	m.metrics.JobItems(job, "suspended", suspended)
	m.log.Info("traffic check", zap.String("job", job), zap.Int("checked", len(accs)), zap.Int("warned", warned), zap.Int("suspended", suspended), zap.Int("failed", len(t.failed)))
	return t.err()
}

// ExpireOrders expires WAITING_PAYMENT orders whose payment deadline passed.
func (m *Monitors) ExpireOrders(ctx context.Context) error {
	const job = "order_timeout"
	orders, err := m.engine.OverduePaymentOrders(ctx)
	if err != nil {
		return fmt.Errorf("%s: list: %w", job, err)
	}
	t := tally{job: job, total: len(orders)}
	expired := 0
	for _, o := range orders {
		switch _, err := m.engine.Expire(ctx, o.OrderID); {
		case err == nil:
			expired++
		case skippable(err):
		default:
			t.add(fmt.Errorf("order %s: %w", o.OrderID, err))
		}
	}
	m.metrics.JobItems(job, "expired", expired)
	m.log.Info("order timeout check", zap.String("job", job), zap.Int("expired", expired), zap.Int("failed", len(t.failed)))
	return t.err()
}

// SweepChannels closes order channels whose cleanup delay elapsed.
func (m *Monitors) SweepChannels(ctx context.Context) error {
	closed, err := m.engine.SweepChannels(ctx)
	m.metrics.JobItems("channel_sweep", "closed", closed)
	if closed > 0 {
		m.log.Info("order channels closed", zap.String("job", "channel_sweep"), zap.Int("closed", closed))
	}
	return err
}

// CheckHealth probes the panel once and alerts when the shared flag flips.
func (m *Monitors) CheckHealth(ctx context.Context) error {
	ok := m.prober.Health(ctx)
	if !m.health.Record(ok) {
		if !ok {
			m.log.Warn("provisioning probe failed", zap.Int("consecutive", m.health.Failures()))
		}
		return nil
	}
	if ok {
		m.log.Info("provisioning panel recovered")
		m.notifier.Alert("Provisioning panel is reachable again; approvals resumed.")
		return nil
	}
	m.log.Error("provisioning panel marked down", zap.Int("consecutive", m.health.Failures()))
	m.notifier.Alert(fmt.Sprintf("Provisioning panel failed %d health checks in a row; approvals are paused.", m.health.Failures()))
	return nil
}
