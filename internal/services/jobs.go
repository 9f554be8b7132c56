package services

import (
	"context"
	"time"

	"VPN-Storefront-bot/config"
	"VPN-Storefront-bot/internal/ratelimit"
	"VPN-Storefront-bot/internal/revenue"
	"VPN-Storefront-bot/internal/session"
)

// Housekeeping bundles the small periodic chores that are not policy monitors.
type Housekeeping struct {
	Revenue  *revenue.Aggregator
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Board    *StatusBoard
	Backup   func(ctx context.Context) error
}

// Jobs lists every scheduled job with its spec from cfg.
func Jobs(cfg config.Schedules, m *Monitors, engine Engine, hk Housekeeping) []Job {
	jobs := []Job{
		{Name: "expiry", Spec: cfg.Expiry, Timeout: 10 * time.Minute, Run: m.CheckExpiry},
		{Name: "traffic", Spec: cfg.Traffic, Timeout: 30 * time.Minute, Run: m.CheckTraffic},
		{Name: "order_timeout", Spec: cfg.OrderTimeout, Timeout: 5 * time.Minute, Run: m.ExpireOrders},
		{Name: "health", Spec: cfg.Health, Timeout: time.Minute, Run: m.CheckHealth},
		{Name: "channel_sweep", Spec: cfg.ChannelSweep, Timeout: 5 * time.Minute, Run: m.SweepChannels},
	}
	if hk.Board != nil {
		jobs = append(jobs, Job{Name: "server_status", Spec: cfg.Health, Timeout: time.Minute, Run: hk.Board.RefreshJob(engine)})
	}
	if hk.Revenue != nil {
		jobs = append(jobs, Job{Name: "revenue", Spec: cfg.Revenue, Timeout: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := hk.Revenue.RefreshIfStale(ctx)
			return err
		}})
	}
	if hk.Sessions != nil || hk.Limiter != nil {
		jobs = append(jobs, Job{Name: "session_cleanup", Spec: cfg.SessionCleanup, Timeout: time.Minute, Run: func(ctx context.Context) error {
			if hk.Limiter != nil {
				hk.Limiter.Cleanup()
			}
			if hk.Sessions == nil {
				return nil
			}
			_, err := hk.Sessions.CleanupExpired(ctx)
			return err
		}})
	}
	if hk.Backup != nil {
		jobs = append(jobs, Job{Name: "backup", Spec: cfg.Backup, Timeout: 30 * time.Minute, Run: hk.Backup})
	}
	return jobs
}
