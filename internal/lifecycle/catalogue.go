package lifecycle

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/db"
)

func (e *Engine) AddPlan(ctx context.Context, adminID int64, name string, days, trafficGB int, price decimal.Decimal) (db.Plan, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return db.Plan{}, invalid("Plan name is required.")
	case days <= 0:
		return db.Plan{}, invalid("Duration must be a positive number of days.")
	case trafficGB <= 0:
		return db.Plan{}, invalid("Traffic must be a positive number of GB.")
	case !price.IsPositive():
		return db.Plan{}, invalid("Price must be positive.")
	}
	plan := db.Plan{Name: name, DurationDays: days, TrafficGB: trafficGB, Price: price.Round(2), Active: true}
	if err := e.db.WithContext(ctx).Create(&plan).Error; err != nil {
		return db.Plan{}, err
	}
	e.log.Info("plan added", zap.Int64("actor", adminID), zap.Uint("plan_id", plan.ID), zap.String("name", name))
	return plan, nil
}

func (e *Engine) ListActivePlans(ctx context.Context) ([]db.Plan, error) {
	var plans []db.Plan
	err := e.db.WithContext(ctx).Where("active = ?", true).Order("price, id").Find(&plans).Error
	return plans, err
}

// DeactivatePlan hides a plan from new orders. Existing orders keep their copied terms.
func (e *Engine) DeactivatePlan(ctx context.Context, planID uint) error {
	res := e.db.WithContext(ctx).Model(&db.Plan{}).Where("id = ?", planID).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (e *Engine) AddServer(ctx context.Context, adminID int64, name, endpoint string, inboundID, capacity int) (db.Server, error) {
	name, endpoint = strings.TrimSpace(name), strings.TrimSpace(endpoint)
	switch {
	case name == "" || endpoint == "":
		return db.Server{}, invalid("Server name and endpoint are required.")
	case !strings.Contains(endpoint, ":"):
		return db.Server{}, invalid("Endpoint must be host:port.")
	case inboundID <= 0:
		return db.Server{}, invalid("Inbound id must be positive.")
	case capacity <= 0:
		return db.Server{}, invalid("Capacity must be positive.")
	}
	srv := db.Server{Name: name, Endpoint: endpoint, InboundID: inboundID, Capacity: capacity, Status: db.ServerActive}
	if err := e.db.WithContext(ctx).Create(&srv).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return db.Server{}, ErrConflict
		}
		return db.Server{}, err
	}
	e.log.Info("server added", zap.Int64("actor", adminID), zap.String("server", name))
	return srv, nil
}

func (e *Engine) ListServers(ctx context.Context) ([]db.Server, error) {
	var servers []db.Server
	err := e.db.WithContext(ctx).Order("id").Find(&servers).Error
	return servers, err
}

func (e *Engine) SetServerStatus(ctx context.Context, serverID uint, status string) error {
	switch status {
	case db.ServerActive, db.ServerMaintenance, db.ServerOffline:
	default:
		return invalid("Unknown server status %q.", status)
	}
	res := e.db.WithContext(ctx).Model(&db.Server{}).Where("id = ?", serverID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
