package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"VPN-Storefront-bot/config"
	"VPN-Storefront-bot/internal/admin"
	"VPN-Storefront-bot/internal/bot"
	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/httpapi"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/ratelimit"
	"VPN-Storefront-bot/internal/revenue"
	"VPN-Storefront-bot/internal/services"
	"VPN-Storefront-bot/internal/session"
)

func main() {
	config.LoadConfig()
	cfg := config.AppCfg

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logger.Init(zl)
	defer func() { _ = zl.Sync() }()

	db.InitDB(cfg.DatabaseURL)

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		zl.Fatal("failed to create bot", zap.Error(err))
	}
	notifier := logger.InitNotifier(botapi, cfg.OpsChatID)

	m := metrics.Default()
	health := provisioning.NewHealthState(m)
	panel, err := provisioning.New(provisioning.Config{
		BaseURL:   cfg.PanelURL,
		Username:  cfg.PanelUsername,
		Password:  cfg.PanelPassword,
		APISecret: cfg.PanelAPISecret,
		Timeout:   cfg.ProvisionTimeout,
	}, zl.Named("panel"), m)
	if err != nil {
		zl.Fatal("provisioning client", zap.Error(err))
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		publisher = events.NewAMQPPublisher(cfg.AMQPURL, zl.Named("events"))
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
	}

	rev := revenue.New(db.DB, time.Now, zl.Named("revenue"))
	sessions := session.NewManager(db.DB, time.Now, zl.Named("session"))
	limiter := ratelimit.New(time.Now)
	channels := bot.NewChannels(botapi, cfg.ReviewChatID, zl.Named("channels"))

	engine := lifecycle.New(lifecycle.Config{
		OrderRateLimit:      cfg.OrderRateLimit,
		PaymentWindow:       cfg.PaymentWindow,
		ChannelCleanupDelay: cfg.ChannelCleanup,
		ProvisionTimeout:    cfg.ProvisionTimeout,
		Wallets:             cfg.Wallets,
		WalletReceiver:      cfg.WalletReceiver,
	}, lifecycle.Deps{
		DB:          db.DB,
		Sessions:    sessions,
		Limiter:     limiter,
		Provisioner: panel,
		Health:      health,
		Channels:    channels,
		Revenue:     rev,
		Events:      publisher,
		Metrics:     m,
		Log:         zl.Named("lifecycle"),
	})

	board := services.NewStatusBoard(notifier, zl.Named("servers"), time.Now)
	backuper := admin.NewBackuper(db.DB, cfg.DatabaseURL, cfg.BackupDir, zl.Named("backup"))
	adminHandler := admin.NewHandler(botapi, db.DB, engine, rev, board, backuper, cfg.AdminIDs, zl.Named("admin"))
	storefront := bot.New(botapi, engine, channels, adminHandler, limiter, m, zl.Named("bot"))

	monitors := services.NewMonitors(engine, panel, health, notifier, m, zl.Named("monitors"))
	scheduler := services.NewScheduler(ratelimit.NewLocker(rdb), notifier, m, zl.Named("scheduler"))
	for _, job := range services.Jobs(cfg.Schedules, monitors, engine, services.Housekeeping{
		Revenue:  rev,
		Sessions: sessions,
		Limiter:  limiter,
		Board:    board,
		Backup:   backuper.Job,
	}) {
		if err := scheduler.Add(job); err != nil {
			zl.Fatal("schedule job", zap.String("job", job.Name), zap.Error(err))
		}
	}
	scheduler.Start()

	api := httpapi.NewServer(cfg.HTTPAddr, httpapi.Deps{
		DB:       db.DB,
		Health:   health,
		Revenue:  rev,
		Gatherer: prometheus.DefaultGatherer,
		Log:      zl.Named("http"),
	})
	go func() {
		if err := api.Run(); err != nil {
			zl.Error("http server stopped", zap.Error(err))
			notifier.Alert("HTTP server stopped: " + err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := botapi.GetUpdatesChan(u)
	zl.Info("bot started", zap.String("username", botapi.Self.UserName))
	storefront.Run(ctx, updates)

	zl.Info("shutting down")
	botapi.StopReceivingUpdates()
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
}
