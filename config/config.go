package config

import (
	"errors"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken       string
	AdminIDs       []int64
	ReviewChatID   int64
	OpsChatID      int64
	DatabaseURL    string
	PanelURL       string
	PanelUsername  string
	PanelPassword  string
	PanelAPISecret string
	HTTPAddr       string
	RedisAddr      string
	AMQPURL        string
	LogLevel       string
	LogFormat      string
	BackupDir      string

	OrderRateLimit   int
	PaymentWindow    time.Duration
	ChannelCleanup   time.Duration
	ProvisionTimeout time.Duration

	Wallets        map[string]string
	WalletReceiver string

	Schedules Schedules
}

// Schedules holds cron specs for the background jobs.
type Schedules struct {
	Expiry         string
	Traffic        string
	OrderTimeout   string
	Health         string
	Revenue        string
	SessionCleanup string
	ChannelSweep   string
	Backup         string
}

var AppCfg AppConfig

var paymentMethods = []string{"VODAFONE", "ORANGE", "ETISALAT", "WE", "INSTAPAY"}

// Load reads .env (if present) and the environment.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	cfg := AppConfig{
		BotToken:       os.Getenv("BOT_TOKEN"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		PanelURL:       strings.TrimRight(os.Getenv("PANEL_URL"), "/"),
		PanelUsername:  os.Getenv("PANEL_USERNAME"),
		PanelPassword:  os.Getenv("PANEL_PASSWORD"),
		PanelAPISecret: os.Getenv("PANEL_API_SECRET"),
		HTTPAddr:       envStr("HTTP_ADDR", ":8080"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		LogFormat:      envStr("LOG_FORMAT", "json"),
		BackupDir:      envStr("BACKUP_DIR", "backups"),

		OrderRateLimit:   envInt("ORDER_RATE_LIMIT", 1),
		PaymentWindow:    envDur("PAYMENT_WINDOW", 24*time.Hour),
		ChannelCleanup:   envDur("CHANNEL_CLEANUP_DELAY", time.Hour),
		ProvisionTimeout: envDur("PROVISION_TIMEOUT", 10*time.Second),

		Wallets:        make(map[string]string, len(paymentMethods)),
		WalletReceiver: os.Getenv("WALLET_RECEIVER"),

		Schedules: Schedules{
			Expiry:         envStr("CRON_EXPIRY", "0 * * * *"),
			Traffic:        envStr("CRON_TRAFFIC", "0 */6 * * *"),
			OrderTimeout:   envStr("CRON_ORDER_TIMEOUT", "*/30 * * * *"),
			Health:         envStr("CRON_HEALTH", "*/5 * * * *"),
			Revenue:        envStr("CRON_REVENUE", "*/10 * * * *"),
			SessionCleanup: envStr("CRON_SESSION_CLEANUP", "*/15 * * * *"),
			ChannelSweep:   envStr("CRON_CHANNEL_SWEEP", "*/5 * * * *"),
			Backup:         envStr("CRON_BACKUP", "0 3 * * *"),
		},
	}
	for _, m := range paymentMethods {
		cfg.Wallets[m] = os.Getenv("WALLET_" + m)
	}

	var missing []string
	for key, val := range map[string]string{
		"BOT_TOKEN":          cfg.BotToken,
		"DATABASE_URL":       cfg.DatabaseURL,
		"PANEL_URL":          cfg.PanelURL,
		"ADMIN_TELEGRAM_IDS": os.Getenv("ADMIN_TELEGRAM_IDS"),
	} {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cfg, errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	ids, err := parseIDs(os.Getenv("ADMIN_TELEGRAM_IDS"))
	if err != nil {
		return cfg, err
	}
	cfg.AdminIDs = ids
	cfg.ReviewChatID = envInt64("REVIEW_CHAT_ID", ids[0])
	cfg.OpsChatID = envInt64("OPS_CHAT_ID", cfg.ReviewChatID)
	return cfg, nil
}

// LoadConfig fills AppCfg and exits the process when the configuration is unusable.
func LoadConfig() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Critical configuration error: %v. Bot will exit.", err)
	}
	AppCfg = cfg
}

// IsAdmin reports whether the telegram user id is in the admin pool.
func (c AppConfig) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.New("ADMIN_TELEGRAM_IDS: invalid id " + strconv.Quote(part))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("ADMIN_TELEGRAM_IDS: no ids")
	}
	return ids, nil
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envInt64(k string, d int64) int64 {
	if n, err := strconv.ParseInt(os.Getenv(k), 10, 64); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}
