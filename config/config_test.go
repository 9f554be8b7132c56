package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReportsEveryMissingKey(t *testing.T) {
	for _, k := range []string{"BOT_TOKEN", "DATABASE_URL", "PANEL_URL", "ADMIN_TELEGRAM_IDS"} {
		t.Setenv(k, "")
	}
	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "missing required environment variables: ADMIN_TELEGRAM_IDS, BOT_TOKEN, DATABASE_URL, PANEL_URL", err.Error())
}

func TestLoadDefaultsAndAdmins(t *testing.T) {
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("DATABASE_URL", "sqlite://bot.db")
	t.Setenv("PANEL_URL", "https://panel.example.com/")
	t.Setenv("ADMIN_TELEGRAM_IDS", "111, 222")
	t.Setenv("REVIEW_CHAT_ID", "")
	t.Setenv("OPS_CHAT_ID", "-100500")
	t.Setenv("WALLET_INSTAPAY", "user@instapay")
	t.Setenv("PAYMENT_WINDOW", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{111, 222}, cfg.AdminIDs)
	assert.Equal(t, int64(111), cfg.ReviewChatID)
	assert.Equal(t, int64(-100500), cfg.OpsChatID)
	assert.Equal(t, "https://panel.example.com", cfg.PanelURL)
	assert.Equal(t, "user@instapay", cfg.Wallets["INSTAPAY"])
	assert.Equal(t, 24*time.Hour, cfg.PaymentWindow)
	assert.Equal(t, "*/30 * * * *", cfg.Schedules.OrderTimeout)
	assert.True(t, cfg.IsAdmin(222))
	assert.False(t, cfg.IsAdmin(333))
}

func TestLoadRejectsBadAdminID(t *testing.T) {
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("DATABASE_URL", "sqlite://bot.db")
	t.Setenv("PANEL_URL", "https://panel.example.com")
	t.Setenv("ADMIN_TELEGRAM_IDS", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid id")
}
