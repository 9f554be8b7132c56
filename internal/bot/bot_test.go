package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/admin"
	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/ratelimit"
	"VPN-Storefront-bot/internal/revenue"
	"VPN-Storefront-bot/internal/services"
	"VPN-Storefront-bot/internal/testutil"
)

const (
	adminID      = int64(1)
	reviewChatID = int64(-100)
	customerID   = int64(42)
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

type fakeAPI struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	callbacks []string
	fileURL   string
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.callbacks = append(f.callbacks, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	return f.fileURL + "/" + fileID, nil
}

// lastTo is the latest text message sent to chatID.
func (f *fakeAPI) lastTo(chatID int64) tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if m, ok := f.sent[i].(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			return m
		}
	}
	return tgbotapi.MessageConfig{}
}

func (f *fakeAPI) lastCallback() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.callbacks) == 0 {
		return ""
	}
	return f.callbacks[len(f.callbacks)-1]
}

func (f *fakeAPI) photos() []tgbotapi.PhotoConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.PhotoConfig
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

type okPanel struct {
	mu      sync.Mutex
	created int
}

func (p *okPanel) CreateAccount(context.Context, provisioning.NewAccount) error {
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return nil
}
func (p *okPanel) UpdateAccount(context.Context, int, string, provisioning.Patch) error { return nil }
func (p *okPanel) DeleteAccount(context.Context, int, string) (bool, error) { return true, nil }
func (p *okPanel) GetAccountStats(context.Context, int, string) (*provisioning.Stats, error) {
	return nil, nil
}
func (p *okPanel) Health(context.Context) bool { return true }

type world struct {
	bot   *Bot
	api   *fakeAPI
	db    *gorm.DB
	eng   *lifecycle.Engine
	panel *okPanel
	plan  db.Plan
}

func newWorld(t *testing.T) *world {
	t.Helper()
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/text-file") {
			_, _ = w.Write([]byte("just some text"))
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(files.Close)

	gdb := testutil.NewDB(t)
	now := func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	api := &fakeAPI{fileURL: files.URL}
	channels := NewChannels(api, reviewChatID, nil)
	panel := &okPanel{}
	limiter := ratelimit.New(now)
	eng := lifecycle.New(lifecycle.Config{
		OrderRateLimit: 3,
		Wallets:        map[string]string{"VODAFONE": "01000000000"},
	}, lifecycle.Deps{
		DB:          gdb,
		Limiter:     limiter,
		Provisioner: panel,
		Health:      provisioning.NewHealthState(nil),
		Channels:    channels,
		Now:         now,
	})
	adm := admin.NewHandler(api, gdb, eng, revenue.New(gdb, now, nil), services.NewStatusBoard(nil, nil, now), nil, []int64{adminID}, nil)

	ctx := context.Background()
	plan, err := eng.AddPlan(ctx, adminID, "Monthly", 30, 50, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = eng.AddServer(ctx, adminID, "eu-1", "eu.example.com:443", 1, 10)
	require.NoError(t, err)

	return &world{
		bot:   New(api, eng, channels, adm, limiter, nil, nil),
		api:   api,
		db:    gdb,
		eng:   eng,
		panel: panel,
		plan:  plan,
	}
}

func privateChat(id int64) *tgbotapi.Chat { return &tgbotapi.Chat{ID: id, Type: "private"} }

func commandUpdate(from int64, text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		From:     &tgbotapi.User{ID: from, FirstName: "Test"},
		Chat:     privateChat(from),
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func textUpdate(from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{Text: text, From: &tgbotapi.User{ID: from}, Chat: privateChat(from)}}
}

func photoUpdate(from int64, fileID string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: from},
		Chat: privateChat(from),
		Photo: []tgbotapi.PhotoSize{
			{FileID: "thumb", Width: 90, Height: 160, FileSize: 1000},
			{FileID: fileID, Width: 720, Height: 1280, FileSize: 90000},
		},
	}}
}

func callbackUpdate(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from, FirstName: "Test"},
		Message: &tgbotapi.Message{Chat: privateChat(from)},
		Data:    data,
	}}
}

func callbackData(t *testing.T, m tgbotapi.MessageConfig) string {
	t.Helper()
	kb, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "message %q has no inline keyboard", m.Text)
	require.NotEmpty(t, kb.InlineKeyboard)
	return *kb.InlineKeyboard[0][0].CallbackData
}

// waitingPayment drives the customer through plan and method selection.
func (w *world) waitingPayment(t *testing.T, ctx context.Context) db.Order {
	t.Helper()
	w.bot.HandleUpdate(ctx, callbackUpdate(customerID, cbPlan+"1"))
	order, found, err := w.eng.ActiveOrder(ctx, customerID)
	require.NoError(t, err)
	require.True(t, found)
	w.bot.HandleUpdate(ctx, callbackUpdate(customerID, cbPay+"VODAFONE_"+order.OrderID))
	order, err = w.eng.Order(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, db.OrderWaitingPayment, order.Status)
	return order
}

func TestPurchaseAndApprovalFlow(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/start"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "Welcome")

	w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/plans"))
	assert.Equal(t, cbPlan+"1", callbackData(t, w.api.lastTo(customerID)))

	order := w.waitingPayment(t, ctx)
	assert.Contains(t, w.api.lastTo(customerID).Text, "Send to: 01000000000")
	assert.Contains(t, w.api.lastTo(customerID).Text, "100.00 EGP")

	w.bot.HandleUpdate(ctx, photoUpdate(customerID, "receipt"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "received")
	assert.False(t, w.bot.channels.Writable(customerID))

	photos := w.api.photos()
	require.Len(t, photos, 1)
	assert.Equal(t, reviewChatID, photos[0].ChatID)
	assert.Contains(t, photos[0].Caption, order.OrderID)
	assert.Equal(t, tgbotapi.FileID("receipt"), photos[0].File)

	w.bot.HandleUpdate(ctx, textUpdate(customerID, "is it done?"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "under review")

	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, cbReviewApprove+order.OrderID))
	confirm := callbackData(t, w.api.lastTo(adminID))
	require.True(t, strings.HasPrefix(confirm, cbConfirmApprove))

	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, confirm))
	assert.Equal(t, "Approved", w.api.lastCallback())
	assert.Contains(t, w.api.lastTo(adminID).Text, "approved on eu-1")
	assert.Contains(t, w.api.lastTo(customerID).Text, "Connection link")
	assert.True(t, w.bot.channels.Writable(customerID))
	assert.Equal(t, 1, w.panel.created)

	got, err := w.eng.Order(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderApproved, got.Status)

	// the token is single use
	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, confirm))
	assert.Equal(t, "Approval failed", w.api.lastCallback())

	w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/account"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "vless://")
}

func TestDeclineAsksForReason(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	order := w.waitingPayment(t, ctx)
	w.bot.HandleUpdate(ctx, photoUpdate(customerID, "receipt"))

	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, cbReviewDecline+order.OrderID))
	assert.Contains(t, w.api.lastTo(adminID).Text, "reason")

	w.bot.HandleUpdate(ctx, textUpdate(adminID, "amount does not match"))
	confirm := callbackData(t, w.api.lastTo(adminID))
	require.True(t, strings.HasPrefix(confirm, cbConfirmDecline))

	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, confirm))
	assert.Equal(t, "Declined", w.api.lastCallback())
	assert.Contains(t, w.api.lastTo(customerID).Text, "amount does not match")

	got, err := w.eng.Order(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderDeclined, got.Status)
	assert.Equal(t, "amount does not match", got.DeclineReason)
}

func TestCancelDropsPendingDecline(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	order := w.waitingPayment(t, ctx)
	w.bot.HandleUpdate(ctx, photoUpdate(customerID, "receipt"))

	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, cbReviewDecline+order.OrderID))
	w.bot.HandleUpdate(ctx, callbackUpdate(adminID, cbCancel))
	w.bot.HandleUpdate(ctx, textUpdate(adminID, "some chatter"))

	got, err := w.eng.Order(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderWaitingReview, got.Status)
	assert.NotContains(t, w.api.lastTo(adminID).Text, "Decline order")
}

func TestReviewButtonsAreAdminOnly(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	order := w.waitingPayment(t, ctx)
	w.bot.HandleUpdate(ctx, photoUpdate(customerID, "receipt"))

	w.bot.HandleUpdate(ctx, callbackUpdate(customerID, cbReviewApprove+order.OrderID))
	assert.Equal(t, "Admins only", w.api.lastCallback())
	w.bot.HandleUpdate(ctx, callbackUpdate(customerID, cbConfirmApprove+"forged"))
	assert.Equal(t, "Admins only", w.api.lastCallback())
	assert.Zero(t, w.panel.created)
}

func TestEvidenceWithoutOrder(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.bot.HandleUpdate(ctx, photoUpdate(customerID, "receipt"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "no order waiting for payment")
	assert.Empty(t, w.api.photos())
}

func TestEvidenceMustBeImage(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	order := w.waitingPayment(t, ctx)

	w.bot.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: customerID},
		Chat:     privateChat(customerID),
		Document: &tgbotapi.Document{FileID: "text-file", FileName: "receipt.txt"},
	}})
	assert.Contains(t, w.api.lastTo(customerID).Text, "PNG or JPEG")

	got, err := w.eng.Order(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderWaitingPayment, got.Status)
	assert.True(t, w.bot.channels.Writable(customerID))
}

func TestSecondOrderIsRefused(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.waitingPayment(t, ctx)

	w.bot.HandleUpdate(ctx, callbackUpdate(customerID, cbPlan+"1"))
	assert.Equal(t, "Order not created", w.api.lastCallback())
	assert.NotEmpty(t, w.api.lastTo(customerID).Text)
}

func TestCommandRateLimit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	for i := 0; i < commandLimit; i++ {
		w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/help"))
		assert.Contains(t, w.api.lastTo(customerID).Text, "Commands:")
	}
	w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/help"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "slow down")

	for i := 0; i < commandLimit+2; i++ {
		w.bot.HandleUpdate(ctx, commandUpdate(adminID, "/help"))
	}
	assert.Contains(t, w.api.lastTo(adminID).Text, "Commands:")
}

func TestAdminCommandsAreDelegated(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.bot.HandleUpdate(ctx, commandUpdate(adminID, "/admin_plans"))
	assert.Contains(t, w.api.lastTo(adminID).Text, "Monthly")

	w.bot.HandleUpdate(ctx, commandUpdate(customerID, "/admin_plans"))
	assert.Contains(t, w.api.lastTo(customerID).Text, "Unknown command")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan tgbotapi.Update, 1)
	updates <- commandUpdate(customerID, "/help")

	done := make(chan struct{})
	go func() {
		w.bot.Run(ctx, updates)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(w.api.lastTo(customerID).Text, "Commands:")
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	w := newWorld(t)
	w.bot.engine = nil
	assert.NotPanics(t, func() {
		w.bot.HandleUpdate(context.Background(), commandUpdate(customerID, "/plans"))
	})
}
