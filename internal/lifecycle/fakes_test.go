package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/events"
	"VPN-Storefront-bot/internal/lifecycle"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/session"
	"VPN-Storefront-bot/internal/testutil"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvisioner struct {
	mu        sync.Mutex
	created   []provisioning.NewAccount
	updates   []provisioning.Patch
	deleted   []string
	stats     map[string]*provisioning.Stats
	createErr error
	updateErr error
	onCreate  func()
	// lostReplies makes the next creates succeed on the panel but fail for the caller.
	lostReplies int
}

var errDuplicateEmail = errors.New("panel: duplicate email")

func (f *fakeProvisioner) CreateAccount(_ context.Context, acc provisioning.NewAccount) error {
	f.mu.Lock()
	hook := f.onCreate
	err := f.createErr
	if err == nil && f.liveEmail(acc.Email) {
		err = errDuplicateEmail
	}
	if err == nil {
		f.created = append(f.created, acc)
		if f.lostReplies > 0 {
			f.lostReplies--
			err = context.DeadlineExceeded
		}
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// liveEmail reports whether a created and not deleted client uses email.
func (f *fakeProvisioner) liveEmail(email string) bool {
	for _, c := range f.created {
		if c.Email != email {
			continue
		}
		gone := false
		for _, id := range f.deleted {
			if id == c.UUID {
				gone = true
			}
		}
		if !gone {
			return true
		}
	}
	return false
}

// live counts created clients that were not deleted.
func (f *fakeProvisioner) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		if f.liveEmail(c.Email) {
			n++
		}
	}
	return n
}

func (f *fakeProvisioner) UpdateAccount(_ context.Context, _ int, _ string, p provisioning.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, p)
	return nil
}

func (f *fakeProvisioner) DeleteAccount(_ context.Context, _ int, clientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, clientID)
	return true, nil
}

func (f *fakeProvisioner) GetAccountStats(_ context.Context, _ int, email string) (*provisioning.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[email], nil
}

func (f *fakeProvisioner) Health(context.Context) bool { return true }

type fakeChannels struct {
	mu       sync.Mutex
	writable map[int64]bool
	reviews  []lifecycle.ReviewRequest
	messages map[int64][]string
	closed   []string
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{writable: map[int64]bool{}, messages: map[int64][]string{}}
}

func (f *fakeChannels) OpenOrderChannel(_ context.Context, platformID int64, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writable[platformID] = true
	return "chat-" + orderID, nil
}

func (f *fakeChannels) SetUserWriteAccess(_ context.Context, _ string, platformID int64, allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writable[platformID] = allowed
	return nil
}

func (f *fakeChannels) NotifyReviewers(_ context.Context, req lifecycle.ReviewRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, req)
	return nil
}

func (f *fakeChannels) NotifyUser(_ context.Context, platformID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[platformID] = append(f.messages[platformID], text)
	return nil
}

func (f *fakeChannels) CloseChannel(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, ref)
	return nil
}

func (f *fakeChannels) messageCount(platformID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[platformID])
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []events.Event
	unbounded int // publishes whose context carried no deadline
}

func (f *fakePublisher) Publish(ctx context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > 5*time.Second {
		f.unbounded++
	}
	return errors.New("broker down is not fatal")
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type staleCounter struct {
	mu sync.Mutex
	n  int
}

func (s *staleCounter) MarkStale() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

type harness struct {
	eng      *lifecycle.Engine
	db       *gorm.DB
	clock    *clock
	prov     *fakeProvisioner
	channels *fakeChannels
	pub      *fakePublisher
	revenue  *staleCounter
	health   *provisioning.HealthState
	sessions *session.Manager
	logs     *observer.ObservedLogs
}

const adminID = int64(900)

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.NewDB(t)
	h := &harness{
		db:       gdb,
		clock:    &clock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
		prov:     &fakeProvisioner{stats: map[string]*provisioning.Stats{}},
		channels: newFakeChannels(),
		pub:      &fakePublisher{},
		revenue:  &staleCounter{},
		health:   provisioning.NewHealthState(nil),
	}
	core, logs := observer.New(zap.InfoLevel)
	h.logs = logs
	h.sessions = session.NewManager(gdb, h.clock.Now, nil)
	h.eng = lifecycle.New(lifecycle.Config{
		OrderRateLimit: 5,
		Wallets:        map[string]string{"INSTAPAY": "shop@instapay"},
		WalletReceiver: "VPN Shop",
	}, lifecycle.Deps{
		DB:          gdb,
		Sessions:    h.sessions,
		Provisioner: h.prov,
		Health:      h.health,
		Channels:    h.channels,
		Revenue:     h.revenue,
		Events:      h.pub,
		Log:         zap.New(core),
		Now:         h.clock.Now,
	})
	return h
}

func (h *harness) plan(t *testing.T) db.Plan {
	t.Helper()
	p, err := h.eng.AddPlan(context.Background(), adminID, "Monthly", 30, 50, decimal.NewFromInt(100))
	require.NoError(t, err)
	return p
}

func (h *harness) server(t *testing.T, name string, capacity, load int) db.Server {
	t.Helper()
	s := db.Server{Name: name, Endpoint: name + ".example.com:443", InboundID: 1, Capacity: capacity, CurrentLoad: load, Status: db.ServerActive}
	require.NoError(t, h.db.Create(&s).Error)
	return s
}

// reviewOrder walks a fresh order for platformID up to WAITING_REVIEW.
func (h *harness) reviewOrder(t *testing.T, platformID int64, planID uint, hash string) db.Order {
	t.Helper()
	ctx := context.Background()
	order, err := h.eng.CreateOrder(ctx, platformID, "user", planID)
	require.NoError(t, err)
	_, err = h.eng.SelectPaymentMethod(ctx, platformID, order.OrderID, "INSTAPAY")
	require.NoError(t, err)
	order, err = h.eng.SubmitPaymentEvidence(ctx, platformID, order.OrderID, "file-"+hash, hash)
	require.NoError(t, err)
	return order
}

func (h *harness) approve(t *testing.T, orderID string) lifecycle.Approval {
	t.Helper()
	token, err := h.eng.RequestApproval(context.Background(), adminID, orderID)
	require.NoError(t, err)
	res, err := h.eng.Approve(context.Background(), token, adminID)
	require.NoError(t, err)
	return res
}

func (h *harness) status(t *testing.T, orderID string) string {
	t.Helper()
	o, err := h.eng.Order(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}
