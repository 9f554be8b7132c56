package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
)

// ErrUnavailable means the panel could not be reached after all retries.
var ErrUnavailable = errors.New("provisioning panel unavailable")

// APIError is a response the panel answered but did not accept.
type APIError struct {
	Op     string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel %s: status %d: %s", e.Op, e.Status, e.Msg)
}

var defaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type Config struct {
	BaseURL   string
	Username  string
	Password  string
	APISecret string // enables HMAC gateway headers when set
	Timeout   time.Duration
}

// NewAccount describes a credential to create on an inbound.
type NewAccount struct {
	InboundID    int
	Email        string
	UUID         string
	ExpiresAt    time.Time
	TrafficBytes int64
}

// Patch is a partial client update. Nil fields are left unchanged.
type Patch struct {
	Enable       *bool
	ExpiresAt    *time.Time
	TrafficBytes *int64
}

func Disable() Patch {
	f := false
	return Patch{Enable: &f}
}

func Enable() Patch {
	t := true
	return Patch{Enable: &t}
}

func Extend(until time.Time) Patch {
	return Patch{ExpiresAt: &until}
}

func SetTraffic(bytes int64) Patch {
	return Patch{TrafficBytes: &bytes}
}

// Stats is the panel's traffic record for one client.
type Stats struct {
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
}

func (s Stats) UsedBytes() int64 { return s.Up + s.Down }

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Client talks to a 3x-ui style panel over a cookie session.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	backoff []time.Duration
	loginMu sync.Mutex
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Jar: jar},
		log:     logger.OrNop(log),
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
		backoff: defaultBackoff,
	}, nil
}

func (c *Client) CreateAccount(ctx context.Context, acc NewAccount) error {
	client := map[string]any{
		"id":         acc.UUID,
		"email":      acc.Email,
		"limitIp":    0,
		"totalGB":    acc.TrafficBytes,
		"expiryTime": acc.ExpiresAt.UnixMilli(),
		"enable":     true,
		"tgId":       "",
		"subId":      "",
	}
	body, err := inboundSettings(acc.InboundID, client)
	if err != nil {
		return err
	}
	if err := c.do(ctx, "create", http.MethodPost, "/panel/api/inbounds/addClient", body, nil, true); err != nil {
		return err
	}
	c.log.Info("client created", zap.String("email", acc.Email), zap.Int("inbound_id", acc.InboundID))
	return nil
}

func (c *Client) UpdateAccount(ctx context.Context, inboundID int, clientID string, p Patch) error {
	client := map[string]any{"id": clientID}
	if p.Enable != nil {
		client["enable"] = *p.Enable
	}
	if p.ExpiresAt != nil {
		client["expiryTime"] = p.ExpiresAt.UnixMilli()
	}
	if p.TrafficBytes != nil {
		client["totalGB"] = *p.TrafficBytes
	}
	body, err := inboundSettings(inboundID, client)
	if err != nil {
		return err
	}
	path := "/panel/api/inbounds/updateClient/" + url.PathEscape(clientID)
	return c.do(ctx, "update", http.MethodPost, path, body, nil, true)
}

// DeleteAccount returns false when the panel refused the deletion.
func (c *Client) DeleteAccount(ctx context.Context, inboundID int, clientID string) (bool, error) {
	path := "/panel/api/inbounds/" + strconv.Itoa(inboundID) + "/delClient/" + url.PathEscape(clientID)
	err := c.do(ctx, "delete", http.MethodPost, path, nil, nil, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false, nil
	}
	return err == nil, err
}

// GetAccountStats returns nil when the panel has no record for email.
func (c *Client) GetAccountStats(ctx context.Context, inboundID int, email string) (*Stats, error) {
	var stats *Stats
	path := "/panel/api/inbounds/getClientTraffics/" + url.PathEscape(email)
	if err := c.do(ctx, "stats", http.MethodGet, path, nil, &stats, true); err != nil {
		return nil, err
	}
	return stats, nil
}

// Health probes the panel once, without backoff.
func (c *Client) Health(ctx context.Context) bool {
	err := c.do(ctx, "health", http.MethodGet, "/panel/api/server/status", nil, nil, false)
	if err != nil {
		c.log.Warn("panel health probe failed", zap.Error(err))
	}
	return err == nil
}

func inboundSettings(inboundID int, client map[string]any) (map[string]any, error) {
	settings, err := json.Marshal(map[string]any{"clients": []map[string]any{client}})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": inboundID, "settings": string(settings)}, nil
}

// do runs one panel call. A 401 triggers a single re-login and replay that does not
// consume the backoff budget; transport errors are retried per c.backoff when retry is set.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, retry bool) (err error) {
	defer func() { c.metrics.ProvisionRequest(op, err) }()

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
	}
	reauthed := false
	attempt := 0
	for {
		status, env, sendErr := c.send(ctx, method, path, body)
		if sendErr != nil {
			if !retry || attempt >= len(c.backoff) || ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, sendErr)
			}
			delay := c.backoff[attempt]
			attempt++
			c.metrics.ProvisionRetry()
			c.log.Warn("panel request failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(sendErr))
			if err := c.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
			}
			continue
		}
		if status == http.StatusUnauthorized && !reauthed {
			reauthed = true
			if err := c.login(ctx); err != nil {
				return err
			}
			continue
		}
		if status != http.StatusOK || !env.Success {
			return &APIError{Op: op, Status: status, Msg: env.Msg}
		}
		if out != nil && len(env.Obj) > 0 {
			if err := json.Unmarshal(env.Obj, out); err != nil {
				return fmt.Errorf("decode %s: %w", op, err)
			}
		}
		return nil
	}
}

func (c *Client) login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	body, err := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	if err != nil {
		return err
	}
	status, env, err := c.send(ctx, http.MethodPost, "/login", body)
	if err != nil {
		return fmt.Errorf("%w: login: %w", ErrUnavailable, err)
	}
	if status != http.StatusOK || !env.Success {
		c.log.Error("panel login failed", zap.Int("status", status))
		return &APIError{Op: "login", Status: status, Msg: env.Msg}
	}
	c.log.Info("panel login successful")
	return nil
}

// send returns an error only for transport failures.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (int, envelope, error) {
	var env envelope
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, env, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APISecret != "" {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.Header.Set(HeaderAPIKey, c.cfg.APISecret)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(c.cfg.APISecret, method, path, ts, body))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, env, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, env, err
	}
	if len(raw) > 0 && json.Unmarshal(raw, &env) != nil && resp.StatusCode == http.StatusOK {
		env = envelope{Msg: "malformed response"}
	}
	return resp.StatusCode, env, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
