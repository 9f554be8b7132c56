package services

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/logger"
)

type ServerStatus struct {
	Name        string
	Endpoint    string
	Status      string
	Online      bool
	Load        int
	Capacity    int
	LastChecked time.Time
}

// StatusBoard keeps the last TCP reachability result per server.
type StatusBoard struct {
	mu       sync.RWMutex
	last     []ServerStatus
	online   map[string]bool
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	timeout  time.Duration
	notifier *logger.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewStatusBoard(notifier *logger.Notifier, log *zap.Logger, now func() time.Time) *StatusBoard {
	if now == nil {
		now = time.Now
	}
	d := &net.Dialer{}
	return &StatusBoard{
		online:   map[string]bool{},
		dial:     d.DialContext,
		timeout:  2 * time.Second,
		notifier: notifier,
		log:      logger.OrNop(log),
		now:      now,
	}
}

func (b *StatusBoard) Statuses() []ServerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ServerStatus, len(b.last))
	copy(out, b.last)
	return out
}

// Refresh dials every server endpoint. A server that goes from reachable (or
// unknown) to unreachable raises one alert.
func (b *StatusBoard) Refresh(ctx context.Context, servers []db.Server) []ServerStatus {
	statuses := make([]ServerStatus, 0, len(servers))
	for _, srv := range servers {
		st := ServerStatus{
			Name:     srv.Name,
			Endpoint: srv.Endpoint,
			Status:   srv.Status,
			Load:     srv.CurrentLoad,
			Capacity: srv.Capacity,
		}
		dctx, cancel := context.WithTimeout(ctx, b.timeout)
		conn, err := b.dial(dctx, "tcp", srv.Endpoint)
		cancel()
		if err == nil {
			st.Online = true
			conn.Close()
		}
		st.LastChecked = b.now().UTC()
		statuses = append(statuses, st)

		b.mu.Lock()
		was, seen := b.online[srv.Name]
		b.online[srv.Name] = st.Online
		b.mu.Unlock()
		if !st.Online && (was || !seen) {
			b.log.Warn("server unreachable", zap.String("server", srv.Name), zap.String("endpoint", srv.Endpoint), zap.Error(err))
			b.notifier.Alert("Server " + srv.Name + " (" + srv.Endpoint + ") is unreachable!")
		}
	}
	b.mu.Lock()
	b.last = statuses
	b.mu.Unlock()
	return statuses
}

// RefreshJob probes the servers currently in the catalogue.
func (b *StatusBoard) RefreshJob(engine Engine) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		servers, err := engine.ListServers(ctx)
		if err != nil {
			return err
		}
		b.Refresh(ctx, servers)
		return nil
	}
}
