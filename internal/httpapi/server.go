package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/provisioning"
	"VPN-Storefront-bot/internal/revenue"
)

// Deps are the read-only views the operations endpoint exposes.
type Deps struct {
	DB       *gorm.DB
	Health   *provisioning.HealthState
	Revenue  *revenue.Aggregator
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

type Server struct {
	deps       Deps
	log        *zap.Logger
	httpServer *http.Server
}

func NewServer(addr string, d Deps) *Server {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: d, log: logger.OrNop(d.Log)}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router serves /health, /metrics and /revenue.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))
	r.Use(s.requestLog)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/revenue", s.revenue)
	return r
}

// Run blocks until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Database     string `json:"database"`
	Provisioning string `json:"provisioning"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Database: "ok", Provisioning: "ok"}
	status := http.StatusOK

	if err := s.pingDB(r.Context()); err != nil {
		s.log.Warn("health: database ping failed", zap.Error(err))
		resp.Database = "down"
		status = http.StatusServiceUnavailable
	}
	if s.deps.Health != nil && !s.deps.Health.Healthy() {
		resp.Provisioning = "down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) pingDB(ctx context.Context) error {
	if s.deps.DB == nil {
		return errors.New("no database")
	}
	sqlDB, err := s.deps.DB.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (s *Server) revenue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Revenue == nil {
		http.Error(w, "revenue not available", http.StatusNotFound)
		return
	}
	if _, err := s.deps.Revenue.RefreshIfStale(r.Context()); err != nil {
		s.log.Warn("revenue refresh failed, serving cached buckets", zap.Error(err))
	}
	buckets, err := s.deps.Revenue.Dashboard(r.Context())
	if err != nil {
		s.log.Error("revenue dashboard failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
