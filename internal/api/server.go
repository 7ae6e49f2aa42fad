package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/digest"
	"github.com/JakeFAU/marketpulse/internal/email"
	"github.com/JakeFAU/marketpulse/internal/logging"
	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/scheduler"
	"github.com/JakeFAU/marketpulse/internal/worker"
)

// Scheduler enqueues crawl jobs and reports queue health.
type Scheduler interface {
	EnqueueJobs(ctx context.Context) (scheduler.Result, error)
	QueueStats(ctx context.Context) (pulse.QueueStats, error)
	CompetitorsDue(ctx context.Context, limit int) ([]scheduler.DueCompetitor, error)
}

// CrawlWorker drains the crawl queue.
type CrawlWorker interface {
	BatchSize() int
	ProcessQueueBatch(ctx context.Context, batchSize int) (worker.BatchResult, error)
}

// EmailWorker drains the email queue.
type EmailWorker interface {
	BatchSize() int
	ProcessEmailQueue(ctx context.Context, batchSize int) (email.BatchResult, error)
	Stats(ctx context.Context) (pulse.EmailStats, error)
}

// Digest enqueues the weekly summary.
type Digest interface {
	Run(ctx context.Context) (digest.Result, error)
}

// Feed reads recent history for the status endpoint.
type Feed interface {
	RecentSnapshots(ctx context.Context, limit int) ([]pulse.PriceSnapshot, error)
	RecentAlerts(ctx context.Context, limit int) ([]pulse.Alert, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls handler behavior.
type Config struct {
	CronSecret    string
	WorkerTimeout time.Duration
	EmailTimeout  time.Duration
	DigestTimeout time.Duration
	FeedLimit     int
	MaxBatchSize  int
}

// Deps are the components the handlers invoke.
type Deps struct {
	Scheduler Scheduler
	Worker    CrawlWorker
	Email     EmailWorker
	Digest    Digest
	Feed      Feed
	Clock     pulse.Clock
	// Ready is optional; when set /readyz pings it.
	Ready Pinger
	// StatusLimit is optional middleware applied to the status feed.
	StatusLimit func(http.Handler) http.Handler
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

const (
	readyTimeout = 2 * time.Second
	feedTimeout  = 5 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 50 * time.Second
	}
	if cfg.EmailTimeout <= 0 {
		cfg.EmailTimeout = 50 * time.Second
	}
	if cfg.DigestTimeout <= 0 {
		cfg.DigestTimeout = 2 * time.Minute
	}
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = 10
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.AccessLog(logger))
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.StatusLimit != nil {
				r.Use(deps.StatusLimit)
			}
			r.Get("/crawl/status", s.crawlStatus)
		})
		r.Route("/cron", func(r chi.Router) {
			r.Use(cronAuth(cfg.CronSecret))
			r.Get("/scheduler", s.cronScheduler)
			r.Get("/worker", s.cronWorker)
			r.Get("/email-worker", s.cronEmailWorker)
			r.Get("/weekly-summary", s.cronWeeklySummary)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cronAuth requires "Authorization: Bearer <secret>". An unset secret is a
// configuration error and fails closed.
func cronAuth(secret string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusInternalServerError, "cron secret not configured")
				return
			}
			got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseBatch reads the optional ?batch= override.
func parseBatch(r *http.Request, def, maxBatch int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("batch"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxBatch {
		return 0, &batchError{max: maxBatch}
	}
	return n, nil
}

type batchError struct {
	max int
}

func (e *batchError) Error() string {
	return "batch must be an integer between 1 and " + strconv.Itoa(e.max)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
