// Package api provides the HTTP server for the Pit.
// It exposes the streaming bout endpoint, the synchronous lab API and the
// credit, agent and preset endpoints behind them.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/pit/internal/app/bout"
	"github.com/tutu-network/pit/internal/app/ledger"
	"github.com/tutu-network/pit/internal/app/provenance"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// Config controls the HTTP server.
type Config struct {
	Addr           string        `toml:"addr"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	StreamBuffer   int           `toml:"stream_buffer"`
	AllowedOrigin  string        `toml:"allowed_origin"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		RequestTimeout: 5 * time.Minute,
		StreamBuffer:   bout.DefaultDispatchBuffer,
		AllowedOrigin:  "*",
	}
}

// AgentCounter counts the agents a user owns.
type AgentCounter interface {
	CountAgentsByOwner(ctx context.Context, ownerID string) (int, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the server exposes.
type Deps struct {
	Engine *bout.Engine
	Ledger *ledger.Service
	Tiers  *tier.Policy
	Pool   *tier.FreePool
	Agents *provenance.AgentService
	Counts AgentCounter
	Bouts  domain.BoutStore
	Tracer *observability.Tracer
	Auth   Authenticator
	Health Pinger
	Log    *slog.Logger
}

// Server is the Pit HTTP API server.
type Server struct {
	cfg            Config
	engine         *bout.Engine
	ledger         *ledger.Service
	tiers          *tier.Policy
	pool           *tier.FreePool
	agents         *provenance.AgentService
	counts         AgentCounter
	bouts          domain.BoutStore
	tracer         *observability.Tracer
	auth           Authenticator
	health         Pinger
	feed           *FeedHub
	metricsEnabled bool
	log            *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, d Deps) *Server {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = def.AllowedOrigin
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	auth := d.Auth
	if auth == nil {
		auth = HeaderAuth{Accounts: d.Ledger}
	}
	return &Server{
		cfg:    cfg,
		engine: d.Engine,
		ledger: d.Ledger,
		tiers:  d.Tiers,
		pool:   d.Pool,
		agents: d.Agents,
		counts: d.Counts,
		bouts:  d.Bouts,
		tracer: d.Tracer,
		auth:   auth,
		health: d.Health,
		feed:   NewFeedHub(),
		log:    log.With(slog.String("component", "api")),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Feed returns the live bout feed hub.
func (s *Server) Feed() *FeedHub { return s.feed }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/run-bout", s.handleRunBout)
		r.Post("/v1/bout", s.handleV1Bout)
		r.Get("/bouts/live", s.feed.HandleFeedSSE)
		r.Get("/bouts/{id}", s.handleGetBout)

		r.Get("/credits/balance", s.handleBalance)
		r.Get("/credits/transactions", s.handleTransactions)

		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents/{id}", s.handleGetAgent)

		r.Get("/presets", s.handlePresets)
		r.Get("/models", s.handleModels)
		r.Get("/free-pool", s.handleFreePool)

		r.Get("/debug/spans", s.handleSpans)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_bouts": s.engine.Active(),
	})
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spans": s.tracer.Spans(limit),
		"total": s.tracer.SpanCount(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// requestLogger logs one line per request with the chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		r = r.WithContext(observability.WithTraceID(r.Context(), reqID))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// corsMiddleware adds CORS headers for browser clients.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, X-User-ID, X-Research-Key, X-Byok-Key, X-Byok-Provider, X-Byok-Model")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
