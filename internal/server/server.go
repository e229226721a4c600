// Package server provides the HTTP API for starting, watching and stopping
// batches.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/db"
	"github.com/jonathan/veo-automator/internal/server/middleware"
	"github.com/jonathan/veo-automator/internal/server/ratelimit"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// Engine is the batch engine as seen by the API.
type Engine interface {
	Start(ctx context.Context, jobs []batch.PromptJob) (string, <-chan *batch.BatchResult, error)
	Stop() bool
	Status() batch.Status
	Last() *batch.BatchResult
	Drain(max int) []workflow.ProgressEvent
}

// History stores finished batches.
type History interface {
	SaveBatchResult(ctx context.Context, res *batch.BatchResult, settings workflow.Settings) error
	ListBatches(ctx context.Context, limit int) ([]db.Batch, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	ListPromptResults(ctx context.Context, batchID uuid.UUID) ([]db.PromptRecord, error)
	ListDownloads(ctx context.Context, batchID uuid.UUID) ([]db.DownloadRecord, error)
}

// Config holds server configuration
type Config struct {
	Addr     string
	Engine   Engine
	Settings workflow.Settings
	// History is optional; without it the history endpoints answer 503.
	History History
	// Auth is optional; without it the API is open.
	Auth         middleware.TokenValidator
	Gatherer     prometheus.Gatherer
	RateLimit    *ratelimit.Config
	PumpInterval time.Duration
	Logger       *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	cfg         Config
	httpServer  *http.Server
	handler     http.Handler
	rateLimiter *ratelimit.Limiter
	hub         *hub
	validate    *validator.Validate
	logger      *zap.Logger
	// ctx outlives requests; batches started over the API run under it.
	ctx context.Context
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server requires an engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = 250 * time.Millisecond
	}

	s := &Server{
		cfg:         cfg,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		hub:         newHub(),
		validate:    validator.New(),
		logger:      cfg.Logger.Named("server"),
		ctx:         context.Background(),
	}

	auth := middleware.AuthMiddleware(cfg.Auth)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /batches", auth(middleware.RequireOperator(s.handleStartBatch)))
	mux.Handle("GET /batches/current", auth(http.HandlerFunc(s.handleCurrentBatch)))
	mux.Handle("POST /batches/current/stop", auth(middleware.RequireOperator(s.handleStopBatch)))
	mux.Handle("GET /batches/stream", auth(http.HandlerFunc(s.handleStream)))
	mux.Handle("GET /batches", auth(http.HandlerFunc(s.handleListBatches)))
	mux.Handle("GET /batches/{id}", auth(http.HandlerFunc(s.handleGetBatch)))

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the progress stream stays open for a whole batch.
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully. Batches started
// over the API are cancelled with ctx.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go batch.Pump(pumpCtx, s.cfg.Engine, s.cfg.PumpInterval, s.publish)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("server starting", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// publish fans drained progress out to stream subscribers.
func (s *Server) publish(evs []workflow.ProgressEvent) {
	for _, ev := range evs {
		s.hub.broadcast("progress", ev)
	}
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients over their limit with 429
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		}
		if !allowed {
			retry := int(info.RetryAfter.Seconds() + 0.5)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.logger.Warn("rate limit exceeded", zap.String("path", r.URL.Path), zap.Int("limit", info.Limit))
			s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate_limit_exceeded",
				"retry_after": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// clientID is the caller's IP address.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	s.jsonResponse(w, HTTPStatus(err), map[string]string{"error": err.Error()})
}
