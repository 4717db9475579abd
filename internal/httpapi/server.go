// Package httpapi is the HTTP adapter over the rendezvous engine: the five
// relay endpoints the peers call, plus stats, health, and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdemchak/jupyter-bridge/internal/bridge"
	"github.com/bdemchak/jupyter-bridge/internal/config"
	"github.com/bdemchak/jupyter-bridge/internal/limits"
	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
	"github.com/bdemchak/jupyter-bridge/internal/store"
)

// Server hosts the bridge's HTTP surface.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	engine  *bridge.Engine
	stats   *bridge.Recorder
	store   store.Store
	sampler *monitoring.SystemSampler
	limiter *limits.RequestRateLimiter

	httpServer *http.Server
	listener   net.Listener
	txn        atomic.Int64
	started    time.Time
	wg         sync.WaitGroup
}

// NewServer wires the HTTP surface over its collaborators.
func NewServer(cfg *config.Config, logger zerolog.Logger, engine *bridge.Engine, stats *bridge.Recorder, st store.Store, sampler *monitoring.SystemSampler) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		stats:   stats,
		store:   st,
		sampler: sampler,
		started: time.Now(),
	}
	if cfg.RateLimitEnabled {
		s.limiter = limits.NewRequestRateLimiter(limits.RateLimiterConfig{
			IPRate:      cfg.RateLimitIPRate,
			IPBurst:     cfg.RateLimitIPBurst,
			GlobalRate:  cfg.RateLimitGlobalRate,
			GlobalBurst: cfg.RateLimitGlobalBurst,
			Logger:      logger,
		})
	}
	return s
}

// Handler builds the route table with middleware applied. Separate from
// Start so tests can drive the surface through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /queue_request", s.handleQueueRequest)
	mux.HandleFunc("POST /queue_reply", s.handleQueueReply)
	mux.HandleFunc("GET /dequeue_request", s.handleDequeueRequest)
	mux.HandleFunc("GET /dequeue_reply", s.handleDequeueReply)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", monitoring.Handler())
	return s.middleware(mux)
}

// middleware applies the cross-cutting concerns: permissive CORS on every
// response (the browser peer always runs on a foreign origin and channel-id
// unguessability is the only access control), preflight handling, and the
// optional rate limiter.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusOK)
			return
		}
		if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Must outlast the long poll or dequeues get cut off mid-wait.
		WriteTimeout:   s.cfg.DequeueTimeout() + 15*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server accept loop error")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, letting in-flight long polls finish within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("initiating graceful shutdown")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.wg.Wait()

	s.logger.Info().Msg("graceful shutdown completed")
	return err
}

// nextTxn issues the transaction id that correlates a request's log lines.
func (s *Server) nextTxn() int64 {
	return s.txn.Add(1) - 1
}

// clientIP extracts the peer address, preferring X-Forwarded-For since the
// bridge normally sits behind a reverse proxy.
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
