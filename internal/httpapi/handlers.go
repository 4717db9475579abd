package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdemchak/jupyter-bridge/internal/bridge"
	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
	"github.com/bdemchak/jupyter-bridge/internal/version"
)

// Error bodies the peers match on verbatim; the wording is part of the wire
// contract.
var (
	errMissingChannel = errors.New("Channel is missing in parameter list")
	errNotJSON        = errors.New("Payload must be application/json")
	errNotText        = errors.New("Payload must be text/plain")
)

// padLen is the number of trailing spaces appended to dequeue responses so
// an upstream proxy defect cannot truncate the closing bytes of small
// payloads.
const padLen = 1500

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, "ping", http.StatusOK, "text/plain", []byte("pong "+version.String))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With().Str("endpoint", "stats").Logger()

	days, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.fail(w, log, "stats", err)
		return
	}
	var buf bytes.Buffer
	if err := bridge.WriteCSV(&buf, days); err != nil {
		s.fail(w, log, "stats", err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=jupyter-bridge.csv")
	s.respond(w, "stats", http.StatusOK, "text/csv", buf.Bytes())
}

func (s *Server) handleQueueRequest(w http.ResponseWriter, r *http.Request) {
	txn := s.nextTxn()
	log := s.logger.With().Str("endpoint", "queue_request").Int64("txn", txn).Logger()

	query := r.URL.Query()
	if !query.Has("channel") {
		s.fail(w, log, "queue_request", errMissingChannel)
		return
	}
	channel := query.Get("channel")
	if !hasMediaType(r, "application/json") {
		s.fail(w, log, "queue_request", errNotJSON)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, log, "queue_request", fmt.Errorf("reading body: %w", err))
		return
	}

	// A leftover reply means the kernel never collected the previous
	// transaction's result. Discard it now or the browser's next reply
	// would collide with it.
	stale, cleared, err := s.engine.SweepStrandedReply(r.Context(), channel)
	if err != nil {
		s.fail(w, log, "queue_request", err)
		return
	}
	if cleared {
		log.Warn().
			Str("channel", channel).
			Bytes("stale_reply", stale).
			Bytes("request", payload).
			Msg("reply not picked up before new request, discarded")
	}

	if err := s.engine.Enqueue(r.Context(), txn, bridge.Request, channel, payload); err != nil {
		s.fail(w, log, "queue_request", err)
		return
	}
	s.respond(w, "queue_request", http.StatusOK, "text/plain", nil)
}

func (s *Server) handleQueueReply(w http.ResponseWriter, r *http.Request) {
	txn := s.nextTxn()
	log := s.logger.With().Str("endpoint", "queue_reply").Int64("txn", txn).Logger()

	query := r.URL.Query()
	if !query.Has("channel") {
		s.fail(w, log, "queue_reply", errMissingChannel)
		return
	}
	channel := query.Get("channel")
	if !hasMediaType(r, "text/plain") {
		s.fail(w, log, "queue_reply", errNotText)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, log, "queue_reply", fmt.Errorf("reading body: %w", err))
		return
	}

	if err := s.engine.Enqueue(r.Context(), txn, bridge.Reply, channel, payload); err != nil {
		s.fail(w, log, "queue_reply", err)
		return
	}
	s.respond(w, "queue_reply", http.StatusOK, "text/plain", nil)
}

func (s *Server) handleDequeueRequest(w http.ResponseWriter, r *http.Request) {
	s.dequeue(w, r, bridge.Request, "dequeue_request")
}

func (s *Server) handleDequeueReply(w http.ResponseWriter, r *http.Request) {
	s.dequeue(w, r, bridge.Reply, "dequeue_reply")
}

// dequeue serves both long-poll endpoints; they differ only in direction.
func (s *Server) dequeue(w http.ResponseWriter, r *http.Request, dir bridge.Direction, endpoint string) {
	txn := s.nextTxn()
	log := s.logger.With().Str("endpoint", endpoint).Int64("txn", txn).Logger()

	query := r.URL.Query()
	if !query.Has("channel") {
		s.fail(w, log, endpoint, errMissingChannel)
		return
	}
	channel := query.Get("channel")

	payload, err := s.engine.Dequeue(r.Context(), txn, dir, channel, query.Has("reset"))
	if err != nil {
		s.fail(w, log, endpoint, err)
		return
	}
	// Payload is opaque; application/json on both directions is what the
	// browser peer already expects.
	s.respond(w, endpoint, http.StatusOK, "application/json", s.pad(payload))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With().Str("endpoint", "health").Logger()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	storeStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}

	var sys monitoring.SystemStats
	if s.sampler != nil {
		sys = s.sampler.Current()
	}

	health := map[string]any{
		"status":      "healthy",
		"version":     version.String,
		"uptime_sec":  int(time.Since(s.started).Seconds()),
		"goroutines":  sys.Goroutines,
		"cpu_percent": sys.CPUPercent,
		"memory_mb":   sys.MemoryMB,
		"store":       storeStatus,
	}
	if status != http.StatusOK {
		health["status"] = "unhealthy"
	}

	body, err := json.Marshal(health)
	if err != nil {
		s.fail(w, log, "health", err)
		return
	}
	s.respond(w, "health", status, "application/json", body)
}

// pad appends the compatibility padding to successful dequeue payloads.
func (s *Server) pad(payload []byte) []byte {
	if !s.cfg.PadMessages {
		return payload
	}
	return append(payload, bytes.Repeat([]byte{' '}, padLen)...)
}

// hasMediaType reports whether the request Content-Type starts with want,
// tolerating charset suffixes.
func hasMediaType(r *http.Request, want string) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), want)
}

// respond writes one response and counts it.
func (s *Server) respond(w http.ResponseWriter, endpoint string, status int, contentType string, body []byte) {
	monitoring.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// fail maps an engine error onto the statuses peers expect: 429 for a
// redundant reader, 408 for a poll timeout, 500 with the error text for
// everything else.
func (s *Server) fail(w http.ResponseWriter, log zerolog.Logger, endpoint string, err error) {
	switch {
	case errors.Is(err, bridge.ErrRedundantReader):
		log.Debug().Msg("redundant reader rejected")
		s.respond(w, endpoint, http.StatusTooManyRequests, "text/plain", nil)
	case errors.Is(err, bridge.ErrTimeout):
		log.Debug().Msg("long poll timed out")
		s.respond(w, endpoint, http.StatusRequestTimeout, "text/plain", nil)
	default:
		log.Error().Err(err).Msg("request failed")
		s.respond(w, endpoint, http.StatusInternalServerError, "text/plain", []byte(err.Error()))
	}
}
