// Package limits provides request rate limiting for the bridge's HTTP
// surface.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
)

// RequestRateLimiter applies two-level token-bucket limiting to incoming
// requests:
//
//   - Per-IP: bounds what a single misbehaving peer can do. Long-poll
//     clients reconnect immediately after every 408, so the burst must
//     comfortably cover a normal reconnect storm.
//   - Global: protects the shared store from aggregate overload.
//
// Disabled deployments never construct one; callers treat a nil limiter as
// allow-all.
type RequestRateLimiter struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig holds rate limiter settings. Zero values fall back to
// defaults sized for a handful of active notebook channels.
type RateLimiterConfig struct {
	IPRate  float64       // sustained requests/sec per IP (default 5)
	IPBurst int           // burst per IP (default 20)
	IPTTL   time.Duration // drop idle IP entries after this (default 5m)

	GlobalRate  float64 // sustained requests/sec overall (default 200)
	GlobalBurst int     // burst overall (default 500)

	Logger zerolog.Logger
}

// NewRequestRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRequestRateLimiter(cfg RateLimiterConfig) *RequestRateLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 5
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 20
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 200
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 500
	}

	l := &RequestRateLimiter{
		ipLimiters:    make(map[string]*ipEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	l.logger.Info().
		Float64("ip_rate", cfg.IPRate).
		Int("ip_burst", cfg.IPBurst).
		Dur("ip_ttl", cfg.IPTTL).
		Float64("global_rate", cfg.GlobalRate).
		Int("global_burst", cfg.GlobalBurst).
		Msg("request rate limiter enabled")

	return l
}

// Allow reports whether a request from ip may proceed. The global bucket is
// checked first so a distributed flood is cut off before the map lookup.
func (l *RequestRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.RateLimited.WithLabelValues("global").Inc()
		l.logger.Debug().Str("ip", ip).Msg("request rejected, global rate limit")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		monitoring.RateLimited.WithLabelValues("per_ip").Inc()
		l.logger.Debug().Str("ip", ip).Msg("request rejected, per-IP rate limit")
		return false
	}
	return true
}

func (l *RequestRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, exists := l.ipLimiters[ip]
	l.ipMu.RUnlock()

	if exists {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	// Re-check after lock upgrade.
	if entry, exists = l.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *RequestRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops IP entries idle past their TTL so the map cannot grow
// without bound.
func (l *RequestRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.ipLimiters)).Msg("dropped idle IP limiters")
	}
}

// Stop terminates the cleanup goroutine. Call during shutdown.
func (l *RequestRateLimiter) Stop() {
	close(l.stopCleanup)
}

// TrackedIPs reports how many per-IP buckets are currently held.
func (l *RequestRateLimiter) TrackedIPs() int {
	l.ipMu.RLock()
	defer l.ipMu.RUnlock()
	return len(l.ipLimiters)
}
