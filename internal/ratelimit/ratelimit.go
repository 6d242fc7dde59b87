// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the admin API.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelgate/healthcore/internal/apierror"
	"github.com/modelgate/healthcore/internal/config"
	"github.com/modelgate/healthcore/internal/metrics"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-client rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
}

// New creates a Limiter with the given settings and starts a background
// goroutine that cleans up stale client entries every minute.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads the limiter settings. Existing per-client
// limiters are cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the rate limit.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.getLimiter(ip).Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.Inc()
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getLimiter returns or creates a limiter for the client IP. Read-lock
// for the common hit path, write-lock with a double-check for inserts.
// rate.Limiter is goroutine-safe, so Allow runs outside our lock.
func (l *Limiter) getLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	if c, ok := l.clients[ip]; ok {
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[ip]; ok {
		c.lastSeen = time.Now()
		return c.limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
