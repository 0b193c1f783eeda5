// Package ratelimit provides per-client-IP token bucket rate limiting for
// the token issuer, so a runaway test harness cannot flood it.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/devtoken/internal/apierror"
	"github.com/dskow/devtoken/internal/config"
	"github.com/dskow/devtoken/internal/metrics"
	"golang.org/x/time/rate"
)

// Stale client buckets are evicted after idleTTL; lastSeen is refreshed at
// most once per touchInterval to keep the hot path on the read lock.
const (
	idleTTL         = 3 * time.Minute
	touchInterval   = time.Minute
	cleanupInterval = time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-client rate limiters and periodically evicts idle ones.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Limiter and starts its cleanup goroutine. trustedProxies is
// a list of CIDRs whose X-Forwarded-For headers are trusted.
func New(cfg config.RateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig applies new limits. Existing client buckets are dropped so the
// new limits take effect on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// ClientStatus is a point-in-time view of one client's bucket.
type ClientStatus struct {
	IP       string    `json:"ip"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot returns the tracked clients sorted by IP.
func (l *Limiter) Snapshot() []ClientStatus {
	l.mu.RLock()
	out := make([]ClientStatus, 0, len(l.clients))
	for ip, c := range l.clients {
		out = append(out, ClientStatus{IP: ip, Tokens: c.limiter.Tokens(), LastSeen: c.lastSeen})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Middleware returns an HTTP middleware that enforces the limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.clientIP(r)

			limiter, limit := l.getLimiter(ip)
			if !limiter.Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.Inc()
				w.Header().Set("Retry-After", retryAfter(limit))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter returns whole seconds until one token refills, at least 1.
func retryAfter(limit rate.Limit) string {
	secs := 1
	if limit > 0 && limit < 1 {
		secs = int(1/float64(limit) + 0.5)
	}
	return strconv.Itoa(secs)
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns the bucket for ip, creating it on first use, along with
// the limit it was created under.
func (l *Limiter) getLimiter(ip string) (*rate.Limiter, rate.Limit) {
	l.mu.RLock()
	c, exists := l.clients[ip]
	limit := l.rate
	// lastSeen is only read under the lock; writers hold the write lock.
	stale := exists && time.Since(c.lastSeen) > touchInterval
	l.mu.RUnlock()

	if exists {
		if stale {
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		}
		return c.limiter, limit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter, l.rate
	}

	c = &client{limiter: rate.NewLimiter(l.rate, l.burst), lastSeen: time.Now()}
	l.clients[ip] = c
	return c.limiter, l.rate
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > idleTTL {
			delete(l.clients, ip)
		}
	}
}
