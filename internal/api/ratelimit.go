package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arena-sync/internal/telemetry"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-IP request limiting on the HTTP API.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTimeout       time.Duration // limiters unused this long are evicted
}

// DefaultRateLimitConfig allows a dashboard polling /api/state several
// times a second per browser tab.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 10,
	Burst:             20,
	IdleTimeout:       10 * time.Minute,
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// LimiterStats counts admission decisions.
type LimiterStats struct {
	Allowed  uint64 `json:"allowed"`
	Rejected uint64 `json:"rejected"`
	Tracked  int    `json:"tracked"`
}

// RequestLimiter is a token bucket per client IP.
type RequestLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*limiterEntry

	allowed  atomic.Uint64
	rejected atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRequestLimiter starts a limiter and its eviction loop. Call Stop
// when done.
func NewRequestLimiter(cfg RateLimitConfig) *RequestLimiter {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitConfig.IdleTimeout
	}
	rl := &RequestLimiter{
		cfg:      cfg,
		limiters: make(map[string]*limiterEntry),
		stop:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Stop ends the eviction loop.
func (rl *RequestLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RequestLimiter) entry(ip string) *limiterEntry {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen.Store(time.Now().UnixNano())
	return e
}

func (rl *RequestLimiter) evictLoop() {
	ticker := time.NewTicker(rl.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-rl.cfg.IdleTimeout))
		}
	}
}

func (rl *RequestLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.limiters {
		if e.lastSeen.Load() < cutoff.UnixNano() {
			delete(rl.limiters, ip)
		}
	}
}

// Allow spends one token for ip.
func (rl *RequestLimiter) Allow(ip string) bool {
	if rl.entry(ip).limiter.Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Middleware answers 429 once an IP's bucket is empty.
func (rl *RequestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			telemetry.RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns decision counts and the number of tracked IPs.
func (rl *RequestLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	tracked := len(rl.limiters)
	rl.mu.Unlock()
	return LimiterStats{
		Allowed:  rl.allowed.Load(),
		Rejected: rl.rejected.Load(),
		Tracked:  tracked,
	}
}

// ClientIP returns the peer address of r. Forwarding headers are only
// honored when the direct peer is a loopback proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}

// SessionLimiter caps concurrent websocket sessions per IP.
type SessionLimiter struct {
	maxPerIP int
	mu       sync.Mutex
	open     map[string]int
}

// NewSessionLimiter creates a limiter allowing maxPerIP open sessions.
func NewSessionLimiter(maxPerIP int) *SessionLimiter {
	return &SessionLimiter{maxPerIP: maxPerIP, open: make(map[string]int)}
}

// Acquire reserves a session slot for ip.
func (sl *SessionLimiter) Acquire(ip string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.open[ip] >= sl.maxPerIP {
		return false
	}
	sl.open[ip]++
	return true
}

// Release frees a slot taken by Acquire.
func (sl *SessionLimiter) Release(ip string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if n := sl.open[ip]; n <= 1 {
		delete(sl.open, ip)
	} else {
		sl.open[ip] = n - 1
	}
}

// Open returns the number of sessions held by ip.
func (sl *SessionLimiter) Open(ip string) int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.open[ip]
}

// localHosts are the browser origins allowed to open a session.
var localHosts = []string{"localhost", "127.0.0.1", "::1"}

// IsAllowedOrigin reports whether a browser origin may open a session.
// Native clients send no Origin header and are always allowed.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	for _, h := range localHosts {
		if u.Hostname() == h {
			return true
		}
	}
	return false
}
