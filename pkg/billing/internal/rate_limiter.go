package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Sweep cadence for the per-IP map. A sweep runs once every sweepInterval
// admissions, or immediately when the map outgrows sweepHighWater, so expired
// entries cannot accumulate without bound.
const (
	sweepInterval  = 100
	sweepHighWater = 200
)

// RateLimiter caps requests per client IP over a fixed window. It backs the
// webhook ingestion endpoint, where the budget is generous for Stripe's
// delivery rate but tight enough to shed floods.
type RateLimiter struct {
	mu         sync.Mutex
	perIP      map[string]*budget
	limit      int
	window     time.Duration
	sinceSweep int
}

// budget tracks one IP's spend within its current window.
type budget struct {
	used    int
	expires time.Time
}

// NewRateLimiter returns a limiter admitting up to limit requests per IP per
// window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		perIP:  make(map[string]*budget),
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	rl.sinceSweep++
	if rl.sinceSweep >= sweepInterval || len(rl.perIP) > sweepHighWater {
		rl.sweepLocked(now)
		rl.sinceSweep = 0
	}

	b, ok := rl.perIP[ip]
	if !ok || now.After(b.expires) {
		rl.perIP[ip] = &budget{used: 1, expires: now.Add(rl.window)}
		return true
	}
	if b.used >= rl.limit {
		return false
	}
	b.used++
	return true
}

// sweepLocked drops entries whose window has lapsed. Caller holds rl.mu.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, b := range rl.perIP {
		if now.After(b.expires) {
			delete(rl.perIP, ip)
		}
	}
}

// Cleanup drops all lapsed entries. Exposed so a background goroutine can
// sweep proactively between bursts.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(time.Now())
}

// Middleware rejects over-budget requests with 429 before they reach next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP resolves the client address, preferring the first entry of
// X-Forwarded-For when a proxy or load balancer sits in front.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return r.RemoteAddr
}
