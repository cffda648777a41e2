package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	rateWindow     = time.Minute
	cleanupPeriod  = 5 * time.Minute
	windowMaxIdle  = 2 * rateWindow
	ClientIDHeader = "X-Client-ID"
)

// RateLimiter enforces a fixed-window request budget per client key.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateLimitWindow
	limit   int
	now     func() time.Time
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit requests per client per minute.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	return &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		limit:   limit,
		now:     time.Now,
	}
}

// Allow records a request for key and reports whether it is within budget.
// It also returns how long until the key's window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) >= rateWindow {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true, rateWindow
	}
	w.count++
	retry := rateWindow - now.Sub(w.windowStart)
	if w.count > rl.limit {
		return false, retry
	}
	return true, retry
}

// Middleware rejects over-budget requests with 429. Clients are keyed by
// the X-Client-ID header, falling back to the remote IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, retry := rl.Allow(key)
		if !ok {
			secs := int(retry.Seconds()) + 1
			slog.Warn("[RateLimit] Request rejected", "client", key, "path", r.URL.Path, "limit", rl.limit)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":` + strconv.Itoa(secs) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run drops idle windows until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, w := range rl.windows {
		if now.Sub(w.windowStart) > windowMaxIdle {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

// Stats reports the number of tracked clients and the per-minute limit.
func (rl *RateLimiter) Stats() map[string]int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]int{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.limit,
	}
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
