package admin

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// routeLimit pairs a method+path-prefix match with its bucket tuning.
// Mutating ops routes get tight budgets; everything else shares a default.
type routeLimit struct {
	method string
	prefix string
	rps    rate.Limit
	burst  int
}

var opsRouteLimits = []routeLimit{
	{method: http.MethodPost, prefix: "/ops/v1/endpoints", rps: rate.Limit(10.0 / 60), burst: 3},
	{method: http.MethodPost, prefix: "/ops/v1/nonce/invalidate", rps: rate.Limit(10.0 / 60), burst: 3},
	{rps: 1, burst: 5},
}

// RateLimitMiddleware applies per-route, per-client-IP token buckets to
// the ops API. Idle per-IP buckets are swept in the background.
type RateLimitMiddleware struct {
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		logger:  logger,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > limiterIdleTTL {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Wrap applies the limiter before delegating to next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := matchRoute(r.Method, r.URL.Path)
		ip := clientIP(r)

		if !rl.bucketFor(limit, ip).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("ops API rate limit exceeded",
				"method", r.Method, "path", r.URL.Path, "client_ip", ip)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) bucketFor(limit routeLimit, ip string) *rate.Limiter {
	key := limit.method + ":" + limit.prefix + "|" + ip

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}
	b := &bucket{limiter: rate.NewLimiter(limit.rps, limit.burst), lastSeen: time.Now()}
	rl.buckets[key] = b
	return b.limiter
}

func matchRoute(method, path string) routeLimit {
	for _, rt := range opsRouteLimits {
		if rt.method != "" && rt.method != method {
			continue
		}
		if rt.prefix != "" && !strings.HasPrefix(path, rt.prefix) {
			continue
		}
		return rt
	}
	return opsRouteLimits[len(opsRouteLimits)-1]
}

// clientIP prefers proxy headers over the socket address so limits follow
// the caller, not the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
