package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long an idle client bucket survives before the
	// sweeper drops it.
	staleLimiterTTL = 10 * time.Minute

	sweepInterval = time.Minute
)

// routeRule pairs an endpoint match with its token bucket shape. The first
// matching rule wins, so stricter routes come before the catch-all.
type routeRule struct {
	method string
	prefix string
	rps    rate.Limit
	burst  int
}

func (r routeRule) key() string {
	return r.method + " " + r.prefix
}

// adminRules throttles the expensive mutations hard and everything else at a
// steady operator pace. Backfill start and queue clear are once a minute;
// range operations ten a minute; the rest sixty a minute with a small burst.
func adminRules() []routeRule {
	perMinute := func(n float64) rate.Limit { return rate.Limit(n / 60) }
	return []routeRule{
		{method: http.MethodPost, prefix: "/admin/v1/backfill/start", rps: perMinute(1), burst: 1},
		{method: http.MethodPost, prefix: "/admin/v1/queue/clear", rps: perMinute(1), burst: 1},
		{method: http.MethodPost, prefix: "/admin/v1/queue/enqueue-range", rps: perMinute(10), burst: 3},
		{method: http.MethodDelete, prefix: "/admin/v1/rounds/", rps: perMinute(10), burst: 3},
		{rps: 1, burst: 5},
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware throttles the admin API per endpoint rule and client
// IP. Buckets are created on first sight and swept after staleLimiterTTL.
type RateLimitMiddleware struct {
	rules  []routeRule
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*clientBucket

	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		rules:   adminRules(),
		logger:  logger.With("component", "admin_ratelimit"),
		buckets: make(map[string]*clientBucket),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Stop ends the background sweeper. Safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// LimiterCount reports the live bucket count.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := rl.match(r.Method, r.URL.Path)
		clientIP := extractClientIP(r)

		if !rl.bucketFor(rule, clientIP).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) match(method, path string) routeRule {
	for _, rule := range rl.rules {
		if rule.method != "" && !strings.EqualFold(rule.method, method) {
			continue
		}
		if !strings.HasPrefix(path, rule.prefix) {
			continue
		}
		return rule
	}
	// The rule table always ends with a catch-all; unreachable.
	return routeRule{rps: 1, burst: 5}
}

func (rl *RateLimitMiddleware) bucketFor(rule routeRule, clientIP string) *rate.Limiter {
	key := rule.key() + "|" + clientIP
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	b := &clientBucket{limiter: rate.NewLimiter(rule.rps, rule.burst), lastSeen: now}
	rl.buckets[key] = b
	return b.limiter
}

// extractClientIP prefers proxy-set headers over the socket address:
// X-Forwarded-For's first hop, then X-Real-IP, then RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
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
