package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/matchwatch/internal/api/respond"
)

// --------------------------------------------------------------------------
// Request timing middleware
// --------------------------------------------------------------------------

// TimingMiddleware adds the X-Process-Time header to all responses. The
// header is set just before the status line is written.
func TimingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&timingWriter{ResponseWriter: w, start: time.Now()}, r)
	})
}

type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (t *timingWriter) WriteHeader(status int) {
	if !t.wroteHeader {
		t.wroteHeader = true
		elapsed := time.Since(t.start)
		t.Header().Set("X-Process-Time", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000.0))
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// --------------------------------------------------------------------------
// Rate limiting middleware (IP-based token bucket)
// --------------------------------------------------------------------------

// RateLimit is a per-client token bucket: Requests tokens refill over
// Window and at most Burst may be spent at once.
type RateLimit struct {
	Requests int
	Window   time.Duration
	Burst    int // 0 means Requests/2
}

func (rl RateLimit) limit() rate.Limit {
	if rl.Requests <= 0 || rl.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rl.Requests) / rl.Window.Seconds())
}

func (rl RateLimit) burst() int {
	if rl.Burst > 0 {
		return rl.Burst
	}
	return max(rl.Requests/2, 1)
}

type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	cfg     RateLimit
}

func (c *clientLimiters) get(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.clients[ip]; ok {
		return l
	}
	l := rate.NewLimiter(c.cfg.limit(), c.cfg.burst())
	c.clients[ip] = l
	return l
}

// RateLimitMiddleware rejects clients that exhaust their bucket with 429.
// Retry-After is the time until the next token, rounded up to a second.
func RateLimitMiddleware(cfg RateLimit) func(http.Handler) http.Handler {
	limiters := &clientLimiters{clients: make(map[string]*rate.Limiter), cfg: cfg}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, _ := net.SplitHostPort(r.RemoteAddr)
			if ip == "" {
				ip = r.RemoteAddr
			}

			res := limiters.get(ip).Reserve()
			if wait := res.Delay(); wait > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				respond.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --------------------------------------------------------------------------
// Admin auth middleware
// --------------------------------------------------------------------------

// AdminAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the admin routes entirely.
func AdminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				respond.WriteError(w, http.StatusForbidden, "ADMIN_DISABLED", "Admin API is disabled (no ADMIN_TOKEN)")
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				respond.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
