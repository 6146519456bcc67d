package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestLogger assigns each request a short id, stamps the X-Request-ID
// and X-Response-Time headers and logs the outcome.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()[:8]
			ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)

			tw := &timedWriter{ResponseWriter: w, start: time.Now()}
			tw.Header().Set("X-Request-ID", id)

			next.ServeHTTP(tw, r.WithContext(ctx))
			if !tw.wrote {
				tw.WriteHeader(http.StatusOK)
			}

			logger.Info("request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", tw.status,
				"duration_ms", tw.elapsed.Milliseconds(),
			)
		})
	}
}

// timedWriter records the status and sets X-Response-Time just before the
// header is sent.
type timedWriter struct {
	http.ResponseWriter
	start   time.Time
	elapsed time.Duration
	status  int
	wrote   bool
}

func (w *timedWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = code
	w.elapsed = time.Since(w.start)
	w.Header().Set("X-Response-Time", fmt.Sprintf("%dms", w.elapsed.Milliseconds()))
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RateLimiter allows n requests per window for each client address, with a
// burst of n.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	clients map[string]*client
	swept   time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Every(window / time.Duration(n)),
		burst:   n,
		ttl:     2 * window,
		clients: make(map[string]*client),
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.swept) > l.ttl {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.ttl {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.limiter.AllowN(now, 1)
}

// Middleware rejects clients over their budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			httpError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
