package http

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/remindq/internal/metrics"
	"github.com/snehjoshi/remindq/internal/node"
)

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware answers preflights and sets CORS headers for origins in
// allowed. An origin listed by name is echoed back with credentials allowed.
// "*" lets any other origin through as a literal "*", never with credentials.
// Requests from other origins get no CORS headers and the browser blocks them.
func CORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			listed := origin != "" && slices.Contains(allowed, origin)
			if origin == "" || !(listed || anyOrigin) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if listed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			} else {
				h.Set("Access-Control-Allow-Origin", "*")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Logging + metrics ───────────────────────────────────────────────────────

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// LoggingMiddleware tags each request with an X-Request-Id, then logs and
// records method, route, status and duration. reg may be nil.
func LoggingMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = node.NewID()
			}
			w.Header().Set("X-Request-Id", reqID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			// The mux fills r.Pattern; unmatched requests share one label.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			reg.ObserveHTTP(r.Method, route, wrapped.status, elapsed)

			slog.Info("http",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

const (
	limiterSweepAt = 5000             // table size that triggers eviction
	limiterIdleTTL = 10 * time.Minute // entries idle longer than this are evicted
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet hands out one token bucket per client IP.
type limiterSet struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*ipEntry
}

func (s *limiterSet) get(ip string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[ip]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(s.entries) >= limiterSweepAt {
		cutoff := now.Add(-limiterIdleTTL)
		for k, e := range s.entries {
			if e.lastSeen.Before(cutoff) {
				delete(s.entries, k)
			}
		}
	}
	l := rate.NewLimiter(s.rps, s.burst)
	s.entries[ip] = &ipEntry{limiter: l, lastSeen: now}
	return l
}

// RateLimitMiddleware applies per-IP token-bucket rate limiting.
// rps is the allowed requests per second; burst is the maximum burst size.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	set := &limiterSet{rps: rate.Limit(rps), burst: burst, entries: make(map[string]*ipEntry)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !set.get(clientIP(r), time.Now()).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first address in X-Forwarded-For and falls back to
// RemoteAddr. X-Forwarded-For can be spoofed when no trusted reverse proxy
// sits in front of remindq.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound request body. Publish payloads are
// small JSON objects; a large collaborator list is the biggest legitimate one.
const maxRequestBodyBytes = 1 << 20 // 1 MiB

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader so that
// handlers automatically receive a "request body too large" error if the client
// sends more than maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
