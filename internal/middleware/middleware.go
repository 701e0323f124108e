// Package middleware provides HTTP middleware for the API:
// security headers, CORS, request IDs, and per-IP rate limiting.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"
)

// Middleware wraps an http.HandlerFunc with additional behavior.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// CORS returns a middleware that sets permissive CORS headers and
// short-circuits OPTIONS preflight requests.
func CORS() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r)
		}
	}
}

// RequestID returns a middleware that attaches a random request ID to the
// response, generating one if the client did not supply X-Request-ID.
func RequestID() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 64 {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next(w, r)
		}
	}
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// RateLimiter limits requests per client IP using a sliding window counter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	max     int
	window  time.Duration
	done    chan struct{}
	once    sync.Once
}

type clientWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a rate limiter allowing max requests per window per IP.
// It starts a background goroutine that periodically drops idle client entries;
// call Stop to terminate it.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientWindow),
		max:     max,
		window:  window,
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for ip, cw := range rl.clients {
				if now.Sub(cw.start) > 2*rl.window {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// Allow reports whether a request from ip is within the rate limit.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cw, ok := rl.clients[ip]
	if !ok || now.Sub(cw.start) >= rl.window {
		rl.clients[ip] = &clientWindow{count: 1, start: now}
		return true
	}
	if cw.count >= rl.max {
		return false
	}
	cw.count++
	return true
}

// Limit returns a middleware enforcing the rate limit per client IP.
func (rl *RateLimiter) Limit() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next(w, r)
		}
	}
}

// ClientIP extracts the client IP from the request, stripping the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
