// Package router provides centralized API route registration.
// All HTTP routes are registered here with appropriate middleware applied.
package router

import (
	"net/http"
	"time"

	"termguide/internal/handler"
	"termguide/internal/middleware"
)

// Register registers all API routes to http.DefaultServeMux.
// It creates middleware instances internally.
// Returns a cleanup function that should be called on shutdown to stop background goroutines.
func Register(app *handler.App) func() {
	// Build the secure API middleware chain: SecurityHeaders + CORS + RequestID
	secureAPI := middleware.Chain(
		middleware.SecurityHeaders(),
		middleware.CORS(),
		middleware.RequestID(),
	)

	// Auth rate limiter: 10 attempts per minute per IP
	authRL := middleware.NewRateLimiter(10, 1*time.Minute)
	rateLimit := authRL.Limit()

	// API rate limiter: 120 requests per minute per IP for guidance endpoints
	apiRL := middleware.NewRateLimiter(120, 1*time.Minute)
	apiRateLimit := apiRL.Limit()

	// Helper to apply secureAPI chain
	secure := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(h)
	}

	// Helper to apply secureAPI + auth rate limit
	secureRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(rateLimit(h))
	}

	// Helper to apply secureAPI + API rate limit
	secureAPIRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(apiRateLimit(h))
	}

	// ── Guidance ──
	http.HandleFunc("/api/guidance/query", secureAPIRL(handler.HandleGuidanceQuery(app)))
	http.HandleFunc("/api/guidance/bulk", secureAPIRL(handler.HandleGuidanceBulk(app)))
	http.HandleFunc("/api/guidance/format", secureAPIRL(handler.HandleGuidanceFormat(app)))
	http.HandleFunc("/api/guidance/stats", secure(handler.HandleStats(app)))

	// ── Admin ──
	http.HandleFunc("/api/admin/login", secureRL(handler.HandleAdminLogin(app)))
	http.HandleFunc("/api/admin/index/build", secure(handler.HandleIndexBuild(app)))
	http.HandleFunc("/api/admin/index/stats", secure(handler.HandleIndexStats(app)))
	http.HandleFunc("/api/admin/index/clear", secure(handler.HandleIndexClear(app)))
	http.HandleFunc("/api/admin/guidance-log", secure(handler.HandleGuidanceLog(app)))
	http.HandleFunc("/api/admin/config", secure(handler.HandleConfig(app)))
	http.HandleFunc("/api/admin/logs/recent", secure(handler.HandleLogsRecent(app)))

	// ── Health check ──
	http.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			handler.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Return cleanup function to stop rate limiter goroutines
	return func() {
		authRL.Stop()
		apiRL.Stop()
	}
}
