package handler

import (
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"termguide/internal/errlog"
	"termguide/internal/middleware"
	"termguide/internal/vectorstore"
)

// HandleAdminLogin authenticates the admin and returns a bearer session.
// POST /api/admin/login { "username": "...", "password": "..." }
func HandleAdminLogin(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resp, err := app.AdminLogin(req.Username, req.Password, middleware.ClientIP(r))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleIndexBuild loads a corpus file from the server filesystem and builds
// the vector index from it.
// POST /api/admin/index/build { "path": "...", "force": false }
func HandleIndexBuild(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		var req struct {
			Path  string `json:"path"`
			Force bool   `json:"force"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		path := strings.TrimSpace(req.Path)
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path is required")
			return
		}
		// Restrict corpus loading to the data directory
		abs, err := filepath.Abs(path)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid path")
			return
		}
		dataDir, err := filepath.Abs("./data")
		if err != nil || !strings.HasPrefix(abs, dataDir+string(filepath.Separator)) {
			WriteError(w, http.StatusBadRequest, "path must be inside the data directory")
			return
		}

		stats, err := app.ImportCorpus(abs, req.Force)
		if err != nil {
			if errors.Is(err, vectorstore.ErrModelMismatch) {
				WriteError(w, http.StatusConflict, "index was built with a different embedding model; rebuild with force")
				return
			}
			log.Printf("[IndexBuild] error: %v", err)
			errlog.Logf("[IndexBuild] build failed for %s: %v", abs, err)
			WriteError(w, http.StatusInternalServerError, "index build failed")
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleIndexStats returns detailed index statistics for the admin UI.
// GET /api/admin/index/stats
func HandleIndexStats(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, app.engine.Stats())
	}
}

// HandleIndexClear drops all indexed patterns, vectors, and anchors.
// POST /api/admin/index/clear
func HandleIndexClear(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if err := app.engine.Clear(); err != nil {
			log.Printf("[IndexClear] error: %v", err)
			errlog.Logf("[IndexClear] clear failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "clear failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleGuidanceLog lists recent sub-threshold matches recorded for review.
// GET /api/admin/guidance-log?limit=100
func HandleGuidanceLog(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		entries, err := app.ListGuidanceLog(limit)
		if err != nil {
			log.Printf("[GuidanceLog] error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to read guidance log")
			return
		}
		if entries == nil {
			entries = []GuidanceLogEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}

// HandleConfig handles GET (read masked config) and PUT (update config).
func HandleConfig(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		switch r.Method {
		case http.MethodGet:
			cfg := app.GetConfig()
			if cfg == nil {
				WriteError(w, http.StatusInternalServerError, "config not loaded")
				return
			}
			WriteJSON(w, http.StatusOK, cfg)
		case http.MethodPut:
			var updates map[string]interface{}
			if err := ReadJSONBody(r, &updates); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := app.UpdateConfig(updates); err != nil {
				log.Printf("[Config] update error: %v", err)
				errlog.Logf("[Config] update failed: %v", err)
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleLogsRecent returns the most recent error log lines.
// GET /api/admin/logs/recent?lines=50
func HandleLogsRecent(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		n := 50
		if v := r.URL.Query().Get("lines"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 {
				n = parsed
			}
			if n > 500 {
				n = 500
			}
		}
		lines, err := errlog.RecentLines(n)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read logs: "+err.Error())
			return
		}
		if lines == nil {
			lines = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
	}
}
