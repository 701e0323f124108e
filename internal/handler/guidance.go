package handler

import (
	"net/http"
	"strings"

	"termguide/internal/guidance"
)

const (
	maxTermLength = 512
	maxBulkTerms  = 1000
)

// HandleGuidanceQuery resolves a single source term to a guidance result.
// POST /api/guidance/query { "term": "...", "context": "...", "genre": "..." }
func HandleGuidanceQuery(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Term    string `json:"term"`
			Context string `json:"context"`
			Genre   string `json:"genre"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		term := strings.TrimSpace(req.Term)
		if term == "" {
			WriteError(w, http.StatusBadRequest, "term is required")
			return
		}
		if len(term) > maxTermLength {
			WriteError(w, http.StatusBadRequest, "term too long")
			return
		}
		if len(req.Context) > 4096 {
			WriteError(w, http.StatusBadRequest, "context too long")
			return
		}
		result := app.engine.QueryOne(term, req.Context, req.Genre)
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleGuidanceBulk resolves a batch of terms with deduplication,
// per-batch caching, and an optional API call budget.
// POST /api/guidance/bulk { "terms": [...], "genre": "...", "max_api_calls": 0, "min_confidence": 0 }
func HandleGuidanceBulk(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Terms         []string `json:"terms"`
			Genre         string   `json:"genre"`
			MaxAPICalls   int      `json:"max_api_calls"`
			MinConfidence float64  `json:"min_confidence"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Terms) == 0 {
			WriteError(w, http.StatusBadRequest, "terms are required")
			return
		}
		if len(req.Terms) > maxBulkTerms {
			WriteError(w, http.StatusBadRequest, "too many terms")
			return
		}
		for _, t := range req.Terms {
			if len(t) > maxTermLength {
				WriteError(w, http.StatusBadRequest, "term too long")
				return
			}
		}
		report := app.engine.QueryBulk(req.Terms, req.Genre, req.MaxAPICalls, req.MinConfidence)
		WriteJSON(w, http.StatusOK, report)
	}
}

// HandleGuidanceFormat resolves a batch of terms and renders the prompt
// injection block for them.
// POST /api/guidance/format { "terms": [...], "genre": "...", "include_suggestions": true }
func HandleGuidanceFormat(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Terms              []string `json:"terms"`
			Genre              string   `json:"genre"`
			MaxAPICalls        int      `json:"max_api_calls"`
			IncludeSuggestions bool     `json:"include_suggestions"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Terms) == 0 {
			WriteError(w, http.StatusBadRequest, "terms are required")
			return
		}
		if len(req.Terms) > maxBulkTerms {
			WriteError(w, http.StatusBadRequest, "too many terms")
			return
		}
		report := app.engine.QueryBulk(req.Terms, req.Genre, req.MaxAPICalls, 0)
		block := guidance.FormatForPrompt(report.Results, req.IncludeSuggestions)
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"prompt_block":   block,
			"api_calls_made": report.APICallsMade,
		})
	}
}

// HandleStats returns public index statistics.
// GET /api/guidance/stats
func HandleStats(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stats := app.engine.Stats()
		if stats.Categories == nil {
			stats.Categories = []string{}
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}
