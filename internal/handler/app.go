// Package handler provides the App struct that serves as the API facade
// for the guidance engine, delegating to internal service components.
package handler

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"termguide/internal/auth"
	"termguide/internal/config"
	"termguide/internal/corpus"
	"termguide/internal/guidance"
)

// App is the API facade that binds the backend services for the HTTP layer.
type App struct {
	db             *sql.DB
	engine         *guidance.Engine
	configManager  *config.ConfigManager
	sessionManager *auth.SessionManager
}

// NewApp creates a new App with all service dependencies injected.
func NewApp(db *sql.DB, eng *guidance.Engine, cm *config.ConfigManager, sm *auth.SessionManager) *App {
	return &App{
		db:             db,
		engine:         eng,
		configManager:  cm,
		sessionManager: sm,
	}
}

// SessionManager returns the session manager for testing purposes.
func (a *App) SessionManager() *auth.SessionManager {
	return a.sessionManager
}

// AdminLoginResponse contains the session created after admin login.
type AdminLoginResponse struct {
	Session *auth.Session `json:"session"`
}

// AdminLogin verifies the admin username and password and creates a session.
func (a *App) AdminLogin(username, password, ip string) (*AdminLoginResponse, error) {
	cfg := a.configManager.Get()
	if cfg.Admin.Username == "" || cfg.Admin.PasswordHash == "" {
		return nil, fmt.Errorf("admin account not configured")
	}
	if username != cfg.Admin.Username {
		log.Printf("[Auth] failed admin login attempt: username=%q ip=%s", username, ip)
		return nil, fmt.Errorf("wrong username or password")
	}
	if err := auth.VerifyAdminPassword(password, cfg.Admin.PasswordHash); err != nil {
		log.Printf("[Auth] failed admin login attempt: username=%q ip=%s", username, ip)
		return nil, fmt.Errorf("wrong username or password")
	}
	log.Printf("[Auth] successful admin login: username=%q ip=%s", username, ip)

	// Session rotation: invalidate old sessions before creating new one
	_ = a.sessionManager.DeleteSessionsByUserID("admin")
	session, err := a.sessionManager.CreateSession("admin")
	if err != nil {
		return nil, err
	}
	return &AdminLoginResponse{Session: session}, nil
}

// ImportCorpus loads a corpus file from disk and (re)builds the vector index.
func (a *App) ImportCorpus(path string, force bool) (*guidance.IndexStats, error) {
	c, err := corpus.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return a.engine.BuildIndex(c, force)
}

// GuidanceLogEntry is a row from the guidance_log table.
type GuidanceLogEntry struct {
	ID        int64   `json:"id"`
	Query     string  `json:"query"`
	Term      string  `json:"term"`
	Category  string  `json:"category"`
	Rendering string  `json:"rendering"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
	CreatedAt string  `json:"created_at"`
}

// ListGuidanceLog returns the most recent sub-threshold match records.
func (a *App) ListGuidanceLog(limit int) ([]GuidanceLogEntry, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.Query(
		`SELECT id, query, term, category, rendering, score, match_type, created_at
		 FROM guidance_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query guidance log: %w", err)
	}
	defer rows.Close()

	var entries []GuidanceLogEntry
	for rows.Next() {
		var e GuidanceLogEntry
		if err := rows.Scan(&e.ID, &e.Query, &e.Term, &e.Category, &e.Rendering, &e.Score, &e.MatchType, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaskedConfig is a copy of Config with the embedding API key replaced by "***".
type MaskedConfig struct {
	Server    config.ServerConfig    `json:"server"`
	Embedding config.EmbeddingConfig `json:"embedding"`
	Index     config.IndexConfig     `json:"index"`
	Guidance  config.GuidanceConfig  `json:"guidance"`
	Genres    map[string][]string    `json:"genres"`
	Admin     config.AdminConfig     `json:"admin"`
}

// GetConfig returns the current configuration with secrets masked.
func (a *App) GetConfig() *MaskedConfig {
	cfg := a.configManager.Get()
	if cfg == nil {
		return nil
	}
	masked := &MaskedConfig{
		Server:    cfg.Server,
		Embedding: cfg.Embedding,
		Index:     cfg.Index,
		Guidance:  cfg.Guidance,
		Genres:    cfg.Genres,
		Admin:     cfg.Admin,
	}
	masked.Embedding.APIKey = maskSecret(cfg.Embedding.APIKey)
	masked.Admin.PasswordHash = maskSecret(cfg.Admin.PasswordHash)
	return masked
}

// UpdateConfig applies partial configuration updates.
func (a *App) UpdateConfig(updates map[string]interface{}) error {
	return a.configManager.Update(updates)
}

// maskSecret replaces a non-empty secret with "***".
func maskSecret(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "***"
}
