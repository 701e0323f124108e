// Package db provides SQLite database initialization and migration for the guidance engine.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens a SQLite database connection at dbPath, enables WAL mode and
// foreign keys, and creates all required tables idempotently.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			id                     TEXT PRIMARY KEY,
			term                   TEXT NOT NULL,
			category               TEXT NOT NULL,
			primary_rendering      TEXT NOT NULL,
			alternate_renderings   TEXT DEFAULT '[]',
			discouraged_renderings TEXT DEFAULT '[]',
			context_tags           TEXT DEFAULT '[]',
			corpus_frequency       INTEGER DEFAULT 0,
			corpus_version         TEXT DEFAULT '',
			created_at             DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS anchors (
			id         TEXT PRIMARY KEY,
			category   TEXT NOT NULL,
			text       TEXT NOT NULL,
			embedding  BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_vectors (
			pattern_id TEXT PRIMARY KEY,
			term       TEXT NOT NULL,
			category   TEXT NOT NULL,
			document   TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			frequency  INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (pattern_id) REFERENCES patterns(id)
		)`,
		`CREATE TABLE IF NOT EXISTS index_meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS guidance_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			query      TEXT NOT NULL,
			term       TEXT NOT NULL,
			category   TEXT NOT NULL,
			rendering  TEXT NOT NULL,
			score      REAL NOT NULL,
			match_type TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return tx.Commit()
}

// migrateTables adds missing columns to existing tables for backward compatibility.
func migrateTables(db *sql.DB) error {
	// Each migration: table, column, DDL to add it
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"patterns", "corpus_version", "ALTER TABLE patterns ADD COLUMN corpus_version TEXT DEFAULT ''"},
		{"pattern_vectors", "frequency", "ALTER TABLE pattern_vectors ADD COLUMN frequency INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !columnExists(db, m.table, m.column) {
			if _, err := db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration failed (%s.%s): %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
