package auth

import (
	"path/filepath"
	"testing"
	"time"

	"termguide/internal/db"
)

func newTestDB(t *testing.T) *SessionManager {
	t.Helper()
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewSessionManager(conn, 1*time.Hour)
}

func TestSessionLifecycle(t *testing.T) {
	sm := newTestDB(t)

	s, err := sm.CreateSession("admin")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ID) != 64 {
		t.Errorf("session ID length = %d, want 64 hex chars", len(s.ID))
	}

	got, err := sm.ValidateSession(s.ID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if got.UserID != "admin" {
		t.Errorf("UserID = %q", got.UserID)
	}

	if err := sm.DeleteSession(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.ValidateSession(s.ID); err == nil {
		t.Error("deleted session still validates")
	}
}

func TestSessionRotation(t *testing.T) {
	sm := newTestDB(t)

	old, err := sm.CreateSession("admin")
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.DeleteSessionsByUserID("admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.ValidateSession(old.ID); err == nil {
		t.Error("rotated-out session still validates")
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Negative expiry is normalized to the default, so insert an already
	// expired row directly.
	sm := NewSessionManager(conn, 1*time.Hour)
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := conn.Exec(
		"INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		"stale", "admin", past, past,
	); err != nil {
		t.Fatal(err)
	}

	if _, err := sm.ValidateSession("stale"); err == nil {
		t.Error("expired session validates")
	}

	n, err := sm.CleanExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CleanExpired removed %d rows, want 1", n)
	}
}

func TestSessionMaxAgeEnforced(t *testing.T) {
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	sm := NewSessionManager(conn, 1*time.Hour)

	// A session created beyond the absolute age ceiling but with a still
	// valid expires_at must be rejected and removed.
	created := time.Now().UTC().Add(-8 * 24 * time.Hour).Format(time.RFC3339)
	expires := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	if _, err := conn.Exec(
		"INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		"ancient", "admin", expires, created,
	); err != nil {
		t.Fatal(err)
	}

	if _, err := sm.ValidateSession("ancient"); err == nil {
		t.Error("over-age session validates")
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", "ancient").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("over-age session not deleted, %d rows remain", count)
	}
}

func TestVerifyAdminPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyAdminPassword("s3cret-pass", hash); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := VerifyAdminPassword("wrong", hash); err == nil {
		t.Error("wrong password accepted")
	}
	if err := VerifyAdminPassword("anything", ""); err == nil {
		t.Error("empty hash accepted")
	}
}
