package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WriteJSON encodes data as JSON and writes it to the response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ReadJSONBody decodes the request body as JSON into v.
// It validates Content-Type, limits body size to 1MB, and rejects trailing data.
func ReadJSONBody(r *http.Request, v interface{}) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("expected Content-Type application/json")
	}
	defer r.Body.Close()
	// Limit request body to 1MB to prevent large payload attacks
	limited := io.LimitReader(r.Body, 1<<20)
	decoder := json.NewDecoder(limited)
	if err := decoder.Decode(v); err != nil {
		return err
	}
	// Ensure no trailing data (prevents request smuggling)
	if decoder.More() {
		return fmt.Errorf("unexpected trailing data in request body")
	}
	return nil
}

// GetAdminSession validates the Authorization bearer token and checks that it
// belongs to the admin account. Returns the admin user ID.
func GetAdminSession(app *App, r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || token == authHeader {
		// token is empty, or Authorization header didn't have "Bearer " prefix
		return "", fmt.Errorf("not logged in")
	}
	session, err := app.sessionManager.ValidateSession(token)
	if err != nil {
		return "", fmt.Errorf("session invalid")
	}
	if session.UserID != "admin" {
		return "", fmt.Errorf("no permission")
	}
	return session.UserID, nil
}
