package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// sessionClaims binds a websocket token to one conversation session.
type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

// handleIssueToken mints a short-lived token the frontend presents
// when dialing the conversation websocket. When no session id is
// given, a fresh one is generated.
func (r *Router) handleIssueToken(w http.ResponseWriter, req *http.Request) {
	if r.cfg.JWTSecret == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "token auth is not configured"})
		return
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	expiry := r.cfg.JWTExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		SessionID: sessionID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		r.logger.Errorw("signing token failed", "err", err)
		captureError(req, err, "signing websocket token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not issue token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"session_id": sessionID,
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func (r *Router) parseSessionToken(raw string) (*sessionClaims, error) {
	if raw == "" {
		return nil, errors.New("missing token")
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// withAdminKey guards mutating endpoints behind a shared admin key.
func (r *Router) withAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AdminAPIKey == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin access is not configured"})
			return
		}
		if req.Header.Get("X-Admin-Key") != r.cfg.AdminAPIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, req)
	}
}
