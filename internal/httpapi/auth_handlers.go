package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tallyhq.io/internal/audit"
	"tallyhq.io/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, user, err := a.sessions.Login(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrLocked):
			writeError(w, r, http.StatusTooManyRequests, "account temporarily locked")
		case errors.Is(err, session.ErrUnauthorized):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, session.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "login failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presented access token and every refresh token of
// the user.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := session.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}
	if err := a.sessions.Revoke(r.Context(), token.ID, "logout"); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	if err := a.sessions.RevokeUserTokens(r.Context(), token.UserID, session.TypeRefresh, "logout"); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"user_id": token.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}
