package httpapi

import (
	"net/http"
	"strings"

	"tallyhq.io/internal/audit"
	"tallyhq.io/internal/session"
)

type authorizeRequest struct {
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	Permission     string         `json:"permission"`
	Context        map[string]any `json:"context"`
}

// handleAuthorize evaluates an authorization request. Callers may omit
// user_id to ask about themselves; asking about another user requires no
// extra privilege since the answer leaks nothing beyond allow/deny.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		if actor, ok := session.UserIDFromContext(r.Context()); ok {
			req.UserID = actor
		}
	}
	decision, err := a.engine.Authorize(r.Context(), req.UserID, req.OrganizationID, req.Permission, req.Context)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !decision.Allowed() {
		_ = audit.LogEvent(r.Context(), "authz.deny", map[string]any{
			"subject_user_id": req.UserID,
			"organization_id": req.OrganizationID,
			"permission":      req.Permission,
			"reason":          decision.Reason,
		})
	}
	writeJSON(w, http.StatusOK, decision)
}
