package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tallyhq.io/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withAuth verifies the bearer token and loads the authenticated user into
// the request context. Public paths pass through.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		token, err := a.sessions.VerifyToken(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		if token.Type != session.TypeAccess && token.Type != session.TypeAPIKey {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := a.identity.GetUser(r.Context(), token.UserID)
		if err != nil || !user.IsActive {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := session.ContextWithUser(r.Context(), user)
		ctx = session.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission authorizes the context user against the permission code
// in the given organization scope.
func (a *API) requirePermission(ctx context.Context, orgID, perm string) error {
	if a.engine == nil {
		return nil
	}
	userID, ok := session.UserIDFromContext(ctx)
	if !ok {
		return session.ErrUnauthorized
	}
	decision, err := a.engine.Authorize(ctx, userID, orgID, perm, nil)
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return session.ErrUnauthorized
	}
	return nil
}

// ensurePermission writes the error response itself and reports whether the
// handler may proceed.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, orgID, perm string) bool {
	err := a.requirePermission(r.Context(), orgID, perm)
	if err == nil {
		return true
	}
	if errors.Is(err, session.ErrUnauthorized) {
		writeError(w, r, http.StatusForbidden, "permission denied")
	} else {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
	}
	return false
}

// actorOrgID resolves the organization an admin operation is scoped to:
// the explicit org when the route carries one, otherwise the actor's
// primary membership.
func (a *API) actorOrgID(ctx context.Context, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	userID, ok := session.UserIDFromContext(ctx)
	if !ok {
		return "", session.ErrUnauthorized
	}
	m, err := a.memberships.GetPrimary(ctx, userID)
	if err != nil {
		return "", session.ErrUnauthorized
	}
	return m.OrganizationID, nil
}

// ensureScopedPermission resolves the org scope and authorizes in one step.
func (a *API) ensureScopedPermission(w http.ResponseWriter, r *http.Request, explicitOrg, perm string) bool {
	orgID, err := a.actorOrgID(r.Context(), explicitOrg)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return a.ensurePermission(w, r, orgID, perm)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
