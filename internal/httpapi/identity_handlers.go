package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"tallyhq.io/internal/audit"
	"tallyhq.io/internal/identity"
	"tallyhq.io/internal/membership"
	"tallyhq.io/internal/rbac"
	"tallyhq.io/internal/session"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Status   string `json:"status"`
}

type updateProfileRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Password *string `json:"password"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type createOrganizationRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type addMembershipRequest struct {
	UserID    string `json:"user_id"`
	RoleLabel string `json:"role_label"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := session.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}
	resp := map[string]any{"user": user}
	if primary, err := a.memberships.GetPrimary(r.Context(), user.ID); err == nil {
		resp["primary_membership"] = primary
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.identity.CreateUser(r.Context(), req.Email, req.Password, req.FullName, req.Status)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.create", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/users/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getUser(w, r, userID)
		case http.MethodPatch:
			a.updateProfile(w, r, userID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
		return
	}

	switch parts[1] {
	case "status":
		if len(parts) != 2 || r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setUserStatus(w, r, userID)
	case "verify-email":
		if len(parts) != 2 || r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.verifyEmail(w, r, userID)
	case "deactivate":
		if len(parts) != 2 || r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivateUser(w, r, userID)
	case "memberships":
		if len(parts) != 2 || r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listUserMemberships(w, r, userID)
	case "roles":
		a.handleUserRoles(w, r, userID, parts[2:])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, userID string) {
	// users may read themselves; anything else needs membership admin
	if actor, ok := session.UserIDFromContext(r.Context()); !ok || actor != userID {
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
			return
		}
	}
	user, err := a.identity.GetUser(r.Context(), userID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	if actor, ok := session.UserIDFromContext(r.Context()); !ok || actor != userID {
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
			return
		}
	}
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.identity.UpdateProfile(r.Context(), userID, identity.ProfileUpdate{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
	})
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	if req.Password != nil {
		// credential change invalidates every outstanding session
		_ = a.sessions.RevokeUserTokens(r.Context(), userID, "", "password_changed")
	}
	_ = audit.LogEvent(r.Context(), "identity.user.update", map[string]any{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) setUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
		return
	}
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.identity.SetStatus(r.Context(), userID, req.Status); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.status", map[string]any{
		"user_id": userID,
		"status":  req.Status,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request, userID string) {
	if actor, ok := session.UserIDFromContext(r.Context()); !ok || actor != userID {
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
			return
		}
	}
	if err := a.identity.VerifyEmail(r.Context(), userID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request, userID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
		return
	}
	if err := a.identity.Deactivate(r.Context(), userID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = a.sessions.RevokeUserTokens(r.Context(), userID, "", "user_deactivated")
	_ = audit.LogEvent(r.Context(), "identity.user.deactivate", map[string]any{
		"user_id": userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserMemberships(w http.ResponseWriter, r *http.Request, userID string) {
	if actor, ok := session.UserIDFromContext(r.Context()); !ok || actor != userID {
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageMemberships) {
			return
		}
	}
	list, err := a.memberships.ListForUser(r.Context(), userID)
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": list})
}

// --- organizations ---

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orgs, err := a.identity.ListOrganizations(r.Context())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
	case http.MethodPost:
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageOrganizations) {
			return
		}
		var req createOrganizationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		org, err := a.identity.CreateOrganization(r.Context(), req.Name, req.Currency)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "identity.organization.create", map[string]any{
			"organization_id": org.ID,
			"name":            org.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
		writeJSON(w, http.StatusCreated, org)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleOrganizationResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/organizations/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	orgID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		org, err := a.identity.GetOrganization(r.Context(), orgID)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
		return
	}

	switch parts[1] {
	case "memberships":
		if len(parts) != 2 || r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.addMembership(w, r, orgID)
	case "licenses":
		if len(parts) != 2 || r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listOrgLicenses(w, r, orgID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) addMembership(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensurePermission(w, r, orgID, rbac.PermManageMemberships) {
		return
	}
	var req addMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.memberships.Add(r.Context(), req.UserID, orgID, req.RoleLabel)
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "membership.add", map[string]any{
		"membership_id":   m.ID,
		"user_id":         m.UserID,
		"organization_id": m.OrganizationID,
		"is_primary":      m.IsPrimary,
	})
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleMembershipResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/memberships/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	membershipID := parts[0]
	m, err := a.memberships.Get(r.Context(), membershipID)
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	if !a.ensurePermission(w, r, m.OrganizationID, rbac.PermManageMemberships) {
		return
	}
	if err := a.memberships.Deactivate(r.Context(), membershipID); err != nil {
		handleMembershipError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "membership.deactivate", map[string]any{
		"membership_id":   membershipID,
		"organization_id": m.OrganizationID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listOrgLicenses(w http.ResponseWriter, r *http.Request, orgID string) {
	if !a.ensurePermission(w, r, orgID, rbac.PermManageLicenses) {
		return
	}
	list, err := a.licenses.ListForOrg(r.Context(), orgID)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": list})
}

func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "identity operation failed")
	}
}

func handleMembershipError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, membership.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, membership.ErrDuplicate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, membership.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "membership operation failed")
	}
}
