package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"tallyhq.io/internal/audit"
	"tallyhq.io/internal/rbac"
	"tallyhq.io/internal/session"
)

type createRoleRequest struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	System bool   `json:"is_system"`
}

type createPermissionRequest struct {
	Code     string `json:"code"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	System   bool   `json:"is_system"`
}

type assignPermissionRequest struct {
	PermissionID string         `json:"permission_id"`
	IsAllowed    *bool          `json:"is_allowed"`
	Scope        string         `json:"scope"`
	Constraints  map[string]any `json:"constraints"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type setSystemRequest struct {
	IsSystem bool `json:"is_system"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Code, req.System)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
			"role_id": role.ID,
			"code":    role.Code,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/roles/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			role, err := a.rbac.GetRole(r.Context(), roleID)
			if err != nil {
				handleRBACError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodDelete:
			a.deleteRole(w, r, roleID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "system":
		if len(parts) != 2 || r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.setRoleSystem(w, r, roleID)
	case "permissions":
		a.handleRolePermissions(w, r, roleID, parts[2:])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, roleID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", map[string]any{
		"role_id": roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setRoleSystem(w http.ResponseWriter, r *http.Request, roleID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
		return
	}
	var req setSystemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.SetRoleSystem(r.Context(), roleID, req.IsSystem); err != nil {
		handleRBACError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			list, err := a.rbac.ListAssignments(r.Context(), roleID)
			if err != nil {
				handleRBACError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"assignments": list})
		case http.MethodPost:
			a.assignPermission(w, r, roleID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		if err := a.rbac.DeactivateAssignment(r.Context(), roleID, rest[0]); err != nil {
			handleRBACError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) assignPermission(w http.ResponseWriter, r *http.Request, roleID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
		return
	}
	var req assignPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	allowed := true
	if req.IsAllowed != nil {
		allowed = *req.IsAllowed
	}
	assignment, err := a.rbac.AssignPermission(r.Context(), roleID, req.PermissionID, allowed, req.Scope, req.Constraints)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.assign_permission", map[string]any{
		"role_id":       roleID,
		"permission_id": assignment.PermissionID,
		"is_allowed":    assignment.IsAllowed,
	})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		perms, err := a.rbac.ListPermissions(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPost:
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), req.Code, req.Resource, req.Action, req.System)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.create", map[string]any{
			"permission_id": perm.ID,
			"code":          perm.Code,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/permissions/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	permID := parts[0]

	if len(parts) == 2 && parts[1] == "system" {
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		var req setSystemRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.SetPermissionSystem(r.Context(), permID, req.IsSystem); err != nil {
			handleRBACError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		perm, err := a.rbac.GetPermission(r.Context(), permID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, perm)
	case http.MethodDelete:
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		if err := a.rbac.DeletePermission(r.Context(), permID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.delete", map[string]any{
			"permission_id": permID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

// handleUserRoles serves role assignments under /v1/users/{id}/roles.
func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			list, err := a.rbac.ListUserRoles(r.Context(), userID)
			if err != nil {
				handleRBACError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"user_roles": list})
		case http.MethodPost:
			a.assignUserRole(w, r, userID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
			return
		}
		if err := a.rbac.RevokeRoleFromUser(r.Context(), userID, rest[0]); err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.revoke_role", map[string]any{
			"user_id": userID,
			"role_id": rest[0],
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) assignUserRole(w http.ResponseWriter, r *http.Request, userID string) {
	if !a.ensureScopedPermission(w, r, "", rbac.PermManageRoles) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := session.UserIDFromContext(r.Context())
	ur, err := a.rbac.AssignRoleToUser(r.Context(), userID, req.RoleID, actor)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.assign_role", map[string]any{
		"user_id": userID,
		"role_id": ur.RoleID,
	})
	writeJSON(w, http.StatusCreated, ur)
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrProtected):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}
