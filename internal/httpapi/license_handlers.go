package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"tallyhq.io/internal/audit"
	"tallyhq.io/internal/license"
	"tallyhq.io/internal/rbac"
)

type issueLicenseRequest struct {
	OrganizationID string    `json:"organization_id"`
	Plan           string    `json:"plan"`
	StartsAt       time.Time `json:"starts_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	MaxUsers       int       `json:"max_users"`
}

type amendLicenseRequest struct {
	Key       *string    `json:"key"`
	Plan      *string    `json:"plan"`
	Status    *string    `json:"status"`
	StartsAt  *time.Time `json:"starts_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	MaxUsers  *int       `json:"max_users"`
}

type revokeLicenseRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleLicenses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.ensureScopedPermission(w, r, req.OrganizationID, rbac.PermManageLicenses) {
		return
	}
	l, err := a.licenses.Issue(r.Context(), req.OrganizationID, req.Plan, req.StartsAt, req.ExpiresAt, req.MaxUsers)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "license.issue", map[string]any{
		"license_id":      l.ID,
		"organization_id": l.OrganizationID,
		"plan":            l.Plan,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/licenses/%s", l.ID))
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) handleLicenseResource(w http.ResponseWriter, r *http.Request) {
	parts := resourcePath(r, "/v1/licenses/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	licenseID := parts[0]

	l, err := a.licenses.Get(r.Context(), licenseID)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	if !a.ensureScopedPermission(w, r, l.OrganizationID, rbac.PermManageLicenses) {
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, l)
		case http.MethodPatch:
			a.amendLicense(w, r, licenseID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "revoke" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req revokeLicenseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.licenses.Revoke(r.Context(), licenseID, req.Reason); err != nil {
			handleLicenseError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "license.revoke", map[string]any{
			"license_id": licenseID,
			"reason":     req.Reason,
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) amendLicense(w http.ResponseWriter, r *http.Request, licenseID string) {
	var req amendLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	l, err := a.licenses.Amend(r.Context(), licenseID, license.Update{
		Key:       req.Key,
		Plan:      req.Plan,
		Status:    req.Status,
		StartsAt:  req.StartsAt,
		ExpiresAt: req.ExpiresAt,
		MaxUsers:  req.MaxUsers,
	})
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "license.amend", map[string]any{
		"license_id": l.ID,
	})
	writeJSON(w, http.StatusOK, l)
}

func handleLicenseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, license.ErrInvalidInput), errors.Is(err, license.ErrInvalidWindow):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrImmutableKey):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "license operation failed")
	}
}
