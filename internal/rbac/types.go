package rbac

import "time"

// Role groups permissions under an immutable code. System roles are owned
// by the platform and can never be deleted or downgraded.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	IsSystem  bool      `json:"is_system"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability identified by a globally unique
// code over a resource/action pair.
type Permission struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	IsSystem  bool      `json:"is_system"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment links a role to a permission. IsAllowed false is an explicit
// deny, distinct from absence of a grant. Constraints carry structured
// key/value conditions evaluated against the request context.
type Assignment struct {
	ID           string         `json:"id"`
	RoleID       string         `json:"role_id"`
	PermissionID string         `json:"permission_id"`
	IsAllowed    bool           `json:"is_allowed"`
	Scope        string         `json:"scope,omitempty"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UserRole assigns a role to a user.
type UserRole struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
	IsActive   bool      `json:"is_active"`
}

// Grant is one resolved (role, permission) edge for a user, as consumed by
// the authorization engine. Only active user roles, active roles and active
// assignments produce grants.
type Grant struct {
	RoleID      string
	RoleCode    string
	IsAllowed   bool
	Scope       string
	Constraints map[string]any
}
