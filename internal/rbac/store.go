package rbac

import "context"

// Store describes persistence operations for the role/permission graph.
// The system-flag latch and delete protection are enforced here, inside the
// same transaction as the write, so direct administrative edits cannot
// bypass them.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	FindRole(ctx context.Context, roleID string) (*Role, error)
	FindRoleByCode(ctx context.Context, code string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// DeleteRole fails with ErrProtected when the role is system-owned.
	DeleteRole(ctx context.Context, roleID string) error
	// SetRoleSystem latches one way: raising the flag always succeeds,
	// lowering it on a system role fails with ErrProtected.
	SetRoleSystem(ctx context.Context, roleID string, system bool) error

	CreatePermission(ctx context.Context, perm *Permission) error
	FindPermission(ctx context.Context, permID string) (*Permission, error)
	FindPermissionByCode(ctx context.Context, code string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
	DeletePermission(ctx context.Context, permID string) error
	SetPermissionSystem(ctx context.Context, permID string, system bool) error
	// EnsurePermissions inserts missing catalog entries, skipping existing codes.
	EnsurePermissions(ctx context.Context, perms []Permission) error

	// UpsertAssignment overwrites is_allowed/scope/constraints on the unique
	// (role, permission) pair instead of duplicating rows.
	UpsertAssignment(ctx context.Context, a *Assignment) error
	DeactivateAssignment(ctx context.Context, roleID, permID string) error
	ListAssignments(ctx context.Context, roleID string) ([]*Assignment, error)

	AssignRoleToUser(ctx context.Context, ur *UserRole) error
	RevokeRoleFromUser(ctx context.Context, userID, roleID string) error
	ListUserRoles(ctx context.Context, userID string) ([]*UserRole, error)

	// GrantsForUser resolves the active assignment rows of the user's active
	// roles that match the permission code.
	GrantsForUser(ctx context.Context, userID, permissionCode string) ([]Grant, error)
}
