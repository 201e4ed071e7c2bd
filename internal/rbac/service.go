package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service wraps Store with input validation. Invariant enforcement lives in
// the store; the service rejects obviously malformed input early.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateRole registers a role under an immutable code.
func (s *Service) CreateRole(ctx context.Context, name, code string, system bool) (*Role, error) {
	name = strings.TrimSpace(name)
	code = normalizeCode(code)
	if name == "" || code == "" {
		return nil, fmt.Errorf("%w: role name and code are required", ErrInvalidInput)
	}
	role := &Role{Name: name, Code: code, IsSystem: system, IsActive: true}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole loads a role by id.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.FindRole(ctx, roleID)
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.ListRoles(ctx)
}

// DeleteRole removes a role. System roles are never deletable.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.DeleteRole(ctx, roleID)
}

// SetRoleSystem flips the system flag. Raising it is always permitted;
// lowering it on a system role fails with ErrProtected.
func (s *Service) SetRoleSystem(ctx context.Context, roleID string, system bool) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.SetRoleSystem(ctx, roleID, system)
}

// CreatePermission registers a capability under a globally unique code.
func (s *Service) CreatePermission(ctx context.Context, code, resource, action string, system bool) (*Permission, error) {
	code = normalizeCode(code)
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if code == "" || resource == "" || action == "" {
		return nil, fmt.Errorf("%w: permission code, resource and action are required", ErrInvalidInput)
	}
	perm := &Permission{Code: code, Resource: resource, Action: action, IsSystem: system}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// GetPermission loads a permission by id.
func (s *Service) GetPermission(ctx context.Context, permID string) (*Permission, error) {
	permID = strings.TrimSpace(permID)
	if permID == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.FindPermission(ctx, permID)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.store.ListPermissions(ctx)
}

// DeletePermission removes a permission. System permissions are never deletable.
func (s *Service) DeletePermission(ctx context.Context, permID string) error {
	permID = strings.TrimSpace(permID)
	if permID == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.DeletePermission(ctx, permID)
}

// SetPermissionSystem flips the system flag with the same one-way latch as roles.
func (s *Service) SetPermissionSystem(ctx context.Context, permID string, system bool) error {
	permID = strings.TrimSpace(permID)
	if permID == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.SetPermissionSystem(ctx, permID, system)
}

// EnsureBuiltins ensures predefined permissions exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// AssignPermission upserts the (role, permission) assignment, overwriting
// allow/deny, scope and constraints on re-assignment.
func (s *Service) AssignPermission(ctx context.Context, roleID, permID string, allowed bool, scope string, constraints map[string]any) (*Assignment, error) {
	roleID = strings.TrimSpace(roleID)
	permID = strings.TrimSpace(permID)
	if roleID == "" || permID == "" {
		return nil, fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	a := &Assignment{
		RoleID:       roleID,
		PermissionID: permID,
		IsAllowed:    allowed,
		Scope:        strings.TrimSpace(scope),
		Constraints:  constraints,
		IsActive:     true,
	}
	if err := s.store.UpsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeactivateAssignment retires an assignment without deleting its history.
// A deactivated assignment contributes nothing to permission resolution.
func (s *Service) DeactivateAssignment(ctx context.Context, roleID, permID string) error {
	roleID = strings.TrimSpace(roleID)
	permID = strings.TrimSpace(permID)
	if roleID == "" || permID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return s.store.DeactivateAssignment(ctx, roleID, permID)
}

// ListAssignments returns the assignments of a role.
func (s *Service) ListAssignments(ctx context.Context, roleID string) ([]*Assignment, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.ListAssignments(ctx, roleID)
}

// AssignRoleToUser gives a user a role. Duplicate pairs conflict.
func (s *Service) AssignRoleToUser(ctx context.Context, userID, roleID, assignedBy string) (*UserRole, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	ur := &UserRole{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: strings.TrimSpace(assignedBy),
		AssignedAt: s.now().UTC(),
		IsActive:   true,
	}
	if err := s.store.AssignRoleToUser(ctx, ur); err != nil {
		return nil, err
	}
	return ur, nil
}

// RevokeRoleFromUser removes a user's role assignment.
func (s *Service) RevokeRoleFromUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.RevokeRoleFromUser(ctx, userID, roleID)
}

// ListUserRoles returns all role assignments of a user.
func (s *Service) ListUserRoles(ctx context.Context, userID string) ([]*UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListUserRoles(ctx, userID)
}

// GrantsForUser resolves the assignment rows feeding the authorization engine.
func (s *Service) GrantsForUser(ctx context.Context, userID, permissionCode string) ([]Grant, error) {
	userID = strings.TrimSpace(userID)
	permissionCode = normalizeCode(permissionCode)
	if userID == "" || permissionCode == "" {
		return nil, fmt.Errorf("%w: user_id and permission code are required", ErrInvalidInput)
	}
	return s.store.GrantsForUser(ctx, userID, permissionCode)
}

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ToLower(code))
}
