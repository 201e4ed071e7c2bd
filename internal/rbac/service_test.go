package rbac

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubStore records the values the service hands down.
type stubStore struct {
	role     *Role
	perm     *Permission
	assign   *Assignment
	userRole *UserRole
	ensured  []Permission
}

func (s *stubStore) CreateRole(ctx context.Context, role *Role) error {
	s.role = role
	return nil
}
func (s *stubStore) FindRole(ctx context.Context, roleID string) (*Role, error) {
	return nil, ErrNotFound
}
func (s *stubStore) FindRoleByCode(ctx context.Context, code string) (*Role, error) {
	return nil, ErrNotFound
}
func (s *stubStore) ListRoles(ctx context.Context) ([]*Role, error)      { return nil, nil }
func (s *stubStore) DeleteRole(ctx context.Context, roleID string) error { return nil }
func (s *stubStore) SetRoleSystem(ctx context.Context, roleID string, system bool) error {
	return nil
}

func (s *stubStore) CreatePermission(ctx context.Context, perm *Permission) error {
	s.perm = perm
	return nil
}
func (s *stubStore) FindPermission(ctx context.Context, permID string) (*Permission, error) {
	return nil, ErrNotFound
}
func (s *stubStore) FindPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	return nil, ErrNotFound
}
func (s *stubStore) ListPermissions(ctx context.Context) ([]*Permission, error) { return nil, nil }
func (s *stubStore) DeletePermission(ctx context.Context, permID string) error  { return nil }
func (s *stubStore) SetPermissionSystem(ctx context.Context, permID string, system bool) error {
	return nil
}
func (s *stubStore) EnsurePermissions(ctx context.Context, perms []Permission) error {
	s.ensured = perms
	return nil
}

func (s *stubStore) UpsertAssignment(ctx context.Context, a *Assignment) error {
	s.assign = a
	return nil
}
func (s *stubStore) DeactivateAssignment(ctx context.Context, roleID, permID string) error {
	return nil
}
func (s *stubStore) ListAssignments(ctx context.Context, roleID string) ([]*Assignment, error) {
	return nil, nil
}

func (s *stubStore) AssignRoleToUser(ctx context.Context, ur *UserRole) error {
	s.userRole = ur
	return nil
}
func (s *stubStore) RevokeRoleFromUser(ctx context.Context, userID, roleID string) error {
	return nil
}
func (s *stubStore) ListUserRoles(ctx context.Context, userID string) ([]*UserRole, error) {
	return nil, nil
}
func (s *stubStore) GrantsForUser(ctx context.Context, userID, permissionCode string) ([]Grant, error) {
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *stubStore) {
	t.Helper()
	st := &stubStore{}
	svc, err := NewService(st)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func TestCreateRoleNormalizesCode(t *testing.T) {
	svc, st := newTestService(t)
	role, err := svc.CreateRole(context.Background(), "  Billing Admin ", "  Billing_Admin ", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Code != "billing_admin" {
		t.Errorf("code not normalized: %q", role.Code)
	}
	if role.Name != "Billing Admin" {
		t.Errorf("name not trimmed: %q", role.Name)
	}
	if !role.IsActive {
		t.Error("new role should be active")
	}
	if st.role != role {
		t.Error("role not passed to store")
	}
}

func TestCreateRoleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateRole(context.Background(), "", "code", false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing name: %v", err)
	}
	if _, err := svc.CreateRole(context.Background(), "Name", "   ", false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing code: %v", err)
	}
}

func TestCreatePermissionNormalizes(t *testing.T) {
	svc, st := newTestService(t)
	perm, err := svc.CreatePermission(context.Background(), " Invoice.Void ", " Invoice ", " Void ", true)
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if perm.Code != "invoice.void" || perm.Resource != "invoice" || perm.Action != "void" {
		t.Errorf("not normalized: %+v", perm)
	}
	if !perm.IsSystem {
		t.Error("system flag dropped")
	}
	if st.perm != perm {
		t.Error("permission not passed to store")
	}
}

func TestEnsureBuiltinsSeedsCatalog(t *testing.T) {
	svc, st := newTestService(t)
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	if len(st.ensured) != len(BuiltinPermissions) {
		t.Fatalf("seeded %d permissions, want %d", len(st.ensured), len(BuiltinPermissions))
	}
	for _, p := range st.ensured {
		if !p.IsSystem {
			t.Errorf("builtin %s not system-owned", p.Code)
		}
	}
}

func TestAssignPermissionDefaults(t *testing.T) {
	svc, st := newTestService(t)
	a, err := svc.AssignPermission(context.Background(), " r1 ", " p1 ", true, " org ", map[string]any{"max_amount": 100})
	if err != nil {
		t.Fatalf("AssignPermission: %v", err)
	}
	if a.RoleID != "r1" || a.PermissionID != "p1" || a.Scope != "org" {
		t.Errorf("not trimmed: %+v", a)
	}
	if !a.IsActive || !a.IsAllowed {
		t.Errorf("flags: %+v", a)
	}
	if st.assign != a {
		t.Error("assignment not passed to store")
	}
}

func TestAssignRoleToUserStampsTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &stubStore{}
	svc, err := NewService(st, WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ur, err := svc.AssignRoleToUser(context.Background(), "u1", "r1", "admin-1")
	if err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}
	if !ur.AssignedAt.Equal(at) {
		t.Errorf("assigned_at = %v", ur.AssignedAt)
	}
	if ur.AssignedBy != "admin-1" || !ur.IsActive {
		t.Errorf("unexpected assignment: %+v", ur)
	}
}

func TestGrantsForUserValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GrantsForUser(context.Background(), "", "invoice.void"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing user: %v", err)
	}
	if _, err := svc.GrantsForUser(context.Background(), "u1", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing permission: %v", err)
	}
}
