package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tallyhq.io/internal/ids"
	"tallyhq.io/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, code, is_system, is_active)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, role.ID, role.Name, role.Code, role.IsSystem, role.IsActive)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, name, code, is_system, is_active, created_at, updated_at
		from roles where id = $1
	`, roleID))
}

func (s *Store) FindRoleByCode(ctx context.Context, code string) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, name, code, is_system, is_active, created_at, updated_at
		from roles where code = $1
	`, code))
}

func scanRole(row *sql.Row) (*rbac.Role, error) {
	var role rbac.Role
	err := row.Scan(&role.ID, &role.Name, &role.Code, &role.IsSystem,
		&role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, code, is_system, is_active, created_at, updated_at
		from roles order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Code, &role.IsSystem,
			&role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role after asserting, under a row lock, that it is
// not system-owned. The check and the delete commit together so a
// concurrent latch flip cannot slip a protected role through.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.deleteProtected(ctx, "roles", roleID, rbac.ErrNotFound)
}

// SetRoleSystem latches one way: raising always succeeds, lowering a
// currently-system role fails with ErrProtected.
func (s *Store) SetRoleSystem(ctx context.Context, roleID string, system bool) error {
	return s.latchSystem(ctx, "roles", roleID, system, rbac.ErrNotFound)
}

func (s *Store) CreatePermission(ctx context.Context, perm *rbac.Permission) error {
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, code, resource, action, is_system)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, perm.ID, perm.Code, perm.Resource, perm.Action, perm.IsSystem)
	if err := row.Scan(&perm.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindPermission(ctx context.Context, permID string) (*rbac.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		select id, code, resource, action, is_system, created_at
		from permissions where id = $1
	`, permID))
}

func (s *Store) FindPermissionByCode(ctx context.Context, code string) (*rbac.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		select id, code, resource, action, is_system, created_at
		from permissions where code = $1
	`, code))
}

func scanPermission(row *sql.Row) (*rbac.Permission, error) {
	var perm rbac.Permission
	err := row.Scan(&perm.ID, &perm.Code, &perm.Resource, &perm.Action,
		&perm.IsSystem, &perm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, code, resource, action, is_system, created_at
		from permissions order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*rbac.Permission
	for rows.Next() {
		var perm rbac.Permission
		if err := rows.Scan(&perm.ID, &perm.Code, &perm.Resource, &perm.Action,
			&perm.IsSystem, &perm.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, &perm)
	}
	return perms, rows.Err()
}

func (s *Store) DeletePermission(ctx context.Context, permID string) error {
	return s.deleteProtected(ctx, "permissions", permID, rbac.ErrNotFound)
}

func (s *Store) SetPermissionSystem(ctx context.Context, permID string, system bool) error {
	return s.latchSystem(ctx, "permissions", permID, system, rbac.ErrNotFound)
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx, `
			insert into permissions (id, code, resource, action, is_system)
			values ($1, $2, $3, $4, $5)
			on conflict (code) do nothing
		`, p.ID, p.Code, p.Resource, p.Action, p.IsSystem)
		if err != nil {
			return err
		}
	}
	return nil
}

// deleteProtected deletes a role or permission under validate-then-commit:
// the row is locked, the system flag asserted, and only then deleted.
func (s *Store) deleteProtected(ctx context.Context, table, id string, notFound error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var isSystem bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`select is_system from %s where id = $1 for update`, table), id).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	if isSystem {
		return rbac.ErrProtected
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where id = $1`, table), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) latchSystem(ctx context.Context, table, id string, system bool, notFound error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var isSystem bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`select is_system from %s where id = $1 for update`, table), id).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	if isSystem && !system {
		return rbac.ErrProtected
	}
	if isSystem == system {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`update %s set is_system = $1 where id = $2`, table), system, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertAssignment overwrites allow/scope/constraints on the unique
// (role, permission) pair instead of duplicating rows.
func (s *Store) UpsertAssignment(ctx context.Context, a *rbac.Assignment) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	constraints := []byte("null")
	if len(a.Constraints) > 0 {
		b, err := json.Marshal(a.Constraints)
		if err != nil {
			return fmt.Errorf("marshal constraints: %w", err)
		}
		constraints = b
	}
	row := s.db.QueryRowContext(ctx, `
		insert into role_permissions (id, role_id, permission_id, is_allowed, scope, constraints, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (role_id, permission_id) do update
		set is_allowed = excluded.is_allowed,
		    scope = excluded.scope,
		    constraints = excluded.constraints,
		    is_active = excluded.is_active,
		    updated_at = now()
		returning id, created_at, updated_at
	`, a.ID, a.RoleID, a.PermissionID, a.IsAllowed, nullIfEmpty(a.Scope), constraints, a.IsActive)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) DeactivateAssignment(ctx context.Context, roleID, permID string) error {
	res, err := s.db.ExecContext(ctx, `
		update role_permissions set is_active = false, updated_at = now()
		where role_id = $1 and permission_id = $2
	`, roleID, permID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) ListAssignments(ctx context.Context, roleID string) ([]*rbac.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, role_id, permission_id, is_allowed, scope, constraints, is_active, created_at, updated_at
		from role_permissions where role_id = $1 order by created_at asc
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rbac.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAssignment(rows *sql.Rows) (*rbac.Assignment, error) {
	var (
		a           rbac.Assignment
		scope       sql.NullString
		constraints []byte
	)
	if err := rows.Scan(&a.ID, &a.RoleID, &a.PermissionID, &a.IsAllowed,
		&scope, &constraints, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if scope.Valid {
		a.Scope = scope.String
	}
	if len(constraints) > 0 && string(constraints) != "null" {
		if err := json.Unmarshal(constraints, &a.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
	}
	return &a, nil
}

func (s *Store) AssignRoleToUser(ctx context.Context, ur *rbac.UserRole) error {
	if ur.ID == "" {
		ur.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (id, user_id, role_id, assigned_by, assigned_at, is_active)
		values ($1, $2, $3, $4, $5, $6)
	`, ur.ID, ur.UserID, ur.RoleID, nullIfEmpty(ur.AssignedBy), ur.AssignedAt, ur.IsActive)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) RevokeRoleFromUser(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]*rbac.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role_id, assigned_by, assigned_at, is_active
		from user_roles where user_id = $1 order by assigned_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rbac.UserRole
	for rows.Next() {
		var (
			ur         rbac.UserRole
			assignedBy sql.NullString
		)
		if err := rows.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &assignedBy,
			&ur.AssignedAt, &ur.IsActive); err != nil {
			return nil, err
		}
		if assignedBy.Valid {
			ur.AssignedBy = assignedBy.String
		}
		result = append(result, &ur)
	}
	return result, rows.Err()
}

// GrantsForUser resolves active assignment rows of the user's active roles
// matching the permission code. Inactive user roles, inactive roles and
// deactivated assignments contribute nothing.
func (s *Store) GrantsForUser(ctx context.Context, userID, permissionCode string) ([]rbac.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.code, rp.is_allowed, rp.scope, rp.constraints
		from user_roles ur
		join roles r on r.id = ur.role_id and r.is_active
		join role_permissions rp on rp.role_id = r.id and rp.is_active
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1 and ur.is_active and p.code = $2
	`, userID, permissionCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []rbac.Grant
	for rows.Next() {
		var (
			g           rbac.Grant
			scope       sql.NullString
			constraints []byte
		)
		if err := rows.Scan(&g.RoleID, &g.RoleCode, &g.IsAllowed, &scope, &constraints); err != nil {
			return nil, err
		}
		if scope.Valid {
			g.Scope = scope.String
		}
		if len(constraints) > 0 && string(constraints) != "null" {
			if err := json.Unmarshal(constraints, &g.Constraints); err != nil {
				return nil, fmt.Errorf("decode constraints: %w", err)
			}
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
