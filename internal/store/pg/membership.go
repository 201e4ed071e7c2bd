package pg

import (
	"context"
	"database/sql"
	"errors"

	"tallyhq.io/internal/ids"
	"tallyhq.io/internal/membership"
)

var _ membership.Store = (*Store)(nil)

const membershipColumns = `id, user_id, organization_id, role_label, is_primary, is_active, created_at`

// Add inserts a membership and resolves primacy in the same transaction.
// The user row is locked first so concurrent membership changes for the
// same user serialize; a user gaining their first active membership gets
// it marked primary atomically.
func (s *Store) Add(ctx context.Context, m *membership.Membership) error {
	if m.ID == "" {
		m.ID = ids.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx,
		`select 1 from users where id = $1 for update`, m.UserID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return membership.ErrNotFound
		}
		return err
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		select 1 from memberships
		where user_id = $1 and organization_id = $2 and is_active
	`, m.UserID, m.OrganizationID).Scan(&exists)
	if err == nil {
		return membership.ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var hasPrimary bool
	if err := tx.QueryRowContext(ctx, `
		select exists(
			select 1 from memberships where user_id = $1 and is_primary and is_active
		)
	`, m.UserID).Scan(&hasPrimary); err != nil {
		return err
	}
	m.IsPrimary = !hasPrimary

	row := tx.QueryRowContext(ctx, `
		insert into memberships (id, user_id, organization_id, role_label, is_primary, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, m.ID, m.UserID, m.OrganizationID, nullIfEmpty(m.RoleLabel), m.IsPrimary, m.IsActive)
	if err := row.Scan(&m.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return membership.ErrDuplicate
			case pgErrForeignKeyViolation:
				return membership.ErrNotFound
			}
		}
		return err
	}
	return tx.Commit()
}

// Deactivate retires a membership. When the primary membership is retired,
// the oldest remaining active membership is promoted in the same
// transaction; deactivating an already-inactive membership is a no-op.
// Locks are taken in the same order as Add (user row, then membership row)
// so concurrent Add/Deactivate for one user cannot deadlock.
func (s *Store) Deactivate(ctx context.Context, membershipID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx,
		`select user_id from memberships where id = $1`, membershipID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.ErrNotFound
	}
	if err != nil {
		return err
	}

	var dummy int
	if err := tx.QueryRowContext(ctx,
		`select 1 from users where id = $1 for update`, userID).Scan(&dummy); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var (
		wasPrimary bool
		wasActive  bool
	)
	err = tx.QueryRowContext(ctx, `
		select is_primary, is_active from memberships where id = $1 for update
	`, membershipID).Scan(&wasPrimary, &wasActive)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !wasActive {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		update memberships set is_active = false, is_primary = false where id = $1
	`, membershipID); err != nil {
		return err
	}

	if wasPrimary {
		// Promote deterministically: lowest creation order, id as tiebreak.
		if _, err := tx.ExecContext(ctx, `
			update memberships set is_primary = true
			where id = (
				select id from memberships
				where user_id = $1 and is_active
				order by created_at asc, id asc
				limit 1
			)
		`, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) FindMembership(ctx context.Context, membershipID string) (*membership.Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from memberships where id = $1`, membershipID))
}

func (s *Store) FindActive(ctx context.Context, userID, orgID string) (*membership.Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1 and organization_id = $2 and is_active
	`, userID, orgID))
}

func (s *Store) FindPrimary(ctx context.Context, userID string) (*membership.Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1 and is_primary and is_active
	`, userID))
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]*membership.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1 order by created_at asc, id asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*membership.Membership
	for rows.Next() {
		var (
			m         membership.Membership
			roleLabel sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.OrganizationID, &roleLabel,
			&m.IsPrimary, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, err
		}
		if roleLabel.Valid {
			m.RoleLabel = roleLabel.String
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func scanMembership(row *sql.Row) (*membership.Membership, error) {
	var (
		m         membership.Membership
		roleLabel sql.NullString
	)
	err := row.Scan(&m.ID, &m.UserID, &m.OrganizationID, &roleLabel,
		&m.IsPrimary, &m.IsActive, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if roleLabel.Valid {
		m.RoleLabel = roleLabel.String
	}
	return &m, nil
}
