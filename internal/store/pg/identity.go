package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tallyhq.io/internal/identity"
	"tallyhq.io/internal/ids"
)

var _ identity.Store = (*Store)(nil)

const userColumns = `id, email, password_hash, full_name, status, is_email_verified,
	email_verified_at, locked_until, is_active, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, full_name, status, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, nullIfEmpty(u.FullName), u.Status, u.IsActive)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`, email))
}

func (s *Store) scanUser(row *sql.Row) (*identity.User, error) {
	var (
		u          identity.User
		fullName   sql.NullString
		verifiedAt sql.NullTime
		lockedTill sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &fullName, &u.Status,
		&u.IsEmailVerified, &verifiedAt, &lockedTill, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fullName.Valid {
		u.FullName = fullName.String
	}
	u.EmailVerifiedAt = timePtr(verifiedAt)
	u.LockedUntil = timePtr(lockedTill)
	return &u, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd identity.ProfileUpdate) (*identity.User, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if upd.FullName != nil {
		if *upd.FullName == "" {
			sets = append(sets, "full_name = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("full_name = $%d", idx))
			args = append(args, *upd.FullName)
			idx++
		}
	}
	if upd.Password != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.Password)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, identity.ErrConflict
			}
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, identity.ErrNotFound
		}
	}
	return s.FindUser(ctx, id)
}

func (s *Store) SetUserStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status = $1, updated_at = now() where id = $2`, status, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// MarkEmailVerified flips the verification flag exactly once. The returned
// bool reports whether this call performed the flip; an already-verified
// user is a no-op, not an error.
func (s *Store) MarkEmailVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update users
		set is_email_verified = true, email_verified_at = $1, updated_at = now()
		where id = $2 and is_email_verified = false
	`, at, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 0 {
		// Either unknown user or already verified; distinguish the two.
		var exists int
		err := s.db.QueryRowContext(ctx, `select 1 from users where id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, identity.ErrNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *Store) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_active = $1, updated_at = now() where id = $2`, active, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set locked_until = $1, updated_at = now() where id = $2`, nullTime(until), id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) CreateOrganization(ctx context.Context, org *identity.Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into organizations (id, name, currency)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, org.ID, org.Name, nullIfEmpty(org.Currency))
	if err := row.Scan(&org.CreatedAt, &org.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindOrganization(ctx context.Context, id string) (*identity.Organization, error) {
	var (
		org      identity.Organization
		currency sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, currency, created_at, updated_at
		from organizations where id = $1
	`, id).Scan(&org.ID, &org.Name, &currency, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if currency.Valid {
		org.Currency = currency.String
	}
	return &org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*identity.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, currency, created_at, updated_at
		from organizations order by created_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*identity.Organization
	for rows.Next() {
		var (
			org      identity.Organization
			currency sql.NullString
		)
		if err := rows.Scan(&org.ID, &org.Name, &currency, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		if currency.Valid {
			org.Currency = currency.String
		}
		result = append(result, &org)
	}
	return result, rows.Err()
}
