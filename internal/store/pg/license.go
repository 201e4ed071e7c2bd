package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tallyhq.io/internal/ids"
	"tallyhq.io/internal/license"
)

var _ license.Store = (*Store)(nil)

const licenseColumns = `id, organization_id, key, plan, status, starts_at, expires_at,
	max_users, revoked_at, revoked_reason, created_at, updated_at`

func (s *Store) Create(ctx context.Context, l *license.License) error {
	if l.ID == "" {
		l.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into licenses (id, organization_id, key, plan, status, starts_at, expires_at, max_users)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, l.ID, nullIfEmpty(l.OrganizationID), l.Key, l.Plan, l.Status, l.StartsAt, l.ExpiresAt, l.MaxUsers)
	if err := row.Scan(&l.CreatedAt, &l.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return license.ErrConflict
			case pgErrForeignKeyViolation:
				return license.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) FindLicense(ctx context.Context, id string) (*license.License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`select `+licenseColumns+` from licenses where id = $1`, id))
}

func (s *Store) FindByKey(ctx context.Context, key string) (*license.License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`select `+licenseColumns+` from licenses where key = $1`, key))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var (
		l             license.License
		orgID         sql.NullString
		revokedAt     sql.NullTime
		revokedReason sql.NullString
	)
	err := row.Scan(&l.ID, &orgID, &l.Key, &l.Plan, &l.Status, &l.StartsAt,
		&l.ExpiresAt, &l.MaxUsers, &revokedAt, &revokedReason, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if orgID.Valid {
		l.OrganizationID = orgID.String
	}
	l.RevokedAt = timePtr(revokedAt)
	if revokedReason.Valid {
		l.RevokedReason = revokedReason.String
	}
	return &l, nil
}

func (s *Store) ListForOrg(ctx context.Context, orgID string) ([]*license.License, error) {
	return s.listLicenses(ctx,
		`select `+licenseColumns+` from licenses where organization_id = $1 order by created_at desc`, orgID)
}

func (s *Store) ActiveForOrg(ctx context.Context, orgID string) ([]*license.License, error) {
	return s.listLicenses(ctx,
		`select `+licenseColumns+` from licenses
		 where organization_id = $1 and status = 'active' order by created_at desc`, orgID)
}

func (s *Store) listLicenses(ctx context.Context, query string, args ...any) ([]*license.License, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*license.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// Update applies administrative edits inside one transaction. The stored key
// is read under a row lock first; an attempt to change it aborts with
// ErrImmutableKey before any column is touched.
func (s *Store) Update(ctx context.Context, id string, upd license.Update) (*license.License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentKey string
	err = tx.QueryRowContext(ctx, `select key from licenses where id = $1 for update`, id).Scan(&currentKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if upd.Key != nil && *upd.Key != currentKey {
		return nil, license.ErrImmutableKey
	}

	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Plan != nil {
		add("plan", *upd.Plan)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.StartsAt != nil {
		add("starts_at", upd.StartsAt.UTC())
	}
	if upd.ExpiresAt != nil {
		add("expires_at", upd.ExpiresAt.UTC())
	}
	if upd.MaxUsers != nil {
		add("max_users", *upd.MaxUsers)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		args = append(args, id)
		query := fmt.Sprintf(`update licenses set %s where id = $%d`,
			strings.Join(sets, ", "), len(args))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}

	l, err := scanLicense(tx.QueryRowContext(ctx,
		`select `+licenseColumns+` from licenses where id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return l, nil
}

// Revoke stamps revoked_at/revoked_reason and flips status. Already revoked
// licenses keep their original stamp.
func (s *Store) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update licenses
		set status = 'revoked', revoked_at = $2, revoked_reason = $3, updated_at = now()
		where id = $1 and revoked_at is null
	`, id, at, nullIfEmpty(reason))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists(select 1 from licenses where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return license.ErrNotFound
		}
	}
	return nil
}
