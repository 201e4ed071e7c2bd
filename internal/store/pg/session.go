package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tallyhq.io/internal/ids"
	"tallyhq.io/internal/session"
)

var (
	_ session.TokenStore   = (*Store)(nil)
	_ session.AttemptStore = (*Store)(nil)
)

func (s *Store) CreateToken(ctx context.Context, t *session.Token) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into tokens (id, user_id, token_hash, type, scope, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at
	`, t.ID, t.UserID, t.TokenHash, t.Type, nullIfEmpty(t.Scope), t.ExpiresAt, t.IsActive)
	if err := row.Scan(&t.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return session.ErrInvalidInput
			case pgErrForeignKeyViolation:
				return session.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) FindToken(ctx context.Context, id string) (*session.Token, error) {
	var (
		t             session.Token
		scope         sql.NullString
		revokedAt     sql.NullTime
		revokedReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, type, scope, expires_at, revoked_at, revoked_reason, is_active, created_at
		from tokens where id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Type, &scope,
		&t.ExpiresAt, &revokedAt, &revokedReason, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scope.Valid {
		t.Scope = scope.String
	}
	t.RevokedAt = timePtr(revokedAt)
	if revokedReason.Valid {
		t.RevokedReason = revokedReason.String
	}
	return &t, nil
}

// RevokeToken is idempotent: a token already revoked keeps its first stamp.
func (s *Store) RevokeToken(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update tokens
		set is_active = false, revoked_at = $2, revoked_reason = $3
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
			`select exists(select 1 from tokens where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return session.ErrNotFound
		}
	}
	return nil
}

// RevokeUserTokens revokes every live token of the user, optionally filtered
// by type. Tokens already revoked are untouched.
func (s *Store) RevokeUserTokens(ctx context.Context, userID, tokenType, reason string, at time.Time) error {
	query := `
		update tokens
		set is_active = false, revoked_at = $2, revoked_reason = $3
		where user_id = $1 and revoked_at is null
	`
	args := []any{userID, at, nullIfEmpty(reason)}
	if tokenType != "" {
		query += ` and type = $4`
		args = append(args, tokenType)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// RecordAttempt increments the rolling failed-login window for the email
// inside one transaction. When the window has aged out a fresh row starts at
// count 1; once the incremented count exceeds the policy threshold the row
// is stamped locked_until (threshold failures are tolerated, the next one
// locks). Rows for one email serialize on a per-email advisory lock.
func (s *Store) RecordAttempt(ctx context.Context, a *session.LoginAttempt, policy session.LockoutPolicy) (*session.LoginAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serializes all writers for one email, including two first failures
	// that would otherwise both see an empty window.
	if _, err := tx.ExecContext(ctx,
		`select pg_advisory_xact_lock(hashtextextended($1, 0))`, a.Email); err != nil {
		return nil, err
	}

	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		prevCount  int
		prevWindow sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select attempt_count_window, window_started_at
		from invalid_login_attempts
		where email = $1
		order by created_at desc, id desc
		limit 1
		for update
	`, a.Email).Scan(&prevCount, &prevWindow)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevCount = 0
	case err != nil:
		return nil, err
	}

	a.AttemptCount = 1
	a.WindowStartedAt = now
	if prevWindow.Valid && now.Sub(prevWindow.Time) < policy.Window {
		a.AttemptCount = prevCount + 1
		a.WindowStartedAt = prevWindow.Time
	}
	if policy.Threshold > 0 && a.AttemptCount > policy.Threshold {
		until := now.Add(policy.Duration)
		a.LockedUntil = &until
	}

	if a.ID == "" {
		a.ID = ids.New()
	}
	a.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		insert into invalid_login_attempts
			(id, email, ip, user_agent, reason, attempt_count_window, window_started_at, locked_until, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Email, nullIfEmpty(a.IP), nullIfEmpty(a.UserAgent), nullIfEmpty(a.Reason),
		a.AttemptCount, a.WindowStartedAt, nullTime(a.LockedUntil), a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// ActiveLock returns the lock expiry for the email if one is still in the
// future, nil otherwise.
func (s *Store) ActiveLock(ctx context.Context, email string, now time.Time) (*time.Time, error) {
	var until time.Time
	err := s.db.QueryRowContext(ctx, `
		select locked_until from invalid_login_attempts
		where email = $1 and locked_until is not null and locked_until > $2
		order by locked_until desc
		limit 1
	`, email, now).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &until, nil
}

// ClearWindow resets the failure counter after a successful login by aging
// out every open window row for the email.
func (s *Store) ClearWindow(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from invalid_login_attempts where email = $1 and locked_until is null
	`, email)
	return err
}
