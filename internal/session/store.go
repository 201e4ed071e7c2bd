package session

import (
	"context"
	"time"

	"tallyhq.io/internal/identity"
)

// TokenStore manages bearer token records.
type TokenStore interface {
	CreateToken(ctx context.Context, t *Token) error
	FindToken(ctx context.Context, id string) (*Token, error)
	RevokeToken(ctx context.Context, id, reason string, at time.Time) error
	RevokeUserTokens(ctx context.Context, userID, tokenType, reason string, at time.Time) error
}

// LockoutPolicy configures the rolling failed-login window.
type LockoutPolicy struct {
	Window    time.Duration
	Threshold int
	Duration  time.Duration
}

// AttemptStore manages failed-login records. RecordAttempt performs the
// rolling-window increment and, when the threshold is crossed, stamps
// locked_until — all inside one transaction so concurrent failures cannot
// miss the lock.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a *LoginAttempt, policy LockoutPolicy) (*LoginAttempt, error)
	ActiveLock(ctx context.Context, email string, now time.Time) (*time.Time, error)
	ClearWindow(ctx context.Context, email string) error
}

// UserDirectory is the identity view the session manager needs: credential
// lookup and lockout mirroring.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*identity.User, error)
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error
}
