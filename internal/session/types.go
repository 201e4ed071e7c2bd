package session

import (
	"errors"
	"time"
)

// Token types.
const (
	TypeAccess        = "access"
	TypeRefresh       = "refresh"
	TypeResetPassword = "reset_password"
	TypeVerifyEmail   = "verify_email"
	TypeAPIKey        = "api_key"
)

var (
	// ErrInvalidToken is the uniform verification failure. Unknown hash,
	// revocation, expiry and inactivity are deliberately indistinguishable
	// to the caller.
	ErrInvalidToken = errors.New("session: invalid token")
	ErrUnauthorized = errors.New("session: unauthorized")
	// ErrLocked rejects authentication while a lockout is active, regardless
	// of credential correctness.
	ErrLocked       = errors.New("session: account locked")
	ErrInvalidInput = errors.New("session: invalid input")
	ErrNotFound     = errors.New("session: not found")
)

// Token is a persisted bearer-credential record. Only the hash of the raw
// credential is stored; tokens are never extended, only revoked.
type Token struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	TokenHash     string     `json:"-"`
	Type          string     `json:"type"`
	Scope         string     `json:"scope,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LoginAttempt is an append-only record of a failed authentication, carrying
// the rolling window counter that drives the lockout policy.
type LoginAttempt struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	IP              string     `json:"ip,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	AttemptCount    int        `json:"attempt_count_window"`
	WindowStartedAt time.Time  `json:"window_started_at"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TokenPair is the access/refresh credential set returned by Login.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func validType(typ string) bool {
	switch typ {
	case TypeAccess, TypeRefresh, TypeResetPassword, TypeVerifyEmail, TypeAPIKey:
		return true
	}
	return false
}
