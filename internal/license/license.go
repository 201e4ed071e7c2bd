// Package license tracks per-organization entitlements. A license key is
// write-once: the storage layer rejects any mutation that would change it.
package license

import (
	"errors"
	"time"
)

// License statuses. The store permits administrative reactivation, but only
// status active combined with a current validity window entitles a tenant.
const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusRevoked   = "revoked"
	StatusSuspended = "suspended"
)

var (
	ErrNotFound     = errors.New("license: not found")
	ErrConflict     = errors.New("license: already exists")
	ErrInvalidInput = errors.New("license: invalid input")
	// ErrInvalidWindow rejects validity windows where starts_at >= expires_at.
	ErrInvalidWindow = errors.New("license: invalid validity window")
	// ErrImmutableKey rejects any write that would change an issued key.
	ErrImmutableKey = errors.New("license: key is immutable")
)

// License is an entitlement record. OrganizationID may be empty for
// historically transitional organization-less licenses; those never entitle
// any tenant-scoped authorize call.
type License struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Key            string     `json:"key"`
	Plan           string     `json:"plan"`
	Status         string     `json:"status"`
	StartsAt       time.Time  `json:"starts_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	MaxUsers       int        `json:"max_users,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedReason  string     `json:"revoked_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Entitles reports whether the license grants access at the given instant.
func (l *License) Entitles(now time.Time) bool {
	if l.Status != StatusActive || l.RevokedAt != nil {
		return false
	}
	return !now.Before(l.StartsAt) && now.Before(l.ExpiresAt)
}

// Update carries administrative changes. A non-nil Key that differs from
// the stored value fails with ErrImmutableKey at the storage boundary.
type Update struct {
	Key       *string
	Plan      *string
	Status    *string
	StartsAt  *time.Time
	ExpiresAt *time.Time
	MaxUsers  *int
}
