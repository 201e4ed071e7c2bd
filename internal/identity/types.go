package identity

import "time"

// User statuses.
const (
	StatusPendingVerification = "pending_verification"
	StatusActive              = "active"
	StatusSuspended           = "suspended"
	StatusInvited             = "invited"
)

// User is a platform account. Users are never hard-deleted; IsActive
// soft-deactivates the record.
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	FullName        string     `json:"full_name,omitempty"`
	Status          string     `json:"status"`
	IsEmailVerified bool       `json:"is_email_verified"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Organization is the tenant boundary. Currency and tax defaults belong to
// the surrounding CRUD layer; they are carried but not interpreted here.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileUpdate carries self-service profile changes. Nil fields are untouched.
type ProfileUpdate struct {
	Email    *string
	FullName *string
	Password *string
}

func validStatus(status string) bool {
	switch status {
	case StatusPendingVerification, StatusActive, StatusSuspended, StatusInvited:
		return true
	}
	return false
}
