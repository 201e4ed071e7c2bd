package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity subsystem.
// Uniqueness of user emails is enforced by the storage layer.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, id string, upd ProfileUpdate) (*User, error)
	SetUserStatus(ctx context.Context, id, status string) error
	MarkEmailVerified(ctx context.Context, id string, at time.Time) (bool, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error

	CreateOrganization(ctx context.Context, org *Organization) error
	FindOrganization(ctx context.Context, id string) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]*Organization, error)
}
