package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store describes persistence operations for licenses. Key immutability is
// enforced inside Update's transaction, not in calling code.
type Store interface {
	Create(ctx context.Context, l *License) error
	FindLicense(ctx context.Context, id string) (*License, error)
	FindByKey(ctx context.Context, key string) (*License, error)
	ListForOrg(ctx context.Context, orgID string) ([]*License, error)
	Update(ctx context.Context, id string, upd Update) (*License, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	// ActiveForOrg returns licenses with status active for the organization.
	ActiveForOrg(ctx context.Context, orgID string) ([]*License, error)
}

// Service wraps Store with key generation and window validation.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("license store is required")
	}
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Issue creates a license with a freshly generated immutable key.
func (s *Service) Issue(ctx context.Context, orgID, plan string, startsAt, expiresAt time.Time, maxUsers int) (*License, error) {
	orgID = strings.TrimSpace(orgID)
	plan = strings.TrimSpace(strings.ToLower(plan))
	if plan == "" {
		return nil, fmt.Errorf("%w: plan is required", ErrInvalidInput)
	}
	if !startsAt.Before(expiresAt) {
		return nil, fmt.Errorf("%w: starts_at %s is not before expires_at %s", ErrInvalidWindow,
			startsAt.Format(time.RFC3339), expiresAt.Format(time.RFC3339))
	}
	if maxUsers < 0 {
		return nil, fmt.Errorf("%w: max_users must not be negative", ErrInvalidInput)
	}
	l := &License{
		OrganizationID: orgID,
		Key:            uuid.NewString(),
		Plan:           plan,
		Status:         StatusActive,
		StartsAt:       startsAt.UTC(),
		ExpiresAt:      expiresAt.UTC(),
		MaxUsers:       maxUsers,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get loads a license by id.
func (s *Service) Get(ctx context.Context, id string) (*License, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: license_id is required", ErrInvalidInput)
	}
	return s.store.FindLicense(ctx, id)
}

// ListForOrg returns all licenses ever issued to an organization.
func (s *Service) ListForOrg(ctx context.Context, orgID string) ([]*License, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.ListForOrg(ctx, orgID)
}

// Revoke marks the license revoked. Revocation is terminal for entitlement
// purposes regardless of later status edits.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: license_id is required", ErrInvalidInput)
	}
	return s.store.Revoke(ctx, id, strings.TrimSpace(reason), s.now().UTC())
}

// SetStatus applies an administrative status change. The store does not
// forbid reactivation; entitlement checks remain the engine's contract.
func (s *Service) SetStatus(ctx context.Context, id, status string) (*License, error) {
	id = strings.TrimSpace(id)
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case StatusActive, StatusExpired, StatusRevoked, StatusSuspended:
	default:
		return nil, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	return s.store.Update(ctx, id, Update{Status: &status})
}

// Amend applies administrative edits. Any attempt to change the key fails
// with ErrImmutableKey inside the store transaction.
func (s *Service) Amend(ctx context.Context, id string, upd Update) (*License, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: license_id is required", ErrInvalidInput)
	}
	if upd.StartsAt != nil && upd.ExpiresAt != nil && !upd.StartsAt.Before(*upd.ExpiresAt) {
		return nil, fmt.Errorf("%w: starts_at is not before expires_at", ErrInvalidWindow)
	}
	return s.store.Update(ctx, id, upd)
}

// IsEntitled reports whether the organization holds at least one license
// that is active, unrevoked and within its validity window at now.
// Organization-less licenses never entitle a tenant.
func (s *Service) IsEntitled(ctx context.Context, orgID string, now time.Time) (bool, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return false, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	active, err := s.store.ActiveForOrg(ctx, orgID)
	if err != nil {
		return false, err
	}
	for _, l := range active {
		if l.Entitles(now) {
			return true, nil
		}
	}
	return false, nil
}
