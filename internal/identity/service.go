package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service wraps Store with input normalization and status rules.
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
		return nil, errors.New("identity store is required")
	}
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateUser registers a new account. The password is hashed before it
// reaches storage; plaintext is never persisted.
func (s *Service) CreateUser(ctx context.Context, email, password, fullName, status string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = StatusPendingVerification
	}
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(fullName),
		Status:       status,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.FindUser(ctx, userID)
}

// GetUserByEmail loads a user by normalized email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return s.store.FindUserByEmail(ctx, email)
}

// UpdateProfile applies self-service profile changes.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if upd.Email != nil {
		trimmed := strings.TrimSpace(strings.ToLower(*upd.Email))
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &trimmed
	}
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		upd.FullName = &name
	}
	if upd.Password != nil {
		pw := strings.TrimSpace(*upd.Password)
		if pw == "" {
			return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(pw)
		if err != nil {
			return nil, err
		}
		upd.Password = &hash
	}
	return s.store.UpdateUser(ctx, userID, upd)
}

// SetStatus transitions a user's status. Setting an already-held status is
// a no-op, not an error; no unrelated field is touched.
func (s *Service) SetStatus(ctx context.Context, userID, status string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if !validStatus(status) {
		return fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Status == status {
		return nil
	}
	return s.store.SetUserStatus(ctx, userID, status)
}

// VerifyEmail marks the user's email verified exactly once. Re-invocation
// after a successful verification is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	_, err := s.store.MarkEmailVerified(ctx, userID, s.now().UTC())
	return err
}

// Deactivate soft-deletes a user account.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.SetUserActive(ctx, userID, false)
}

// CreateOrganization provisions a new tenant.
func (s *Service) CreateOrganization(ctx context.Context, name, currency string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	org := &Organization{
		Name:     name,
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization loads a tenant by id.
func (s *Service) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.FindOrganization(ctx, orgID)
}

// ListOrganizations returns all tenants.
func (s *Service) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.store.ListOrganizations(ctx)
}
