// Package membership maintains the user-to-organization mapping. Every user
// with at least one active membership has exactly one primary membership;
// the storage layer keeps that invariant through atomic promotion whenever
// memberships are added or deactivated.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("membership: not found")
	ErrDuplicate    = errors.New("membership: active membership already exists")
	ErrInvalidInput = errors.New("membership: invalid input")
)

// Membership links a user to an organization. RoleLabel is a legacy field
// superseded by the role/permission graph; it is read only by the one-time
// backfill job.
type Membership struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	RoleLabel      string    `json:"role_label,omitempty"`
	IsPrimary      bool      `json:"is_primary"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store describes persistence operations for memberships. Add and Deactivate
// run the primary-promotion step inside the same transaction as the write:
// if the user ends the operation without an active primary, the oldest
// remaining active membership (creation order, id as tiebreak) is promoted.
type Store interface {
	Add(ctx context.Context, m *Membership) error
	Deactivate(ctx context.Context, membershipID string) error
	FindMembership(ctx context.Context, membershipID string) (*Membership, error)
	FindActive(ctx context.Context, userID, orgID string) (*Membership, error)
	FindPrimary(ctx context.Context, userID string) (*Membership, error)
	ListForUser(ctx context.Context, userID string) ([]*Membership, error)
}

// Service wraps Store with input validation.
type Service struct {
	store Store
}

// NewService constructs a Service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("membership store is required")
	}
	return &Service{store: store}, nil
}

// Add creates a membership. The first active membership of a user becomes
// primary atomically. Fails with ErrDuplicate when an active (user, org)
// pair already exists.
func (s *Service) Add(ctx context.Context, userID, orgID, roleLabel string) (*Membership, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, fmt.Errorf("%w: user_id and organization_id are required", ErrInvalidInput)
	}
	m := &Membership{
		UserID:         userID,
		OrganizationID: orgID,
		RoleLabel:      strings.TrimSpace(roleLabel),
		IsActive:       true,
	}
	if err := s.store.Add(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Deactivate retires a membership. If it was the primary one, the oldest
// remaining active membership of the user is promoted in the same
// transaction; a user whose last membership is deactivated has none.
func (s *Service) Deactivate(ctx context.Context, membershipID string) error {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return fmt.Errorf("%w: membership_id is required", ErrInvalidInput)
	}
	return s.store.Deactivate(ctx, membershipID)
}

// Get loads a membership by id.
func (s *Service) Get(ctx context.Context, membershipID string) (*Membership, error) {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return nil, fmt.Errorf("%w: membership_id is required", ErrInvalidInput)
	}
	return s.store.FindMembership(ctx, membershipID)
}

// GetPrimary returns the user's primary membership, or ErrNotFound when the
// user has no active memberships.
func (s *Service) GetPrimary(ctx context.Context, userID string) (*Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.FindPrimary(ctx, userID)
}

// GetActive returns the active membership of user in org, if any.
func (s *Service) GetActive(ctx context.Context, userID, orgID string) (*Membership, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, fmt.Errorf("%w: user_id and organization_id are required", ErrInvalidInput)
	}
	return s.store.FindActive(ctx, userID, orgID)
}

// ListForUser returns all memberships of a user, active and inactive.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListForUser(ctx, userID)
}
