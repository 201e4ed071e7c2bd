package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	users map[string]*User
	orgs  map[string]*Organization
	seq   int
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*User), orgs: make(map[string]*Organization)}
}

func (m *memStore) CreateUser(ctx context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	m.seq++
	u.ID = "u" + string(rune('0'+m.seq))
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) FindUser(ctx context.Context, id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) UpdateUser(ctx context.Context, id string, upd ProfileUpdate) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) SetUserStatus(ctx context.Context, id, status string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	return nil
}

func (m *memStore) MarkEmailVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.IsEmailVerified {
		return false, nil
	}
	u.IsEmailVerified = true
	u.EmailVerifiedAt = &at
	return true, nil
}

func (m *memStore) SetUserActive(ctx context.Context, id string, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = active
	return nil
}

func (m *memStore) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LockedUntil = until
	return nil
}

func (m *memStore) CreateOrganization(ctx context.Context, org *Organization) error {
	m.seq++
	org.ID = "org" + string(rune('0'+m.seq))
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *memStore) FindOrganization(ctx context.Context, id string) (*Organization, error) {
	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (m *memStore) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	var out []*Organization
	for _, org := range m.orgs {
		cp := *org
		out = append(out, &cp)
	}
	return out, nil
}

func TestCreateUserNormalizes(t *testing.T) {
	svc, err := NewService(newMemStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	u, err := svc.CreateUser(context.Background(), "  Ada@Example.COM ", "pw12345678", "  Ada Lovelace ", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %s", u.Email)
	}
	if u.FullName != "Ada Lovelace" {
		t.Fatalf("full name not trimmed: %q", u.FullName)
	}
	if u.Status != StatusPendingVerification {
		t.Fatalf("default status: got %s", u.Status)
	}
	if u.PasswordHash == "pw12345678" || u.PasswordHash == "" {
		t.Fatalf("password must be hashed")
	}
	if err := VerifyPassword(u.PasswordHash, "pw12345678"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, _ := NewService(newMemStore())

	if _, err := svc.CreateUser(context.Background(), "not-an-email", "pw", "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: got %v", err)
	}
	if _, err := svc.CreateUser(context.Background(), "a@b.c", "", "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty password: got %v", err)
	}
	if _, err := svc.CreateUser(context.Background(), "a@b.c", "pw12345678", "", "bogus"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: got %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	svc, _ := NewService(newMemStore())
	if _, err := svc.CreateUser(context.Background(), "a@b.c", "pw12345678", "", ""); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(context.Background(), "A@B.C", "pw12345678", "", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email: got %v, want ErrConflict", err)
	}
}

func TestSetStatusIdempotent(t *testing.T) {
	store := newMemStore()
	svc, _ := NewService(store)
	u, err := svc.CreateUser(context.Background(), "a@b.c", "pw12345678", "", StatusActive)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.SetStatus(context.Background(), u.ID, StatusActive); err != nil {
		t.Fatalf("same-status transition must be a no-op: %v", err)
	}
	if err := svc.SetStatus(context.Background(), u.ID, StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got, _ := svc.GetUser(context.Background(), u.ID); got.Status != StatusSuspended {
		t.Fatalf("status not applied: %s", got.Status)
	}
	if err := svc.SetStatus(context.Background(), u.ID, "nonsense"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("invalid status: got %v", err)
	}
}

func TestVerifyEmailIdempotent(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := NewService(store, WithClock(func() time.Time { return now }))
	u, err := svc.CreateUser(context.Background(), "a@b.c", "pw12345678", "", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.VerifyEmail(context.Background(), u.ID); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	first := *store.users[u.ID].EmailVerifiedAt

	now = now.Add(time.Hour)
	if err := svc.VerifyEmail(context.Background(), u.ID); err != nil {
		t.Fatalf("repeat VerifyEmail must be a no-op: %v", err)
	}
	if got := *store.users[u.ID].EmailVerifiedAt; !got.Equal(first) {
		t.Fatalf("verified timestamp changed on repeat: %v -> %v", first, got)
	}
}

func TestUpdateProfileHashesPassword(t *testing.T) {
	store := newMemStore()
	svc, _ := NewService(store)
	u, err := svc.CreateUser(context.Background(), "a@b.c", "pw12345678", "", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	newPw := "another-secret"
	updated, err := svc.UpdateProfile(context.Background(), u.ID, ProfileUpdate{Password: &newPw})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.PasswordHash == newPw {
		t.Fatalf("plaintext reached the store")
	}
	if err := VerifyPassword(updated.PasswordHash, newPw); err != nil {
		t.Fatalf("new hash does not verify: %v", err)
	}

	empty := "  "
	if _, err := svc.UpdateProfile(context.Background(), u.ID, ProfileUpdate{Password: &empty}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank password: got %v", err)
	}
}

func TestCreateOrganization(t *testing.T) {
	svc, _ := NewService(newMemStore())
	org, err := svc.CreateOrganization(context.Background(), " Acme ", "usd")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if org.Name != "Acme" || org.Currency != "USD" {
		t.Fatalf("normalization failed: %+v", org)
	}
	if _, err := svc.CreateOrganization(context.Background(), "  ", "usd"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: got %v", err)
	}
}
