package license

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	byID map[string]*License
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*License)}
}

func (m *memStore) Create(ctx context.Context, l *License) error {
	if l.ID == "" {
		l.ID = "lic-" + l.Key
	}
	for _, existing := range m.byID {
		if existing.Key == l.Key {
			return ErrConflict
		}
	}
	cp := *l
	m.byID[l.ID] = &cp
	return nil
}

func (m *memStore) FindLicense(ctx context.Context, id string) (*License, error) {
	l, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) FindByKey(ctx context.Context, key string) (*License, error) {
	for _, l := range m.byID {
		if l.Key == key {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListForOrg(ctx context.Context, orgID string) ([]*License, error) {
	var out []*License
	for _, l := range m.byID {
		if l.OrganizationID == orgID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ActiveForOrg(ctx context.Context, orgID string) ([]*License, error) {
	var out []*License
	for _, l := range m.byID {
		if l.OrganizationID == orgID && l.Status == StatusActive {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, id string, upd Update) (*License, error) {
	l, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Key != nil && *upd.Key != l.Key {
		return nil, ErrImmutableKey
	}
	if upd.Plan != nil {
		l.Plan = *upd.Plan
	}
	if upd.Status != nil {
		l.Status = *upd.Status
	}
	if upd.StartsAt != nil {
		l.StartsAt = *upd.StartsAt
	}
	if upd.ExpiresAt != nil {
		l.ExpiresAt = *upd.ExpiresAt
	}
	if upd.MaxUsers != nil {
		l.MaxUsers = *upd.MaxUsers
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	l, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if l.RevokedAt == nil {
		l.Status = StatusRevoked
		l.RevokedAt = &at
		l.RevokedReason = reason
	}
	return nil
}

func TestEntitles(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	base := License{
		Status:    StatusActive,
		StartsAt:  now.Add(-24 * time.Hour),
		ExpiresAt: now.Add(24 * time.Hour),
	}

	if !base.Entitles(now) {
		t.Fatalf("expected active in-window license to entitle")
	}

	expired := base
	expired.ExpiresAt = now.Add(-time.Minute)
	if expired.Entitles(now) {
		t.Fatalf("expired window must not entitle")
	}

	future := base
	future.StartsAt = now.Add(time.Hour)
	future.ExpiresAt = now.Add(48 * time.Hour)
	if future.Entitles(now) {
		t.Fatalf("not-yet-started license must not entitle")
	}

	atExpiry := base
	atExpiry.ExpiresAt = now
	if atExpiry.Entitles(now) {
		t.Fatalf("expiry instant is exclusive")
	}
	atStart := base
	atStart.StartsAt = now
	if !atStart.Entitles(now) {
		t.Fatalf("start instant is inclusive")
	}

	revoked := base
	revokedAt := now.Add(-time.Hour)
	revoked.RevokedAt = &revokedAt
	if revoked.Entitles(now) {
		t.Fatalf("revoked license must not entitle regardless of status")
	}

	suspended := base
	suspended.Status = StatusSuspended
	if suspended.Entitles(now) {
		t.Fatalf("non-active status must not entitle")
	}
}

func TestIssueValidatesWindow(t *testing.T) {
	svc, err := NewService(newMemStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Now().UTC()

	if _, err := svc.Issue(context.Background(), "org1", "pro", now, now, 5); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for empty window, got %v", err)
	}
	if _, err := svc.Issue(context.Background(), "org1", "pro", now.Add(time.Hour), now, 5); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for inverted window, got %v", err)
	}
	if _, err := svc.Issue(context.Background(), "org1", "", now, now.Add(time.Hour), 5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing plan, got %v", err)
	}

	l, err := svc.Issue(context.Background(), "org1", "Pro", now, now.Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if l.Key == "" {
		t.Fatalf("expected generated key")
	}
	if l.Plan != "pro" {
		t.Fatalf("plan not normalized: %s", l.Plan)
	}
}

func TestAmendRejectsKeyChange(t *testing.T) {
	store := newMemStore()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Now().UTC()
	l, err := svc.Issue(context.Background(), "org1", "pro", now, now.Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := "another-key"
	if _, err := svc.Amend(context.Background(), l.ID, Update{Key: &other}); !errors.Is(err, ErrImmutableKey) {
		t.Fatalf("expected ErrImmutableKey, got %v", err)
	}

	// same key value passes through
	same := l.Key
	if _, err := svc.Amend(context.Background(), l.ID, Update{Key: &same}); err != nil {
		t.Fatalf("no-op key amend should succeed: %v", err)
	}
}

func TestIsEntitled(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc, err := NewService(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ok, err := svc.IsEntitled(context.Background(), "org1", now)
	if err != nil || ok {
		t.Fatalf("org without licenses must not be entitled (ok=%v err=%v)", ok, err)
	}

	l, err := svc.Issue(context.Background(), "org1", "pro", now.Add(-time.Hour), now.Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ok, err = svc.IsEntitled(context.Background(), "org1", now)
	if err != nil || !ok {
		t.Fatalf("expected entitlement (ok=%v err=%v)", ok, err)
	}

	if err := svc.Revoke(context.Background(), l.ID, "payment failure"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	ok, err = svc.IsEntitled(context.Background(), "org1", now)
	if err != nil || ok {
		t.Fatalf("revoked license must not entitle (ok=%v err=%v)", ok, err)
	}
}
