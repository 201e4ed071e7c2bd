package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tallyhq.io/internal/authz"
	"tallyhq.io/internal/identity"
	"tallyhq.io/internal/membership"
	"tallyhq.io/internal/rbac"
	"tallyhq.io/internal/session"
)

// --- in-memory stores ---

type memIdentity struct {
	users map[string]*identity.User
	orgs  map[string]*identity.Organization
}

func (m *memIdentity) CreateUser(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = "user-" + u.Email
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memIdentity) FindUser(ctx context.Context, id string) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memIdentity) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memIdentity) UpdateUser(ctx context.Context, id string, upd identity.ProfileUpdate) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memIdentity) SetUserStatus(ctx context.Context, id, status string) error {
	u, ok := m.users[id]
	if !ok {
		return identity.ErrNotFound
	}
	u.Status = status
	return nil
}

func (m *memIdentity) MarkEmailVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	u, ok := m.users[id]
	if !ok {
		return false, identity.ErrNotFound
	}
	if u.IsEmailVerified {
		return false, nil
	}
	u.IsEmailVerified = true
	return true, nil
}

func (m *memIdentity) SetUserActive(ctx context.Context, id string, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return identity.ErrNotFound
	}
	u.IsActive = active
	return nil
}

func (m *memIdentity) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return identity.ErrNotFound
	}
	u.LockedUntil = until
	return nil
}

func (m *memIdentity) CreateOrganization(ctx context.Context, org *identity.Organization) error {
	if org.ID == "" {
		org.ID = "org-" + org.Name
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *memIdentity) FindOrganization(ctx context.Context, id string) (*identity.Organization, error) {
	org, ok := m.orgs[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (m *memIdentity) ListOrganizations(ctx context.Context) ([]*identity.Organization, error) {
	var out []*identity.Organization
	for _, org := range m.orgs {
		cp := *org
		out = append(out, &cp)
	}
	return out, nil
}

type memMemberships struct {
	byID map[string]*membership.Membership
}

func (m *memMemberships) Add(ctx context.Context, mm *membership.Membership) error {
	if mm.ID == "" {
		mm.ID = "m-" + mm.UserID + "-" + mm.OrganizationID
	}
	hasPrimary := false
	for _, ex := range m.byID {
		if ex.UserID == mm.UserID && ex.IsPrimary && ex.IsActive {
			hasPrimary = true
		}
	}
	mm.IsPrimary = !hasPrimary
	cp := *mm
	m.byID[mm.ID] = &cp
	return nil
}

func (m *memMemberships) Deactivate(ctx context.Context, id string) error {
	mm, ok := m.byID[id]
	if !ok {
		return membership.ErrNotFound
	}
	mm.IsActive = false
	mm.IsPrimary = false
	return nil
}

func (m *memMemberships) FindMembership(ctx context.Context, id string) (*membership.Membership, error) {
	mm, ok := m.byID[id]
	if !ok {
		return nil, membership.ErrNotFound
	}
	cp := *mm
	return &cp, nil
}

func (m *memMemberships) FindActive(ctx context.Context, userID, orgID string) (*membership.Membership, error) {
	for _, mm := range m.byID {
		if mm.UserID == userID && mm.OrganizationID == orgID && mm.IsActive {
			cp := *mm
			return &cp, nil
		}
	}
	return nil, membership.ErrNotFound
}

func (m *memMemberships) FindPrimary(ctx context.Context, userID string) (*membership.Membership, error) {
	for _, mm := range m.byID {
		if mm.UserID == userID && mm.IsPrimary && mm.IsActive {
			cp := *mm
			return &cp, nil
		}
	}
	return nil, membership.ErrNotFound
}

func (m *memMemberships) ListForUser(ctx context.Context, userID string) ([]*membership.Membership, error) {
	var out []*membership.Membership
	for _, mm := range m.byID {
		if mm.UserID == userID {
			cp := *mm
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memTokens struct {
	byID map[string]*session.Token
}

func (m *memTokens) CreateToken(ctx context.Context, t *session.Token) error {
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *memTokens) FindToken(ctx context.Context, id string) (*session.Token, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) RevokeToken(ctx context.Context, id, reason string, at time.Time) error {
	t, ok := m.byID[id]
	if !ok {
		return session.ErrNotFound
	}
	t.IsActive = false
	t.RevokedAt = &at
	t.RevokedReason = reason
	return nil
}

func (m *memTokens) RevokeUserTokens(ctx context.Context, userID, tokenType, reason string, at time.Time) error {
	for _, t := range m.byID {
		if t.UserID != userID {
			continue
		}
		if tokenType != "" && t.Type != tokenType {
			continue
		}
		t.IsActive = false
		t.RevokedAt = &at
	}
	return nil
}

type memAttempts struct{}

func (memAttempts) RecordAttempt(ctx context.Context, a *session.LoginAttempt, policy session.LockoutPolicy) (*session.LoginAttempt, error) {
	a.AttemptCount = 1
	a.WindowStartedAt = time.Now().UTC()
	return a, nil
}

func (memAttempts) ActiveLock(ctx context.Context, email string, now time.Time) (*time.Time, error) {
	return nil, nil
}

func (memAttempts) ClearWindow(ctx context.Context, email string) error { return nil }

type fakeEntitlements struct{ entitled bool }

func (f fakeEntitlements) IsEntitled(ctx context.Context, orgID string, now time.Time) (bool, error) {
	return f.entitled, nil
}

type fakeGrants struct{ grants []rbac.Grant }

func (f fakeGrants) GrantsForUser(ctx context.Context, userID, permissionCode string) ([]rbac.Grant, error) {
	return f.grants, nil
}

// --- fixture ---

type apiFixture struct {
	api     *API
	handler http.Handler
	idStore *memIdentity
	members *memMemberships
}

func newAPIFixture(t *testing.T, entitled bool, grants []rbac.Grant) *apiFixture {
	t.Helper()

	idStore := &memIdentity{
		users: make(map[string]*identity.User),
		orgs:  make(map[string]*identity.Organization),
	}
	members := &memMemberships{byID: make(map[string]*membership.Membership)}

	identitySvc, err := identity.NewService(idStore)
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	membershipSvc, err := membership.NewService(members)
	if err != nil {
		t.Fatalf("membership.NewService: %v", err)
	}
	sessionSvc, err := session.NewService(
		&memTokens{byID: make(map[string]*session.Token)},
		memAttempts{},
		idStore,
		session.WithTokenSecret("test-secret"),
	)
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	engine, err := authz.NewEngine(fakeEntitlements{entitled: entitled}, membershipSvc, fakeGrants{grants: grants})
	if err != nil {
		t.Fatalf("authz.NewEngine: %v", err)
	}

	api := New(ReadyProbe{}, "test", Deps{
		Identity:    identitySvc,
		Memberships: membershipSvc,
		Sessions:    sessionSvc,
		Engine:      engine,
	})
	return &apiFixture{api: api, handler: api.Handler(), idStore: idStore, members: members}
}

func (f *apiFixture) addUser(t *testing.T, email, password, orgID string) *identity.User {
	t.Helper()
	hash, err := identity.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &identity.User{
		ID:           "user-" + email,
		Email:        email,
		PasswordHash: hash,
		Status:       identity.StatusActive,
		IsActive:     true,
	}
	f.idStore.users[u.ID] = u
	if orgID != "" {
		_ = f.members.Add(context.Background(), &membership.Membership{
			UserID:         u.ID,
			OrganizationID: orgID,
			IsActive:       true,
		})
	}
	return u
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) login(t *testing.T, email, password string) session.TokenPair {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	var pair session.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

// --- tests ---

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	rec := f.do(t, http.MethodGet, "/v1/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/me", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", rec.Code)
	}
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	f.addUser(t, "ada@example.com", "pw12345678", "org1")

	pair := f.login(t, "ada@example.com", "pw12345678")
	rec := f.do(t, http.MethodGet, "/v1/me", pair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Primary *struct {
			OrganizationID string `json:"organization_id"`
		} `json:"primary_membership"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.User.Email != "ada@example.com" {
		t.Fatalf("unexpected user: %+v", resp)
	}
	if resp.Primary == nil || resp.Primary.OrganizationID != "org1" {
		t.Fatalf("primary membership missing: %s", rec.Body.String())
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	f.addUser(t, "ada@example.com", "pw12345678", "")

	rec := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	allow := rbac.Grant{RoleID: "r1", IsAllowed: true}

	tests := []struct {
		name     string
		entitled bool
		grants   []rbac.Grant
		member   bool
		effect   string
		reason   string
	}{
		{"allow", true, []rbac.Grant{allow}, true, "allow", "granted"},
		{"no license", false, []rbac.Grant{allow}, true, "deny", "no_license"},
		{"no membership", true, []rbac.Grant{allow}, false, "deny", "no_membership"},
		{"no grant", true, nil, true, "deny", "no_grant"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t, tc.entitled, tc.grants)
			org := ""
			if tc.member {
				org = "org1"
			}
			f.addUser(t, "ada@example.com", "pw12345678", org)
			pair := f.login(t, "ada@example.com", "pw12345678")

			rec := f.do(t, http.MethodPost, "/v1/authorize", pair.AccessToken, map[string]any{
				"organization_id": "org1",
				"permission":      "invoice.void",
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
			}
			var d struct {
				Effect string `json:"effect"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if d.Effect != tc.effect || d.Reason != tc.reason {
				t.Fatalf("got %s/%s, want %s/%s", d.Effect, d.Reason, tc.effect, tc.reason)
			}
		})
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	f.addUser(t, "ada@example.com", "pw12345678", "")

	pair := f.login(t, "ada@example.com", "pw12345678")
	rec := f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rec.Code, rec.Body.String())
	}

	// rotated: old refresh token is dead
	rec = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh: status %d, want 401", rec.Code)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	f := newAPIFixture(t, true, nil)
	f.addUser(t, "ada@example.com", "pw12345678", "")

	pair := f.login(t, "ada@example.com", "pw12345678")
	rec := f.do(t, http.MethodPost, "/v1/auth/logout", pair.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/me", pair.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("access token must be dead after logout: status %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token must be dead after logout: status %d", rec.Code)
	}
}
