package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tallyhq.io/internal/identity"
	"tallyhq.io/internal/ids"
	"tallyhq.io/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultIssuer     = "tallyhq"
)

var defaultLockout = LockoutPolicy{
	Window:    15 * time.Minute,
	Threshold: 5,
	Duration:  30 * time.Minute,
}

// Service owns credential and session lifecycle: token issuance and
// verification, revocation, and the failed-login lockout policy.
type Service struct {
	tokens   TokenStore
	attempts AttemptStore
	users    UserDirectory
	now      func() time.Time

	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	lockout    LockoutPolicy
}

// Claims are the JWT claims minted for access tokens. The token id doubles
// as the jti so revocation checks can find the persisted record.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret for access tokens.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("session: token secret must not be empty")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLockoutPolicy configures the failed-login window.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Window <= 0 || p.Threshold <= 0 || p.Duration <= 0 {
			return errors.New("session: lockout policy values must be positive")
		}
		s.lockout = p
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service. A token secret is required.
func NewService(tokens TokenStore, attempts AttemptStore, users UserDirectory, opts ...ServiceOption) (*Service, error) {
	if tokens == nil || attempts == nil || users == nil {
		return nil, errors.New("session: token store, attempt store and user directory are required")
	}
	svc := &Service{
		tokens:     tokens,
		attempts:   attempts,
		users:      users,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		lockout:    defaultLockout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errors.New("session: token secret is not configured")
	}
	return svc, nil
}

// IssueToken mints a bearer credential of the given type. The raw token is
// returned exactly once; only its hash is persisted. Access tokens are
// signed JWTs; every other type is an opaque <id>.<secret> string.
func (s *Service) IssueToken(ctx context.Context, userID, tokenType string, ttl time.Duration, scope string) (string, *Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !validType(tokenType) {
		return "", nil, fmt.Errorf("%w: unsupported token type %s", ErrInvalidInput, tokenType)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := s.now().UTC()
	tokenID := ids.New()

	var raw string
	if tokenType == TypeAccess {
		signed, err := s.signAccessToken(tokenID, userID, now, ttl)
		if err != nil {
			return "", nil, err
		}
		raw = signed
	} else {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return "", nil, err
		}
		raw = tokenID + "." + base64.RawURLEncoding.EncodeToString(secretBytes)
	}

	rec := &Token{
		ID:        tokenID,
		UserID:    userID,
		TokenHash: hashToken(raw),
		Type:      tokenType,
		Scope:     strings.TrimSpace(scope),
		ExpiresAt: now.Add(ttl),
		IsActive:  true,
	}
	if err := s.tokens.CreateToken(ctx, rec); err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

// VerifyToken validates a raw bearer credential and returns the persisted
// record. All failure causes collapse into ErrInvalidToken.
func (s *Service) VerifyToken(ctx context.Context, raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	tokenID, err := s.tokenIDFromRaw(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := s.tokens.FindToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !subtleCompare(rec.TokenHash, hashToken(raw)) {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	if rec.RevokedAt != nil || !rec.IsActive || !rec.ExpiresAt.After(now) {
		return nil, ErrInvalidToken
	}
	return rec, nil
}

// Revoke retires a token. Tokens are never reactivated or extended; a new
// token is issued instead.
func (s *Service) Revoke(ctx context.Context, tokenID, reason string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return fmt.Errorf("%w: token_id is required", ErrInvalidInput)
	}
	return s.tokens.RevokeToken(ctx, tokenID, strings.TrimSpace(reason), s.now().UTC())
}

// RevokeUserTokens revokes every active token of the given type for a user.
// An empty type matches all types.
func (s *Service) RevokeUserTokens(ctx context.Context, userID, tokenType, reason string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.tokens.RevokeUserTokens(ctx, userID, tokenType, strings.TrimSpace(reason), s.now().UTC())
}

// Login authenticates credentials and issues a fresh token pair. Failures
// are uniform: a wrong password, an unknown email and a disabled account all
// surface as ErrUnauthorized, an active lockout as ErrLocked.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*TokenPair, *identity.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, nil, ErrUnauthorized
	}
	now := s.now().UTC()

	// Lockout is checked before credentials so a locked account rejects
	// even a correct password.
	lockedUntil, err := s.attempts.ActiveLock(ctx, email, now)
	if err != nil {
		return nil, nil, err
	}
	if lockedUntil != nil && lockedUntil.After(now) {
		return nil, nil, ErrLocked
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			_, _ = s.RecordFailedLogin(ctx, email, ip, userAgent, "unknown_email")
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, nil, ErrLocked
	}
	if !user.IsActive || user.Status == identity.StatusSuspended {
		_, _ = s.RecordFailedLogin(ctx, email, ip, userAgent, "inactive_account")
		return nil, nil, ErrUnauthorized
	}
	if err := identity.VerifyPassword(user.PasswordHash, password); err != nil {
		_, _ = s.RecordFailedLogin(ctx, email, ip, userAgent, "bad_password")
		return nil, nil, ErrUnauthorized
	}

	if err := s.attempts.ClearWindow(ctx, email); err != nil {
		return nil, nil, err
	}
	pair, err := s.issuePair(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. Invalid tokens fail uniformly.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	rec, err := s.VerifyToken(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	if rec.Type != TypeRefresh {
		return nil, ErrInvalidToken
	}
	if err := s.tokens.RevokeToken(ctx, rec.ID, "rotated", s.now().UTC()); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, rec.UserID)
}

// RecordFailedLogin appends a failed-authentication record and advances the
// rolling window counter. Crossing the threshold stamps locked_until on the
// attempt record and mirrors it onto the user row.
func (s *Service) RecordFailedLogin(ctx context.Context, email, ip, userAgent, reason string) (*LoginAttempt, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	attempt := &LoginAttempt{
		Email:     email,
		IP:        strings.TrimSpace(ip),
		UserAgent: strings.TrimSpace(userAgent),
		Reason:    strings.TrimSpace(reason),
	}
	rec, err := s.attempts.RecordAttempt(ctx, attempt, s.lockout)
	if err != nil {
		return nil, err
	}
	if rec.LockedUntil != nil {
		obs.ObserveLockout()
		if user, err := s.users.FindUserByEmail(ctx, email); err == nil {
			_ = s.users.SetLockedUntil(ctx, user.ID, rec.LockedUntil)
		}
	}
	return rec, nil
}

func (s *Service) issuePair(ctx context.Context, userID string) (*TokenPair, error) {
	accessRaw, accessRec, err := s.IssueToken(ctx, userID, TypeAccess, s.accessTTL, "")
	if err != nil {
		return nil, err
	}
	refreshRaw, refreshRec, err := s.IssueToken(ctx, userID, TypeRefresh, s.refreshTTL, "")
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshRaw,
		AccessExpiresAt:  accessRec.ExpiresAt,
		RefreshExpiresAt: refreshRec.ExpiresAt,
	}, nil
}

func (s *Service) signAccessToken(tokenID, userID string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        tokenID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// tokenIDFromRaw recovers the persisted record id from a raw credential:
// JWTs carry it as jti, opaque tokens as the prefix before the dot.
func (s *Service) tokenIDFromRaw(raw string) (string, error) {
	switch strings.Count(raw, ".") {
	case 1:
		parts := strings.SplitN(raw, ".", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", ErrInvalidToken
		}
		return parts[0], nil
	case 2:
		parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, ErrInvalidToken
			}
			return s.secret, nil
		}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
		if err != nil {
			return "", ErrInvalidToken
		}
		claims, ok := parsed.Claims.(*Claims)
		if !ok || !parsed.Valid || claims.Issuer != s.issuer || claims.ID == "" {
			return "", ErrInvalidToken
		}
		return claims.ID, nil
	default:
		return "", ErrInvalidToken
	}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
