package session

import (
	"context"
	"strings"

	"tallyhq.io/internal/identity"
)

type userContextKey struct{}
type tokenContextKey struct{}

// ContextWithUser attaches the authenticated user to the context.
func ContextWithUser(ctx context.Context, user *identity.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext extracts the authenticated user from the context.
func UserFromContext(ctx context.Context) (*identity.User, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(userContextKey{}).(*identity.User)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	user, ok := UserFromContext(ctx)
	if !ok || strings.TrimSpace(user.ID) == "" {
		return "", false
	}
	return user.ID, true
}

// ContextWithToken stores the verified token record inside the context.
func ContextWithToken(ctx context.Context, token *Token) context.Context {
	if token == nil {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the verified token if it was previously attached.
func TokenFromContext(ctx context.Context) (*Token, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(tokenContextKey{}).(*Token)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
