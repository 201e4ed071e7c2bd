package rbac

import "errors"

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: already exists")
	ErrInvalidInput = errors.New("rbac: invalid input")
	// ErrProtected guards system roles and permissions: deletion and
	// clearing the system flag are rejected unconditionally.
	ErrProtected = errors.New("rbac: protected entity")
)
