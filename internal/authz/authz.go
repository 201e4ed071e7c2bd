// Package authz composes memberships, the role/permission graph and license
// entitlement into a single allow/deny decision. The evaluation order is the
// security contract of the platform:
//
//	license -> membership -> explicit deny -> constrained allow -> default deny
//
// An explicit deny is never overridable by another role granting the same
// permission, and absence of a grant is never an implicit allow.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tallyhq.io/internal/membership"
	"tallyhq.io/internal/obs"
	"tallyhq.io/internal/rbac"
)

// Effect is the outcome of an authorization request.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Deny reasons, stable for metrics and audit.
const (
	ReasonGranted      = "granted"
	ReasonNoLicense    = "no_license"
	ReasonNoMembership = "no_membership"
	ReasonExplicitDeny = "explicit_deny"
	ReasonNoGrant      = "no_grant"
)

// Decision is the result of Authorize. Deny is a normal result, not an error.
type Decision struct {
	Effect Effect `json:"effect"`
	Reason string `json:"reason"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool { return d.Effect == Allow }

// Entitlements is the license ledger view consumed by the engine.
type Entitlements interface {
	IsEntitled(ctx context.Context, orgID string, now time.Time) (bool, error)
}

// Memberships is the membership registry view consumed by the engine.
type Memberships interface {
	GetActive(ctx context.Context, userID, orgID string) (*membership.Membership, error)
}

// Grants is the role/permission graph view consumed by the engine.
type Grants interface {
	GrantsForUser(ctx context.Context, userID, permissionCode string) ([]rbac.Grant, error)
}

// Engine resolves authorization requests. It is read-only and stateless per
// call; concurrent Authorize calls need no mutual exclusion.
type Engine struct {
	entitlements Entitlements
	memberships  Memberships
	grants       Grants
	now          func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(ent Entitlements, mem Memberships, grants Grants, opts ...Option) (*Engine, error) {
	if ent == nil || mem == nil || grants == nil {
		return nil, errors.New("authz: entitlements, memberships and grants are required")
	}
	e := &Engine{entitlements: ent, memberships: mem, grants: grants, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Authorize decides whether user may perform permissionCode within org.
// reqCtx carries request attributes evaluated against grant constraints
// (for example {"amount": 1200} against {"max_amount": 5000}).
func (e *Engine) Authorize(ctx context.Context, userID, orgID, permissionCode string, reqCtx map[string]any) (Decision, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	permissionCode = strings.TrimSpace(strings.ToLower(permissionCode))
	if userID == "" || orgID == "" || permissionCode == "" {
		return Decision{}, fmt.Errorf("authz: user, organization and permission are required")
	}

	// Licensing overrides everything.
	entitled, err := e.entitlements.IsEntitled(ctx, orgID, e.now().UTC())
	if err != nil {
		return Decision{}, err
	}
	if !entitled {
		return e.deny(ReasonNoLicense), nil
	}

	if _, err := e.memberships.GetActive(ctx, userID, orgID); err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			return e.deny(ReasonNoMembership), nil
		}
		return Decision{}, err
	}

	grants, err := e.grants.GrantsForUser(ctx, userID, permissionCode)
	if err != nil {
		return Decision{}, err
	}

	switch resolve(grants, reqCtx) {
	case verdictDeny:
		return e.deny(ReasonExplicitDeny), nil
	case verdictAllow:
		obs.ObserveDecision(string(Allow), ReasonGranted)
		return Decision{Effect: Allow, Reason: ReasonGranted}, nil
	default:
		return e.deny(ReasonNoGrant), nil
	}
}

func (e *Engine) deny(reason string) Decision {
	obs.ObserveDecision(string(Deny), reason)
	return Decision{Effect: Deny, Reason: reason}
}

// verdict is the three-valued resolution lattice. Ordering matters:
// deny > allow > unset, and unset reduces to deny.
type verdict int

const (
	verdictUnset verdict = iota
	verdictAllow
	verdictDeny
)

// resolve folds every matching grant into a single verdict. This is a full
// fold rather than a short-circuit so the precedence rule stays auditable:
// each grant contributes deny, allow or unset, and the maximum wins.
func resolve(grants []rbac.Grant, reqCtx map[string]any) verdict {
	result := verdictUnset
	for _, g := range grants {
		v := verdictUnset
		switch {
		case !g.IsAllowed:
			v = verdictDeny
		case constraintsSatisfied(g.Constraints, reqCtx):
			v = verdictAllow
		}
		// An allow whose constraints are unmet contributes unset, not deny.
		if v > result {
			result = v
		}
	}
	return result
}

// constraintsSatisfied evaluates structured grant conditions against the
// request context. Keys prefixed max_ are numeric ceilings over the
// corresponding context attribute; all other keys require equality.
// A constraint whose context attribute is absent is unsatisfied.
func constraintsSatisfied(constraints, reqCtx map[string]any) bool {
	if len(constraints) == 0 {
		return true
	}
	for key, want := range constraints {
		if ceiling, ok := asNumber(want); ok && strings.HasPrefix(key, "max_") {
			attr := strings.TrimPrefix(key, "max_")
			got, present := lookupNumber(reqCtx, attr, key)
			if !present || got > ceiling {
				return false
			}
			continue
		}
		got, present := reqCtx[key]
		if !present || !equalValues(want, got) {
			return false
		}
	}
	return true
}

// lookupNumber fetches a numeric context attribute under either the bare
// name ("amount") or the full constraint key ("max_amount").
func lookupNumber(reqCtx map[string]any, attr, full string) (float64, bool) {
	if v, ok := reqCtx[attr]; ok {
		return asNumber(v)
	}
	if v, ok := reqCtx[full]; ok {
		return asNumber(v)
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
