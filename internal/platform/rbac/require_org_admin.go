// Package rbac gates organization-scoped operations on the caller's membership role.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"realm-export/backend/internal/membership/domain"
	"realm-export/backend/internal/server/middleware"
)

var (
	// ErrUnauthenticated is returned when the context carries no user or org identity.
	ErrUnauthenticated = errors.New("org and user context required")
	// ErrPermissionDenied is returned when the caller is not an owner or admin of the context org.
	ErrPermissionDenied = errors.New("Must be an organization administrator")
	// ErrMembershipLookup wraps repository failures while resolving the caller's membership.
	ErrMembershipLookup = errors.New("failed to resolve membership")
)

// OrgMembershipGetter returns a user's membership in an org. Used by RequireOrgAdmin to resolve caller role.
type OrgMembershipGetter interface {
	GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*domain.Membership, error)
}

// Caller is the authenticated identity together with its role in the context org.
type Caller struct {
	OrgID  string
	UserID string
	Role   domain.Role
}

// RequireOrgAdmin ensures the caller is authenticated and has role owner or admin in the context org.
// Returns (orgID, userID, nil) on success, ErrUnauthenticated or ErrPermissionDenied otherwise.
func RequireOrgAdmin(ctx context.Context, getter OrgMembershipGetter) (orgID, userID string, err error) {
	c, err := RequireOrgAdminCaller(ctx, getter)
	if err != nil {
		return "", "", err
	}
	return c.OrgID, c.UserID, nil
}

// RequireOrgAdminCaller is RequireOrgAdmin but also returns the caller's role, which the export
// policy consults to decide whether a full (non-public) export is allowed.
func RequireOrgAdminCaller(ctx context.Context, getter OrgMembershipGetter) (*Caller, error) {
	orgID, okOrg := middleware.GetOrgID(ctx)
	userID, okUser := middleware.GetUserID(ctx)
	if !okOrg || orgID == "" || !okUser || userID == "" {
		return nil, ErrUnauthenticated
	}
	m, err := getter.GetMembershipByUserAndOrg(ctx, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMembershipLookup, err)
	}
	if m == nil || !m.Role.IsAdmin() {
		return nil, ErrPermissionDenied
	}
	return &Caller{OrgID: orgID, UserID: userID, Role: m.Role}, nil
}
