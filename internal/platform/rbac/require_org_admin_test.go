package rbac

import (
	"context"
	"errors"
	"testing"

	"realm-export/backend/internal/membership/domain"
	"realm-export/backend/internal/server/middleware"
)

// mockMembershipGetter implements OrgMembershipGetter for tests.
type mockMembershipGetter struct {
	memberships map[string]*domain.Membership
	err         error
	calls       int
}

func (m *mockMembershipGetter) GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*domain.Membership, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.memberships[userID+":"+orgID], nil
}

func getterWithRole(role domain.Role) *mockMembershipGetter {
	return &mockMembershipGetter{
		memberships: map[string]*domain.Membership{
			"user-1:org-1": {ID: "m1", UserID: "user-1", OrgID: "org-1", Role: role},
		},
	}
}

func TestRequireOrgAdmin_Success(t *testing.T) {
	for _, role := range []domain.Role{domain.RoleOwner, domain.RoleAdmin} {
		ctx := middleware.WithIdentity(context.Background(), "user-1", "org-1", "session-1")

		orgID, userID, err := RequireOrgAdmin(ctx, getterWithRole(role))
		if err != nil {
			t.Fatalf("RequireOrgAdmin(%s): %v", role, err)
		}
		if orgID != "org-1" {
			t.Errorf("org_id = %q, want %q", orgID, "org-1")
		}
		if userID != "user-1" {
			t.Errorf("user_id = %q, want %q", userID, "user-1")
		}
	}
}

func TestRequireOrgAdminCaller_ReturnsRole(t *testing.T) {
	ctx := middleware.WithIdentity(context.Background(), "user-1", "org-1", "session-1")

	c, err := RequireOrgAdminCaller(ctx, getterWithRole(domain.RoleOwner))
	if err != nil {
		t.Fatalf("RequireOrgAdminCaller: %v", err)
	}
	if c.Role != domain.RoleOwner {
		t.Errorf("role = %q, want %q", c.Role, domain.RoleOwner)
	}
}

func TestRequireOrgAdmin_Failure_Member(t *testing.T) {
	ctx := middleware.WithIdentity(context.Background(), "user-1", "org-1", "session-1")

	_, _, err := RequireOrgAdmin(ctx, getterWithRole(domain.RoleMember))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRequireOrgAdmin_Failure_NotMember(t *testing.T) {
	getter := &mockMembershipGetter{memberships: make(map[string]*domain.Membership)}
	ctx := middleware.WithIdentity(context.Background(), "user-1", "org-1", "session-1")

	_, _, err := RequireOrgAdmin(ctx, getter)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRequireOrgAdmin_Failure_NoContext(t *testing.T) {
	getter := &mockMembershipGetter{memberships: make(map[string]*domain.Membership)}

	_, _, err := RequireOrgAdmin(context.Background(), getter)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if getter.calls != 0 {
		t.Errorf("membership lookups = %d, want 0", getter.calls)
	}
}

func TestRequireOrgAdmin_Failure_EmptyIDs(t *testing.T) {
	for _, ids := range [][2]string{{"user-1", ""}, {"", "org-1"}} {
		ctx := middleware.WithIdentity(context.Background(), ids[0], ids[1], "session-1")
		_, _, err := RequireOrgAdmin(ctx, getterWithRole(domain.RoleOwner))
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("user=%q org=%q: err = %v, want ErrUnauthenticated", ids[0], ids[1], err)
		}
	}
}

func TestRequireOrgAdmin_Failure_RepoError(t *testing.T) {
	getter := &mockMembershipGetter{err: errors.New("db down")}
	ctx := middleware.WithIdentity(context.Background(), "user-1", "org-1", "session-1")

	_, _, err := RequireOrgAdmin(ctx, getter)
	if !errors.Is(err, ErrMembershipLookup) {
		t.Errorf("err = %v, want ErrMembershipLookup", err)
	}
}
