package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type serviceFixture struct {
	store    *MemStore
	cache    *PermissionCache
	svc      *Service
	now      *time.Time
	admin    *User
	attendee *User
}

func plainVerifier(hash, password string) error {
	if hash != "plain:"+password {
		return errors.New("password mismatch")
	}
	return nil
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	fx := &serviceFixture{now: &now}
	clock := func() time.Time { return *fx.now }

	fx.store = NewMemStore()
	fx.store.EnsureCatalog()
	fx.cache = NewPermissionCache(rdb, "confportal")

	signer, err := NewSigner([]byte("test-secret"), WithSignerClock(clock), WithSignerTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	resolver := NewResolver(fx.store, fx.cache, WithResolverClock(clock), WithResolverCacheTTL(time.Hour))
	refresh := NewRefreshService(fx.store, WithRefreshClock(clock), WithRefreshHashKeys("salt-", "-pepper"))
	blacklist := NewBlacklist(rdb, WithBlacklistClock(clock))

	fx.svc, err = NewService(fx.store, signer, refresh, resolver,
		WithServiceBlacklist(blacklist),
		WithServiceClock(clock),
		WithPasswordVerifier(plainVerifier),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	fx.admin = &User{
		Email: "admin@example.com", DisplayName: "Admin",
		PasswordHash: "plain:AdminPass1",
		IsActive:     true, Verified: true, IsAdmin: true,
	}
	fx.attendee = &User{
		Email: "guest@example.com", DisplayName: "Guest",
		PasswordHash: "plain:GuestPass1",
		IsActive:     true, Verified: true,
	}
	for _, u := range []*User{fx.admin, fx.attendee} {
		if err := fx.store.Users(ctx).Create(ctx, u); err != nil {
			t.Fatalf("Create user: %v", err)
		}
	}

	rbac := NewRBACService(fx.store, resolver)
	role, err := rbac.CreateRole(ctx, "content-manager", "Content manager")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	grants := []PermissionGrant{
		{PermissionCode: "content:file:read"},
		{PermissionCode: "content:file:create"},
		{PermissionCode: "content:file:modify"},
		{PermissionCode: "content:file:delete"},
		{PermissionCode: "system:log:read"},
	}
	if err := rbac.SetRolePermissions(ctx, role.ID, grants); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := rbac.AssignRole(ctx, fx.admin.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	return fx
}

func TestServiceLoginAdmin(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email:    "Admin@Example.com",
		Password: "AdminPass1",
		Audience: AudienceAdmin,
		Device:   DeviceInfo{DeviceID: "dev-1", IP: "10.1.1.1", UserAgent: "portal-web"},
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Tokens.AccessToken == "" || session.Tokens.RefreshToken == "" {
		t.Fatalf("tokens missing: %+v", session.Tokens)
	}
	if !reflect.DeepEqual(session.Roles, []string{"content-manager"}) {
		t.Fatalf("unexpected roles: %v", session.Roles)
	}
	if session.User.LastLoginAt == nil || !session.User.LastLoginAt.Equal(*fx.now) {
		t.Fatalf("last login not stamped: %+v", session.User.LastLoginAt)
	}

	claims, err := fx.svc.Signer().Verify(session.Tokens.AccessToken, AudienceAdmin)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.FamilyID != session.FamilyID {
		t.Fatalf("family mismatch: claims %s, session %s", claims.FamilyID, session.FamilyID)
	}
	if claims.Scope != "content:file:* system:log:read" {
		t.Fatalf("unexpected folded scope: %q", claims.Scope)
	}

	// Login warms the permission cache for the gate.
	cached, ok, err := fx.cache.Get(ctx, fx.admin.ID)
	if err != nil || !ok {
		t.Fatalf("cache should be warm after login: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(cached, session.Permissions) {
		t.Fatalf("cache diverged from session permissions: %v vs %v", cached, session.Permissions)
	}
}

func TestServiceLoginFailures(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, errUnknown := fx.svc.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "x", Audience: AudienceApp})
	if !errors.Is(errUnknown, ErrUnauthenticated) {
		t.Fatalf("unknown email: got %v", errUnknown)
	}
	_, errBadPass := fx.svc.Login(ctx, LoginInput{Email: "guest@example.com", Password: "wrong", Audience: AudienceApp})
	if !errors.Is(errBadPass, ErrUnauthenticated) {
		t.Fatalf("bad password: got %v", errBadPass)
	}
	// Same sentinel for both, so responses cannot reveal which emails exist.
	if errUnknown.Error() != errBadPass.Error() {
		t.Fatalf("failure modes must be indistinguishable: %q vs %q", errUnknown, errBadPass)
	}

	if _, err := fx.svc.Login(ctx, LoginInput{Email: "guest@example.com", Password: "GuestPass1", Audience: AudienceAdmin}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin on admin audience: got %v", err)
	}
	if _, err := fx.svc.Login(ctx, LoginInput{Email: "guest@example.com", Password: "GuestPass1", Audience: "kiosk"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown audience: got %v", err)
	}
	if _, err := fx.svc.Login(ctx, LoginInput{Email: "guest@example.com", Password: "GuestPass1", Audience: AudienceApp}); err != nil {
		t.Fatalf("app login should pass for plain accounts: %v", err)
	}
}

func TestServiceRefreshRotatesWithinFamily(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email: "admin@example.com", Password: "AdminPass1", Audience: AudienceAdmin,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	*fx.now = fx.now.Add(30 * time.Minute)
	next, err := fx.svc.Refresh(ctx, session.Tokens.RefreshToken, AudienceAdmin, DeviceInfo{IP: "10.1.1.2"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.FamilyID != session.FamilyID {
		t.Fatalf("refresh must stay in the family: %s vs %s", next.FamilyID, session.FamilyID)
	}
	if next.Tokens.RefreshToken == session.Tokens.RefreshToken {
		t.Fatalf("refresh token must rotate")
	}
	if !next.Tokens.RefreshExpiresAt.Equal(session.Tokens.RefreshExpiresAt) {
		t.Fatalf("rotation must not extend the family lifetime")
	}
	claims, err := fx.svc.Signer().Verify(next.Tokens.AccessToken, AudienceAdmin)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.FamilyID != session.FamilyID {
		t.Fatalf("new access token carries wrong family: %s", claims.FamilyID)
	}

	// Replaying the spent token burns the whole family.
	if _, err := fx.svc.Refresh(ctx, session.Tokens.RefreshToken, AudienceAdmin, DeviceInfo{}); !errors.Is(err, ErrRefreshReused) {
		t.Fatalf("reuse: got %v", err)
	}
	if _, err := fx.svc.Refresh(ctx, next.Tokens.RefreshToken, AudienceAdmin, DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("successor must be dead after reuse: got %v", err)
	}
}

func TestServiceLogout(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email: "admin@example.com", Password: "AdminPass1", Audience: AudienceAdmin,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := fx.svc.Logout(ctx, session.Tokens.AccessToken, session.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceAdmin); !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("access token must be revoked: got %v", err)
	}
	if _, err := fx.svc.Refresh(ctx, session.Tokens.RefreshToken, AudienceAdmin, DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("refresh credential must be revoked: got %v", err)
	}

	// Logout stays idempotent and survives a garbled access token.
	if err := fx.svc.Logout(ctx, "garbage", session.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout with damaged token: %v", err)
	}
}

func TestServiceAuthenticate(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email: "admin@example.com", Password: "AdminPass1", Audience: AudienceAdmin,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	user, claims, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceAdmin)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != fx.admin.ID || claims.UserID != fx.admin.ID {
		t.Fatalf("unexpected identity: %s / %s", user.ID, claims.UserID)
	}

	if _, _, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceApp); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("audience mixup must fail: got %v", err)
	}

	appSession, err := fx.svc.Login(ctx, LoginInput{
		Email: "guest@example.com", Password: "GuestPass1", Audience: AudienceApp,
	})
	if err != nil {
		t.Fatalf("Login app: %v", err)
	}
	if _, _, err := fx.svc.Authenticate(ctx, appSession.Tokens.AccessToken, AudienceApp); err != nil {
		t.Fatalf("Authenticate app: %v", err)
	}
}

func TestServiceRejectsDormantAccounts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email: "admin@example.com", Password: "AdminPass1", Audience: AudienceAdmin,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Deactivation takes effect on the next check even though the token
	// itself is still valid.
	fx.store.mu.Lock()
	fx.store.users[fx.admin.ID].IsActive = false
	fx.store.mu.Unlock()

	if _, _, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceAdmin); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("deactivated account: got %v", err)
	}
	if _, err := fx.svc.Refresh(ctx, session.Tokens.RefreshToken, AudienceAdmin, DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("deactivated account refresh: got %v", err)
	}

	fx.store.mu.Lock()
	fx.store.users[fx.admin.ID].IsActive = true
	fx.store.users[fx.admin.ID].Verified = false
	fx.store.mu.Unlock()

	if _, _, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceAdmin); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unverified account: got %v", err)
	}

	dormant := &User{Email: "dormant@example.com", PasswordHash: "plain:DormantPass1", Verified: true}
	if err := fx.store.Users(ctx).Create(ctx, dormant); err != nil {
		t.Fatalf("Create user: %v", err)
	}
	if _, err := fx.svc.Login(ctx, LoginInput{Email: "dormant@example.com", Password: "DormantPass1", Audience: AudienceApp}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("inactive login: got %v", err)
	}
}

func TestServicePermissionsForRequest(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	session, err := fx.svc.Login(ctx, LoginInput{
		Email: "admin@example.com", Password: "AdminPass1", Audience: AudienceAdmin,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, claims, err := fx.svc.Authenticate(ctx, session.Tokens.AccessToken, AudienceAdmin)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Admin tokens carry scope; the gate trusts the verified claim.
	got, err := fx.svc.PermissionsForRequest(ctx, fx.admin, claims)
	if err != nil {
		t.Fatalf("PermissionsForRequest: %v", err)
	}
	if !reflect.DeepEqual(got, claims.ScopeList()) {
		t.Fatalf("scope-bearing token must use its claims: %v", got)
	}

	// App tokens have no scope; the cached set decides, and a cold cache
	// falls back to live resolution.
	appSession, err := fx.svc.Login(ctx, LoginInput{
		Email: "guest@example.com", Password: "GuestPass1", Audience: AudienceApp,
	})
	if err != nil {
		t.Fatalf("Login app: %v", err)
	}
	_, appClaims, err := fx.svc.Authenticate(ctx, appSession.Tokens.AccessToken, AudienceApp)
	if err != nil {
		t.Fatalf("Authenticate app: %v", err)
	}
	got, err = fx.svc.PermissionsForRequest(ctx, fx.attendee, appClaims)
	if err != nil {
		t.Fatalf("PermissionsForRequest app: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("attendee has no grants, got %v", got)
	}
	if err := fx.svc.Resolver().ClearCache(ctx, fx.attendee.ID); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, err := fx.svc.PermissionsForRequest(ctx, fx.attendee, appClaims); err != nil {
		t.Fatalf("cold cache must fall back to live: %v", err)
	}
}
