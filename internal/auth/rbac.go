package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"confportal.org/internal/ids"
)

// Resolver computes effective roles and permissions for a user and keeps
// the Redis mirror in sync. A nil cache disables mirroring and every
// lookup resolves live.
type Resolver struct {
	store    Store
	cache    *PermissionCache
	cacheTTL time.Duration
	now      func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithResolverCacheTTL sets how long cached permission sets live. Keeping
// it at the access token lifetime means a cache entry never outlives the
// token that was minted alongside it.
func WithResolverCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithResolverClock overrides time source (useful for tests).
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver. cache may be nil.
func NewResolver(store Store, cache *PermissionCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		cache:    cache,
		cacheTTL: defaultAccessTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRoles returns the role codes held by the user. Superusers get
// the synthetic superuser role instead of their assignments.
func (r *Resolver) ResolveRoles(ctx context.Context, user *User) ([]string, error) {
	if user.IsSuperuser {
		return []string{RoleSuperuser}, nil
	}
	return r.store.RBAC(ctx).UserRoleCodes(ctx, user.ID)
}

// ResolvePermissions returns the live permission codes of the user.
// Superusers resolve to every active permission in the catalog.
func (r *Resolver) ResolvePermissions(ctx context.Context, user *User) ([]string, error) {
	if user.IsSuperuser {
		return r.store.RBAC(ctx).AllPermissionCodes(ctx)
	}
	return r.store.RBAC(ctx).UserPermissionCodes(ctx, user.ID, r.now().UTC())
}

// InitCache resolves the user's permissions and replaces the cached set,
// returning the resolved codes. Login and refresh call this so the cache
// is warm for the token lifetime that follows.
func (r *Resolver) InitCache(ctx context.Context, user *User) ([]string, error) {
	codes, err := r.ResolvePermissions(ctx, user)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Init(ctx, user.ID, codes, r.cacheTTL); err != nil {
			return nil, err
		}
	}
	return codes, nil
}

// EffectivePermissions returns the permission codes used for access
// decisions: the cached set when present, otherwise a live resolution. A
// cache miss never reads as "no permissions".
func (r *Resolver) EffectivePermissions(ctx context.Context, user *User) ([]string, error) {
	if r.cache != nil {
		codes, ok, err := r.cache.Get(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return codes, nil
		}
	}
	return r.ResolvePermissions(ctx, user)
}

// ClearCache drops the cached permission set of one user.
func (r *Resolver) ClearCache(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Clear(ctx, userID)
}

// ClearCacheForRole drops the cached sets of every user holding the role.
func (r *Resolver) ClearCacheForRole(ctx context.Context, roleID string) error {
	if r.cache == nil {
		return nil
	}
	userIDs, err := r.store.RBAC(ctx).UsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if err := r.cache.Clear(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RoleUpdate carries optional role field changes. Nil fields stay as is.
type RoleUpdate struct {
	Name      *string
	IsActive  *bool
	IsVisible *bool
}

// RBACService wraps catalog mutations with validation and cache
// invalidation. Every mutation that can change someone's effective
// permissions clears the affected cache entries.
type RBACService struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

// NewRBACService constructs an RBACService.
func NewRBACService(store Store, resolver *Resolver) *RBACService {
	return &RBACService{store: store, resolver: resolver, now: time.Now}
}

// ListRoles returns the role catalog.
func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.RBAC(ctx).ListRoles(ctx)
}

// FindRole returns one role by id.
func (s *RBACService) FindRole(ctx context.Context, id string) (*Role, error) {
	return s.store.RBAC(ctx).FindRole(ctx, id)
}

// CreateRole adds a role to the catalog.
func (s *RBACService) CreateRole(ctx context.Context, code, name string) (*Role, error) {
	code = strings.TrimSpace(strings.ToLower(code))
	name = strings.TrimSpace(name)
	if code == "" {
		return nil, fmt.Errorf("%w: role code required", ErrInvalidInput)
	}
	if code == RoleSuperuser {
		return nil, fmt.Errorf("%w: role code %q is reserved", ErrInvalidInput, RoleSuperuser)
	}
	if name == "" {
		name = code
	}
	now := s.now().UTC()
	role := &Role{
		ID:        ids.New(),
		Code:      code,
		Name:      name,
		IsActive:  true,
		IsVisible: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.RBAC(ctx).CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole applies the patch and invalidates holders when the role was
// switched off.
func (s *RBACService) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error) {
	rbac := s.store.RBAC(ctx)
	role, err := rbac.FindRole(ctx, id)
	if err != nil {
		return nil, err
	}
	deactivated := false
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name required", ErrInvalidInput)
		}
		role.Name = name
	}
	if upd.IsActive != nil {
		deactivated = role.IsActive && !*upd.IsActive
		role.IsActive = *upd.IsActive
	}
	if upd.IsVisible != nil {
		role.IsVisible = *upd.IsVisible
	}
	role.UpdatedAt = s.now().UTC()
	if err := rbac.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	if deactivated {
		if err := s.resolver.ClearCacheForRole(ctx, id); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// DeleteRole soft deletes the role. Holder caches are cleared first so
// the grants are gone by the time the delete lands.
func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	if err := s.resolver.ClearCacheForRole(ctx, id); err != nil {
		return err
	}
	return s.store.RBAC(ctx).DeleteRole(ctx, id)
}

// ListResources returns the resource catalog.
func (s *RBACService) ListResources(ctx context.Context) ([]*Resource, error) {
	return s.store.RBAC(ctx).ListResources(ctx)
}

// ListVerbs returns the verb catalog.
func (s *RBACService) ListVerbs(ctx context.Context) ([]*Verb, error) {
	return s.store.RBAC(ctx).ListVerbs(ctx)
}

// ListPermissions returns the permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.store.RBAC(ctx).ListPermissions(ctx)
}

// RolePermissions returns the permissions currently granted to a role.
func (s *RBACService) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	return s.store.RBAC(ctx).RolePermissions(ctx, roleID)
}

// SetRolePermissions replaces the grant set of a role and invalidates
// every holder.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, grants []PermissionGrant) error {
	for _, g := range grants {
		if strings.TrimSpace(g.PermissionCode) == "" {
			return fmt.Errorf("%w: permission code required", ErrInvalidInput)
		}
	}
	if err := s.store.RBAC(ctx).SetRolePermissions(ctx, roleID, grants); err != nil {
		return err
	}
	return s.resolver.ClearCacheForRole(ctx, roleID)
}

// AssignRole grants the role to a user and drops the user's cache entry.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleID string) error {
	if err := s.store.RBAC(ctx).AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	return s.resolver.ClearCache(ctx, userID)
}

// RemoveRole removes the role from a user and drops the user's cache
// entry.
func (s *RBACService) RemoveRole(ctx context.Context, userID, roleID string) error {
	if err := s.store.RBAC(ctx).RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	return s.resolver.ClearCache(ctx, userID)
}

// UserRoles returns the role codes currently assigned to a user.
func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return s.store.RBAC(ctx).UserRoleCodes(ctx, userID)
}
