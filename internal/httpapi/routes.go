package httpapi

import (
	"net/http"
	"strings"

	"confportal.org/internal/auth"
)

// AuthConfig describes what the authorization gate enforces for one route.
// The zero value is a public route.
type AuthConfig struct {
	RequireAuth    bool
	Audience       auth.Audience
	Permissions    []string
	RequireAll     bool
	AllowSuperuser bool
}

// RouteSpec binds a method and path pattern to its gate requirements.
// Pattern segments of the form {name} match any single non-empty segment.
type RouteSpec struct {
	Method  string
	Pattern string
	Auth    AuthConfig
}

// routeTable is assembled once at startup and never mutated afterwards.
// The gate runs before mux dispatch, so requirements live here instead of
// on the handlers.
type routeTable struct {
	specs []RouteSpec
}

func newRouteTable(specs []RouteSpec) *routeTable {
	t := &routeTable{specs: make([]RouteSpec, len(specs))}
	copy(t.specs, specs)
	return t
}

// find returns the first spec matching method and path. Paths without a
// spec are not the gate's business; the mux decides what happens to them.
func (t *routeTable) find(method, path string) (RouteSpec, bool) {
	for _, spec := range t.specs {
		if spec.Method != method {
			continue
		}
		if matchPattern(spec.Pattern, path) {
			return spec, true
		}
	}
	return RouteSpec{}, false
}

func matchPattern(pattern, path string) bool {
	if pattern == path {
		return true
	}
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	have := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(have) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if have[i] == "" {
				return false
			}
			continue
		}
		if seg != have[i] {
			return false
		}
	}
	return true
}

// defaultRoutes is the production route table. Login and refresh stay
// public; the rest of the admin surface names the permission codes it
// demands. Superusers pass every permission check on these routes.
func defaultRoutes() []RouteSpec {
	adminOnly := AuthConfig{RequireAuth: true, Audience: auth.AudienceAdmin}
	appOnly := AuthConfig{RequireAuth: true, Audience: auth.AudienceApp}

	adminWith := func(codes ...string) AuthConfig {
		return AuthConfig{
			RequireAuth:    true,
			Audience:       auth.AudienceAdmin,
			Permissions:    codes,
			AllowSuperuser: true,
		}
	}

	return []RouteSpec{
		{Method: http.MethodPost, Pattern: "/v1/auth/login"},
		{Method: http.MethodPost, Pattern: "/v1/auth/refresh"},
		{Method: http.MethodPost, Pattern: "/v1/auth/logout", Auth: appOnly},

		{Method: http.MethodPost, Pattern: "/v1/admin/auth/login"},
		{Method: http.MethodPost, Pattern: "/v1/admin/auth/refresh"},
		{Method: http.MethodPost, Pattern: "/v1/admin/auth/logout", Auth: adminOnly},
		{Method: http.MethodGet, Pattern: "/v1/admin/auth/me", Auth: adminOnly},

		{Method: http.MethodGet, Pattern: "/v1/admin/permissions",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemPermission, auth.VerbRead))},
		{Method: http.MethodGet, Pattern: "/v1/admin/resources",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemResource, auth.VerbRead))},

		{Method: http.MethodGet, Pattern: "/v1/admin/roles",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbRead))},
		{Method: http.MethodPost, Pattern: "/v1/admin/roles",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbCreate))},
		{Method: http.MethodGet, Pattern: "/v1/admin/roles/{id}",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbRead))},
		{Method: http.MethodPatch, Pattern: "/v1/admin/roles/{id}",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbModify))},
		{Method: http.MethodDelete, Pattern: "/v1/admin/roles/{id}",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbDelete))},
		{Method: http.MethodGet, Pattern: "/v1/admin/roles/{id}/permissions",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbRead))},
		{Method: http.MethodPut, Pattern: "/v1/admin/roles/{id}/permissions",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemRole, auth.VerbModify))},

		{Method: http.MethodGet, Pattern: "/v1/admin/users/{id}/roles",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemUser, auth.VerbRead))},
		{Method: http.MethodPost, Pattern: "/v1/admin/users/{id}/roles",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemUser, auth.VerbModify))},
		{Method: http.MethodDelete, Pattern: "/v1/admin/users/{id}/roles/{role}",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemUser, auth.VerbModify))},

		{Method: http.MethodGet, Pattern: "/v1/admin/events/stream",
			Auth: adminWith(auth.PermissionCode(auth.ResourceSystemLog, auth.VerbRead))},
	}
}
