package auth

// HasRole reports whether the identity carries the role code.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the identity's token scope grants the
// permission code, directly or through a resource wildcard. Identities
// without an embedded scope always report false; callers fall back to
// the resolver for those.
func (id Identity) HasScope(code string) bool {
	return ScopeSatisfies(id.Scope, code)
}

// Decide evaluates a permission requirement against a permission set.
// With requireAll set every code must be granted, otherwise one suffices.
// An empty requirement list always passes.
func Decide(granted, required []string, requireAll bool) bool {
	if len(required) == 0 {
		return true
	}
	if requireAll {
		return ScopeSatisfiesAll(granted, required)
	}
	return ScopeSatisfiesAny(granted, required)
}
