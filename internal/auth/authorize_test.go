package auth

import "testing"

func TestIdentityScope(t *testing.T) {
	id := Identity{
		Roles: []string{"editor"},
		Scope: []string{"content:file:read", "support:faq:*"},
	}

	if !id.HasRole("editor") {
		t.Fatalf("expected role")
	}
	if id.HasRole("admin") {
		t.Fatalf("unexpected role")
	}
	if !id.HasScope("content:file:read") {
		t.Fatalf("expected direct scope match")
	}
	if !id.HasScope("support:faq:delete") {
		t.Fatalf("expected wildcard scope match")
	}
	if id.HasScope("content:file:delete") {
		t.Fatalf("unexpected scope match")
	}
}

func TestDecide(t *testing.T) {
	granted := []string{"system:user:read", "system:role:*"}

	if !Decide(granted, nil, true) {
		t.Fatalf("empty requirement must pass")
	}
	if !Decide(granted, []string{"system:user:read", "system:log:read"}, false) {
		t.Fatalf("any-of should pass with one match")
	}
	if Decide(granted, []string{"system:user:read", "system:log:read"}, true) {
		t.Fatalf("all-of should fail with one missing")
	}
	if !Decide(granted, []string{"system:role:delete", "system:role:create"}, true) {
		t.Fatalf("wildcard should satisfy all verbs of its resource")
	}
}
