package auth

import (
	"reflect"
	"testing"
)

func TestSplitPermissionCode(t *testing.T) {
	cases := map[string][2]string{
		"system:user:read":                  {"system:user", "read"},
		"content:file:delete":               {"content:file", "delete"},
		"system:user:*":                     {"system:user", "*"},
		"comms:notification_history:modify": {"comms:notification_history", "modify"},
		"plain":                             {"plain", ""},
	}
	for code, want := range cases {
		resource, verb := SplitPermissionCode(code)
		if resource != want[0] || verb != want[1] {
			t.Fatalf("SplitPermissionCode(%q) = (%q, %q), want (%q, %q)", code, resource, verb, want[0], want[1])
		}
	}
}

func TestFoldScope(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "full verb set collapses",
			in: []string{
				"system:user:read", "system:user:create", "system:user:modify", "system:user:delete",
				"system:log:read",
			},
			want: []string{"system:log:read", "system:user:*"},
		},
		{
			name: "partial set stays explicit",
			in:   []string{"content:file:read", "content:file:create"},
			want: []string{"content:file:create", "content:file:read"},
		},
		{
			name: "duplicates collapse",
			in:   []string{"system:log:read", "system:log:read"},
			want: []string{"system:log:read"},
		},
		{
			name: "existing wildcard wins",
			in:   []string{"system:role:*", "system:role:read"},
			want: []string{"system:role:*"},
		},
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
	}
	for _, tc := range cases {
		got := FoldScope(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: FoldScope(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestScopeSatisfies(t *testing.T) {
	scope := []string{"system:user:*", "content:file:read"}

	if !ScopeSatisfies(scope, "system:user:delete") {
		t.Fatalf("wildcard must satisfy any verb")
	}
	if !ScopeSatisfies(scope, "content:file:read") {
		t.Fatalf("direct code must match")
	}
	if ScopeSatisfies(scope, "content:file:delete") {
		t.Fatalf("unrelated verb must not match")
	}
	if ScopeSatisfies(scope, "support:faq:read") {
		t.Fatalf("unrelated resource must not match")
	}
}
