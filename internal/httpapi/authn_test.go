package httpapi

import (
	"context"
	"net/http"
	"testing"

	"confportal.org/internal/auth"
)

func TestGateRejectsMissingToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/admin/auth/me", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] != "missing bearer token" {
		t.Fatalf("unexpected error: %v", errBody["error"])
	}
	if errBody["request_id"] == "" {
		t.Fatalf("expected request_id in error body")
	}
}

func TestGateRejectsMalformedCredentials(t *testing.T) {
	api := newTestAPI(t)

	cases := map[string]string{
		"wrong scheme":  "Basic abc123",
		"empty token":   "Bearer ",
		"garbage token": "Bearer not-a-jwt",
	}
	for name, header := range cases {
		resp := api.get("/v1/admin/auth/me", nil, map[string]string{"Authorization": header})
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.StatusCode)
		}
	}
}

func TestGateAllowsUntabledPaths(t *testing.T) {
	api := newTestAPI(t)

	// Paths without a route table entry are not the gate's business.
	resp := api.get("/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}

	resp = api.get("/no/such/path", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGateOptionsBypassesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodOptions, "/v1/admin/roles", nil, map[string]string{
		"Origin": "http://localhost:3000",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
}

func TestGateSuperuserBypassesPermissionChecks(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("root@example.com", "RootPass1", false, true)

	// No roles, no grants; the superuser flag alone passes the gate.
	sess := api.login("/v1/admin/auth/login", "root@example.com", "RootPass1")

	for _, path := range []string{"/v1/admin/permissions", "/v1/admin/resources", "/v1/admin/roles"} {
		resp := api.get(path, nil, bearer(sess.AccessToken))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200 for superuser, got %d", path, resp.StatusCode)
		}
	}
}

func TestGateDebugListsMissingPermissions(t *testing.T) {
	api := newTestAPI(t)
	api.api.debug = true
	api.seedUser("chair@example.com", "ChairPass1", true, false)

	sess := api.login("/v1/admin/auth/login", "chair@example.com", "ChairPass1")

	resp := api.get("/v1/admin/permissions", nil, bearer(sess.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	missing, ok := body["missing"].([]any)
	if !ok || len(missing) != 1 {
		t.Fatalf("expected one missing code, got %v", body["missing"])
	}
	if missing[0] != "system:permission:read" {
		t.Fatalf("unexpected missing code: %v", missing[0])
	}
}

func TestGateUsesTokenScopeUntilRefresh(t *testing.T) {
	api := newTestAPI(t)
	chair := api.seedUser("chair@example.com", "ChairPass1", true, false)
	role := api.seedRole("program-chair", chair.ID, "system:user:read")

	sess := api.login("/v1/admin/auth/login", "chair@example.com", "ChairPass1")

	resp := api.get("/v1/admin/roles", nil, bearer(sess.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before grant, got %d", resp.StatusCode)
	}

	// Widen the role. The already issued token still carries the narrow
	// scope; only a rotation mints one with the new grant.
	err := api.api.rbac.SetRolePermissions(context.Background(), role.ID, []auth.PermissionGrant{
		{PermissionCode: "system:user:read"},
		{PermissionCode: "system:role:read"},
	})
	if err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}

	resp = api.get("/v1/admin/roles", nil, bearer(sess.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with stale token scope, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/admin/auth/refresh", map[string]any{
		"refresh_token": sess.RefreshToken,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status: %d", resp.StatusCode)
	}
	rotated := decode[sessionResponse](t, resp)

	resp = api.get("/v1/admin/roles", nil, bearer(rotated.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after refresh, got %d", resp.StatusCode)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "ok", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc"},
		{name: "empty", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "scheme only", header: "Bearer ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
