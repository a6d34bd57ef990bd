package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"confportal.org/internal/auth"
	"confportal.org/internal/stream"
)

type createRoleRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type updateRoleRequest struct {
	Name      *string `json:"name"`
	IsActive  *bool   `json:"is_active"`
	IsVisible *bool   `json:"is_visible"`
}

type permissionGrantRequest struct {
	Code       string     `json:"code"`
	ExpireDate *time.Time `json:"expire_date"`
}

type updateRolePermissionsRequest struct {
	Permissions []permissionGrantRequest `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type roleResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	IsVisible bool      `json:"is_visible"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRoleResponse(role *auth.Role) roleResponse {
	return roleResponse{
		ID:        role.ID,
		Code:      role.Code,
		Name:      role.Name,
		IsActive:  role.IsActive,
		IsVisible: role.IsVisible,
		CreatedAt: role.CreatedAt,
		UpdatedAt: role.UpdatedAt,
	}
}

type permissionResponse struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

func toPermissionResponses(perms []*auth.Permission) []permissionResponse {
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{
			ID:       p.ID,
			Code:     p.Code,
			Name:     p.Name,
			IsActive: p.IsActive,
		})
	}
	return out
}

type resourceResponse struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

type verbResponse struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": toPermissionResponses(perms),
	})
}

func (a *API) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	resources, err := a.rbac.ListResources(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	verbs, err := a.rbac.ListVerbs(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	res := make([]resourceResponse, 0, len(resources))
	for _, rc := range resources {
		res = append(res, resourceResponse{ID: rc.ID, Code: rc.Code, Name: rc.Name, IsActive: rc.IsActive})
	}
	vs := make([]verbResponse, 0, len(verbs))
	for _, v := range verbs {
		vs = append(vs, verbResponse{ID: v.ID, Action: v.Action, Name: v.Name, IsActive: v.IsActive})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": res,
		"verbs":     vs,
	})
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		out := make([]roleResponse, 0, len(roles))
		for _, role := range roles {
			out = append(out, toRoleResponse(role))
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": out})
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Code, req.Name)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.create", "role", role.ID, map[string]string{
			"code": role.Code,
		})
		a.publishRBACChange(r, fmt.Sprintf("role %s created", role.Code))
		w.Header().Set("Location", fmt.Sprintf("/v1/admin/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, toRoleResponse(role))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleRole(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		role, err := a.rbac.FindRole(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRoleResponse(role))
	case http.MethodPatch:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, auth.RoleUpdate{
			Name:      req.Name,
			IsActive:  req.IsActive,
			IsVisible: req.IsVisible,
		})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.update", "role", roleID, nil)
		a.publishRBACChange(r, fmt.Sprintf("role %s updated", role.Code))
		writeJSON(w, http.StatusOK, toRoleResponse(role))
	case http.MethodDelete:
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.delete", "role", roleID, nil)
		a.publishRBACChange(r, "role deleted")
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		perms, err := a.rbac.RolePermissions(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"permissions": toPermissionResponses(perms),
		})
	case http.MethodPut:
		var req updateRolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		grants := make([]auth.PermissionGrant, 0, len(req.Permissions))
		for _, g := range req.Permissions {
			grants = append(grants, auth.PermissionGrant{
				PermissionCode: g.Code,
				ExpireDate:     g.ExpireDate,
			})
		}
		if err := a.rbac.SetRolePermissions(r.Context(), roleID, grants); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.permissions.update", "role", roleID, map[string]string{
			"count": fmt.Sprintf("%d", len(grants)),
		})
		a.publishRBACChange(r, fmt.Sprintf("role %s grants replaced", roleID))
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRole(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.rbac.UserRoles(r.Context(), userID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		if roles == nil {
			roles = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.RoleID = strings.TrimSpace(req.RoleID)
		if req.RoleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.rbac.AssignRole(r.Context(), userID, req.RoleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.user.assign_role", "user", userID, map[string]string{
			"role_id": req.RoleID,
		})
		a.publishRBACChange(r, fmt.Sprintf("role %s assigned to user %s", req.RoleID, userID))
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.rbac.RemoveRole(r.Context(), userID, roleID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.user.remove_role", "user", userID, map[string]string{
		"role_id": roleID,
	})
	a.publishRBACChange(r, fmt.Sprintf("role %s removed from user %s", roleID, userID))
	w.WriteHeader(http.StatusNoContent)
}

// publishRBACChange emits one security event for a catalog mutation,
// attributed to the acting admin.
func (a *API) publishRBACChange(r *http.Request, detail string) {
	evt := stream.SecurityEvent{
		Type:   stream.TypeRBACChange,
		IP:     clientIP(r),
		Detail: detail,
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		evt.UserID = identity.UserID
		evt.Audience = string(identity.Audience)
	}
	a.publish(evt)
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}
