package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"confportal.org/internal/auth"
	"confportal.org/internal/obs"
	"confportal.org/internal/stream"
)

const (
	deviceCookieName   = "portal_device_id"
	deviceCookieMaxAge = 365 * 24 * 60 * 60
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type sessionResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	User         sessionUser `json:"user"`
	Roles        []string    `json:"roles,omitempty"`
	Permissions  []string    `json:"permissions,omitempty"`
}

func sessionPayload(sess *auth.Session, accessTTL time.Duration) sessionResponse {
	return sessionResponse{
		AccessToken:  sess.Tokens.AccessToken,
		RefreshToken: sess.Tokens.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(accessTTL / time.Second),
		User: sessionUser{
			ID:          sess.User.ID,
			Email:       sess.User.Email,
			DisplayName: sess.User.DisplayName,
		},
		Roles:       sess.Roles,
		Permissions: sess.Permissions,
	}
}

// deviceInfo reads the device cookie and the client network facts. With
// mint set a missing cookie is replaced by a fresh identifier so the
// refresh chain gets bound to this installation from the first login.
func (a *API) deviceInfo(w http.ResponseWriter, r *http.Request, mint bool) auth.DeviceInfo {
	info := auth.DeviceInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if c, err := r.Cookie(deviceCookieName); err == nil && c.Value != "" {
		info.DeviceID = c.Value
		return info
	}
	if !mint {
		return info
	}
	info.DeviceID = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    info.DeviceID,
		Path:     "/",
		MaxAge:   deviceCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.cookieSecure,
	})
	return info
}

func (a *API) handleLogin(aud auth.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req loginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		device := a.deviceInfo(w, r, true)
		sess, err := a.auth.Login(r.Context(), auth.LoginInput{
			Email:    req.Email,
			Password: req.Password,
			Audience: aud,
			Device:   device,
		})
		if err != nil {
			a.loginFailure(w, r, aud, device, err)
			return
		}

		obs.ObserveLogin(string(aud), "ok")
		a.publish(stream.SecurityEvent{
			Type:     stream.TypeLogin,
			UserID:   sess.User.ID,
			Audience: string(aud),
			IP:       device.IP,
		})
		a.audit(r.Context(), "auth.login", "user", sess.User.ID, map[string]string{
			"audience": string(aud),
		})
		writeJSON(w, http.StatusOK, sessionPayload(sess, a.auth.AccessTTL()))
	}
}

// loginFailure maps the service error. Unknown accounts and wrong
// passwords share one message so the endpoint cannot be used to probe
// which emails exist.
func (a *API) loginFailure(w http.ResponseWriter, r *http.Request, aud auth.Audience, device auth.DeviceInfo, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		obs.ObserveLogin(string(aud), "error")
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		obs.ObserveLogin(string(aud), "forbidden")
		writeError(w, r, http.StatusForbidden, "account is not allowed on this surface")
	case errors.Is(err, auth.ErrUnauthenticated):
		obs.ObserveLogin(string(aud), "unauthenticated")
		a.publish(stream.SecurityEvent{
			Type:     stream.TypeLoginFailed,
			Audience: string(aud),
			IP:       device.IP,
			Detail:   "invalid credentials",
		})
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	default:
		obs.ObserveLogin(string(aud), "error")
		writeError(w, r, http.StatusInternalServerError, "login failed")
	}
}

func (a *API) handleRefresh(aud auth.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.RefreshToken == "" {
			writeError(w, r, http.StatusBadRequest, "refresh_token is required")
			return
		}

		device := a.deviceInfo(w, r, false)
		sess, err := a.auth.Refresh(r.Context(), req.RefreshToken, aud, device)
		if err != nil {
			a.refreshFailure(w, r, aud, device, err)
			return
		}

		obs.ObserveRotation("ok")
		a.publish(stream.SecurityEvent{
			Type:     stream.TypeRefreshRotate,
			UserID:   sess.User.ID,
			Audience: string(aud),
			IP:       device.IP,
		})
		a.audit(r.Context(), "auth.refresh", "user", sess.User.ID, map[string]string{
			"audience":  string(aud),
			"family_id": sess.FamilyID,
		})
		writeJSON(w, http.StatusOK, sessionPayload(sess, a.auth.AccessTTL()))
	}
}

// refreshFailure maps rotation errors. Reuse is recorded loudly on the
// server side while the caller still receives the generic message.
func (a *API) refreshFailure(w http.ResponseWriter, r *http.Request, aud auth.Audience, device auth.DeviceInfo, err error) {
	switch {
	case errors.Is(err, auth.ErrRefreshReused):
		obs.ObserveRotation("reuse")
		a.publish(stream.SecurityEvent{
			Type:     stream.TypeRefreshReuse,
			Audience: string(aud),
			IP:       device.IP,
			Detail:   "superseded refresh credential replayed; family revoked",
		})
		a.audit(r.Context(), "auth.refresh.reuse_detected", "refresh_credential", "", map[string]string{
			"audience": string(aud),
			"ip":       device.IP,
		})
		writeError(w, r, http.StatusUnauthorized, "invalid refresh credential")
	case errors.Is(err, auth.ErrInvalidRefreshCredential):
		obs.ObserveRotation("invalid")
		writeError(w, r, http.StatusUnauthorized, "invalid refresh credential")
	case errors.Is(err, auth.ErrForbidden):
		obs.ObserveRotation("invalid")
		writeError(w, r, http.StatusForbidden, "account is not allowed on this surface")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.ObserveRotation("error")
		writeError(w, r, http.StatusInternalServerError, "refresh failed")
	}
}

func (a *API) handleLogout(aud auth.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}

		// Body is optional: logout without a refresh token still
		// blacklists the presented access token.
		var req logoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "malformed request body")
			return
		}

		accessToken, _ := auth.TokenFromContext(r.Context())
		if err := a.auth.Logout(r.Context(), accessToken, req.RefreshToken); err != nil {
			writeError(w, r, http.StatusInternalServerError, "logout failed")
			return
		}

		identity, _ := auth.IdentityFromContext(r.Context())
		a.publish(stream.SecurityEvent{
			Type:     stream.TypeLogout,
			UserID:   identity.UserID,
			Audience: string(aud),
			IP:       clientIP(r),
		})
		a.audit(r.Context(), "auth.logout", "user", identity.UserID, map[string]string{
			"audience": string(aud),
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      identity.UserID,
		"email":        identity.Email,
		"display_name": identity.DisplayName,
		"audience":     string(identity.Audience),
		"is_superuser": identity.IsSuperuser,
		"roles":        identity.Roles,
		"scope":        identity.Scope,
	})
}
