package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"confportal.org/internal/auth"
	"confportal.org/internal/obs"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// withGate authenticates and authorizes requests against the route table
// before mux dispatch. Routes without a table entry pass through; the mux
// decides what becomes of them.
func (a *API) withGate(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		spec, ok := a.routes.find(r.Method, r.URL.Path)
		if !ok || !spec.Auth.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		user, claims, err := a.auth.Authenticate(r.Context(), token, spec.Auth.Audience)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrCredentialRevoked):
				obs.ObserveBlacklistHit()
				writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication failed")
			}
			return
		}

		// Identity lands in the context exactly once; handlers only read it.
		identity := auth.NewIdentity(user, claims, spec.Auth.Audience)
		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithToken(ctx, token)
		r = r.WithContext(ctx)

		if len(spec.Auth.Permissions) > 0 && !(spec.Auth.AllowSuperuser && identity.IsSuperuser) {
			granted, err := a.auth.PermissionsForRequest(ctx, user, claims)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "authorization failed")
				return
			}
			if !auth.Decide(granted, spec.Auth.Permissions, spec.Auth.RequireAll) {
				if a.debug {
					payload := map[string]any{
						"error":   "permission denied",
						"missing": missingCodes(granted, spec.Auth.Permissions),
					}
					if rid := RequestIDFromContext(ctx); rid != "" {
						payload["request_id"] = rid
					}
					writeJSON(w, http.StatusForbidden, payload)
					return
				}
				writeError(w, r, http.StatusForbidden, "permission denied")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func missingCodes(granted, required []string) []string {
	missing := make([]string, 0, len(required))
	for _, code := range required {
		if !auth.ScopeSatisfies(granted, code) {
			missing = append(missing, code)
		}
	}
	return missing
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
