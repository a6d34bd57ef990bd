package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service wires credential verification, refresh rotation, blacklisting
// and permission resolution into the login, refresh and logout flows.
type Service struct {
	store          Store
	signer         *Signer
	refresh        *RefreshService
	resolver       *Resolver
	blacklist      *Blacklist
	verifyPassword func(hash, password string) error
	now            func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithServiceBlacklist enables access token revocation on logout.
func WithServiceBlacklist(b *Blacklist) ServiceOption {
	return func(s *Service) error {
		s.blacklist = b
		return nil
	}
}

// WithPasswordVerifier swaps the password check (useful for tests).
func WithPasswordVerifier(fn func(hash, password string) error) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.verifyPassword = fn
		}
		return nil
	}
}

// WithServiceClock overrides time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the auth service from its pre-built parts.
func NewService(store Store, signer *Signer, refresh *RefreshService, resolver *Resolver, opts ...ServiceOption) (*Service, error) {
	if store == nil || signer == nil || refresh == nil || resolver == nil {
		return nil, errors.New("auth: service requires store, signer, refresh and resolver")
	}
	svc := &Service{
		store:          store,
		signer:         signer,
		refresh:        refresh,
		resolver:       resolver,
		verifyPassword: VerifyPassword,
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Signer exposes the token signer, used by the authorization gate.
func (s *Service) Signer() *Signer { return s.signer }

// Resolver exposes the permission resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Store exposes the backing store.
func (s *Service) Store() Store { return s.store }

// AccessTTL returns the access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.signer.AccessTTL() }

// RefreshTTL returns the refresh credential lifetime for new families.
func (s *Service) RefreshTTL() time.Duration { return s.refresh.TTL() }

// LoginInput carries user credentials plus the client metadata persisted
// alongside the issued refresh credential.
type LoginInput struct {
	Email    string
	Password string
	Audience Audience
	Device   DeviceInfo
}

// Session is the result of a successful login or refresh.
type Session struct {
	User        *User
	Audience    Audience
	Roles       []string
	Permissions []string
	FamilyID    string
	Tokens      TokenPair
}

// Login verifies credentials and opens a new session: a fresh refresh
// family, a warm permission cache and an access token. Unknown accounts
// and wrong passwords both come back as ErrUnauthenticated so responses
// cannot be used to probe which emails exist.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return nil, ErrUnauthenticated
	}
	if !in.Audience.Valid() {
		return nil, fmt.Errorf("%w: unknown audience %q", ErrInvalidInput, in.Audience)
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if err := s.verifyPassword(user.PasswordHash, in.Password); err != nil {
		return nil, ErrUnauthenticated
	}
	if !user.IsActive || !user.Verified {
		return nil, ErrUnauthenticated
	}
	if in.Audience == AudienceAdmin && !user.IsAdmin && !user.IsSuperuser {
		return nil, ErrForbidden
	}
	return s.openSession(ctx, user, in.Audience, uuid.NewString(), in.Device)
}

// Refresh rotates the presented refresh credential and mints a new
// access token inside the same family. Permissions are re-resolved so a
// grant change takes effect at the next refresh at the latest.
func (s *Service) Refresh(ctx context.Context, refreshToken string, aud Audience, device DeviceInfo) (*Session, error) {
	if !aud.Valid() {
		return nil, fmt.Errorf("%w: unknown audience %q", ErrInvalidInput, aud)
	}
	token, rec, err := s.refresh.Rotate(ctx, refreshToken, device)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefreshCredential
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive || !user.Verified {
		return nil, ErrInvalidRefreshCredential
	}
	if aud == AudienceAdmin && !user.IsAdmin && !user.IsSuperuser {
		return nil, ErrForbidden
	}
	roles, err := s.resolver.ResolveRoles(ctx, user)
	if err != nil {
		return nil, err
	}
	perms, err := s.resolver.InitCache(ctx, user)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.signer.Issue(user, aud, roles, perms, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:        user,
		Audience:    aud,
		Roles:       roles,
		Permissions: perms,
		FamilyID:    rec.FamilyID,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     token,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: rec.ExpiresAt,
		},
	}, nil
}

func (s *Service) openSession(ctx context.Context, user *User, aud Audience, familyID string, device DeviceInfo) (*Session, error) {
	roles, err := s.resolver.ResolveRoles(ctx, user)
	if err != nil {
		return nil, err
	}
	perms, err := s.resolver.InitCache(ctx, user)
	if err != nil {
		return nil, err
	}
	refreshToken, rec, err := s.refresh.Issue(ctx, user.ID, familyID, device)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.signer.Issue(user, aud, roles, perms, familyID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.Users(ctx).UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	return &Session{
		User:        user,
		Audience:    aud,
		Roles:       roles,
		Permissions: perms,
		FamilyID:    familyID,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: rec.ExpiresAt,
		},
	}, nil
}

// Logout blacklists the presented access token for the rest of its
// lifetime and revokes the refresh family. A damaged or expired access
// token is not an error: whatever can still be revoked is revoked, which
// keeps logout idempotent.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" && s.blacklist != nil {
		if exp, err := s.signer.GetExpiry(accessToken); err == nil {
			if err := s.blacklist.Add(ctx, accessToken, exp); err != nil {
				return err
			}
		}
	}
	if _, err := s.refresh.RevokeByToken(ctx, refreshToken, true); err != nil {
		return err
	}
	return nil
}

// Authenticate runs the gate checks for one bearer credential: signature
// and claims, blacklist, then the account itself. The returned user is
// live, verified and allowed on the audience.
func (s *Service) Authenticate(ctx context.Context, credential string, aud Audience) (*User, *Claims, error) {
	claims, err := s.signer.Verify(credential, aud)
	if err != nil {
		return nil, nil, err
	}
	if s.blacklist != nil {
		revoked, err := s.blacklist.IsBlacklisted(ctx, credential)
		if err != nil {
			return nil, nil, err
		}
		if revoked {
			return nil, nil, ErrCredentialRevoked
		}
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive || !user.Verified {
		return nil, nil, ErrUnauthenticated
	}
	if aud == AudienceAdmin && !user.IsAdmin && !user.IsSuperuser {
		return nil, nil, ErrUnauthenticated
	}
	return user, claims, nil
}

// PermissionsForRequest returns the permission codes the gate evaluates:
// the scope carried by the verified token when present, otherwise the
// cached or live set.
func (s *Service) PermissionsForRequest(ctx context.Context, user *User, claims *Claims) ([]string, error) {
	if claims != nil {
		if scope := claims.ScopeList(); len(scope) > 0 {
			return scope, nil
		}
	}
	return s.resolver.EffectivePermissions(ctx, user)
}

// NewIdentity builds the request identity snapshot for a verified user.
func NewIdentity(user *User, claims *Claims, aud Audience) Identity {
	var roles, scope []string
	if claims != nil {
		roles = claims.Roles
		scope = claims.ScopeList()
	}
	return Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Audience:    aud,
		IsActive:    user.IsActive,
		Verified:    user.Verified,
		IsAdmin:     user.IsAdmin,
		IsSuperuser: user.IsSuperuser,
		Roles:       roles,
		Scope:       scope,
	}
}
