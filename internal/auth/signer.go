package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAppName   = "confportal"
	defaultAccessTTL = time.Hour
)

// Claims is the access token payload. Roles and Scope are only present on
// admin audience tokens; app tokens carry the identity fields alone.
type Claims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	FamilyID    string   `json:"family_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// ScopeList splits the space-joined scope claim into permission codes.
func (c *Claims) ScopeList() []string {
	return strings.Fields(c.Scope)
}

// Signer mints and verifies HS256 access tokens.
type Signer struct {
	secret  []byte
	issuer  string
	appName string
	ttl     time.Duration
	skew    time.Duration
	now     func() time.Time
}

// SignerOption configures Signer behavior.
type SignerOption func(*Signer)

// WithSignerIssuer overrides the issuer claim.
func WithSignerIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithSignerAppName overrides the application name used to derive
// audience and subject claims.
func WithSignerAppName(name string) SignerOption {
	return func(s *Signer) {
		if name = strings.TrimSpace(name); name != "" {
			s.appName = name
		}
	}
}

// WithSignerTTL configures access token lifetime.
func WithSignerTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSignerSkew sets the clock skew tolerated when checking exp and iat.
func WithSignerSkew(skew time.Duration) SignerOption {
	return func(s *Signer) {
		if skew >= 0 {
			s.skew = skew
		}
	}
}

// WithSignerClock overrides time source (useful for tests).
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner constructs a Signer for the given HMAC secret.
func NewSigner(secret []byte, opts ...SignerOption) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signer secret is empty")
	}
	s := &Signer{
		secret:  secret,
		issuer:  defaultAppName,
		appName: defaultAppName,
		ttl:     defaultAccessTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Signer) AccessTTL() time.Duration {
	return s.ttl
}

// Issue mints an access token for the user on the given audience. Roles
// and permissions are embedded only for the admin audience; permissions
// are folded into the compact scope form first.
func (s *Signer) Issue(user *User, aud Audience, roles, permissions []string, familyID string) (string, time.Time, error) {
	if !aud.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown audience %q", aud)
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		FamilyID:    familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   aud.Subject(s.appName),
			Audience:  jwt.ClaimStrings{aud.Claim(s.appName)},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if aud == AudienceAdmin {
		claims.Roles = roles
		claims.Scope = strings.Join(FoldScope(permissions), " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature and claims of an access token for the given
// audience. Any failure comes back as ErrInvalidCredential; callers must
// not leak the specific reason to clients.
func (s *Signer) Verify(credential string, aud Audience) (*Claims, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(credential, claims, s.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := s.validateClaims(claims, aud); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return s.secret, nil
}

// validateClaims applies the claim checks by hand instead of relying on
// the library validator so the expiry boundary is explicit: a token is
// expired once now >= exp + skew, so with zero skew a token presented at
// exactly its exp instant is rejected.
func (s *Signer) validateClaims(claims *Claims, aud Audience) error {
	now := s.now()
	if claims.Issuer != s.issuer {
		return fmt.Errorf("%w: issuer mismatch", ErrInvalidCredential)
	}
	wantAud := aud.Claim(s.appName)
	okAud := false
	for _, a := range claims.Audience {
		if a == wantAud {
			okAud = true
			break
		}
	}
	if !okAud {
		return fmt.Errorf("%w: audience mismatch", ErrInvalidCredential)
	}
	if !strings.HasSuffix(claims.Subject, ":access:"+string(aud)) {
		return fmt.Errorf("%w: subject mismatch", ErrInvalidCredential)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidCredential)
	}
	if !now.Before(claims.ExpiresAt.Time.Add(s.skew)) {
		return fmt.Errorf("%w: expired", ErrInvalidCredential)
	}
	if claims.IssuedAt.Time.After(now.Add(s.skew)) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidCredential)
	}
	if claims.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidCredential)
	}
	return nil
}

// GetExpiry reads the exp claim without verifying signature or lifetime.
// Logout uses it to blacklist whatever token the client presented, even
// one that is damaged or already expired.
func (s *Signer) GetExpiry(credential string) (time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing expiry", ErrInvalidCredential)
	}
	return claims.ExpiresAt.Time, nil
}
