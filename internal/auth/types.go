package auth

import "time"

// Audience distinguishes the two token circuits served by the portal.
// Admin tokens open the back-office surface, app tokens the attendee one.
type Audience string

const (
	AudienceAdmin Audience = "admin"
	AudienceApp   Audience = "app"
)

// Valid reports whether the audience is one of the known circuits.
func (a Audience) Valid() bool {
	return a == AudienceAdmin || a == AudienceApp
}

// Claim returns the audience claim value embedded in tokens,
// e.g. "confportal-admin" for appName "confportal".
func (a Audience) Claim(appName string) string {
	return appName + "-" + string(a)
}

// Subject returns the fixed subject claim for access tokens of this
// audience, e.g. "confportal:access:admin".
func (a Audience) Subject(appName string) string {
	return appName + ":access:" + string(a)
}

// User is an account row. Password hashes never leave this package.
type User struct {
	ID           string
	Email        string
	PhoneNumber  string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	Verified     bool
	IsAdmin      bool
	IsSuperuser  bool
	IsDeleted    bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role groups permissions for assignment to users.
type Role struct {
	ID        string
	Code      string
	Name      string
	IsActive  bool
	IsVisible bool
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resource is a protected object class permissions refer to, identified
// by a two-segment code such as "system:user".
type Resource struct {
	ID        string
	Code      string
	Name      string
	IsActive  bool
	IsVisible bool
	IsDeleted bool
}

// Verb is an action permissions refer to ("read", "create", ...).
type Verb struct {
	ID        string
	Action    string
	Name      string
	IsActive  bool
	IsDeleted bool
}

// Permission pairs a resource with a verb. Code is always
// "<resource code>:<verb action>", e.g. "system:user:read".
type Permission struct {
	ID         string
	ResourceID string
	VerbID     string
	Code       string
	Name       string
	IsActive   bool
	IsDeleted  bool
}

// PermissionGrant attaches a permission to a role, optionally until
// ExpireDate. A nil ExpireDate never expires.
type PermissionGrant struct {
	PermissionCode string
	ExpireDate     *time.Time
}

// Device is a client installation a refresh credential is bound to.
type Device struct {
	ID            string
	UserID        string
	LastIP        string
	LastUserAgent string
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// DeviceInfo carries per-request client metadata recorded on refresh rows.
type DeviceInfo struct {
	DeviceID  string
	IP        string
	UserAgent string
}

// RefreshCredential is one link in a rotation chain. FamilyID ties the
// whole chain together; ParentID points at the predecessor and
// ReplacedByID at the successor once the link has been rotated.
type RefreshCredential struct {
	ID            string
	UserID        string
	DeviceID      string
	FamilyID      string
	ParentID      string
	ReplacedByID  string
	TokenHash     string
	IP            string
	UserAgent     string
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	RevokedAt     *time.Time
	RevokedReason string
	CreatedAt     time.Time
}

// Revoked reports whether the credential has been revoked.
func (r *RefreshCredential) Revoked() bool {
	return r.RevokedAt != nil
}

// ExpiredAt reports whether the credential is expired at the given instant.
func (r *RefreshCredential) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Identity is the authenticated caller snapshot attached to request
// context by the authorization gate. It is written once and treated as
// read-only afterwards.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Audience    Audience
	IsActive    bool
	Verified    bool
	IsAdmin     bool
	IsSuperuser bool
	Roles       []string
	// Scope lists permission codes carried by the verified access token
	// (admin audience only). May include folded "<resource>:*" entries.
	Scope []string
}
