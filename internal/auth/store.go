package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	RBAC(ctx context.Context) RBACStore
	RefreshCredentials(ctx context.Context) RefreshCredentialStore
}

// UserStore manages accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	List(ctx context.Context) ([]*User, error)
}

// RBACStore manages the role and permission catalog plus assignments.
// The resolution queries exclude soft-deleted and inactive rows at every
// level: user, role, permission, verb and resource all have to be live
// for a code to come back.
type RBACStore interface {
	CreateRole(ctx context.Context, role *Role) error
	FindRole(ctx context.Context, id string) (*Role, error)
	FindRoleByCode(ctx context.Context, code string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error

	ListResources(ctx context.Context) ([]*Resource, error)
	ListVerbs(ctx context.Context) ([]*Verb, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)

	// SetRolePermissions replaces the full grant set of a role in one
	// transaction. Unknown permission codes fail the whole call.
	SetRolePermissions(ctx context.Context, roleID string, grants []PermissionGrant) error
	RolePermissions(ctx context.Context, roleID string) ([]*Permission, error)

	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)

	// UserRoleCodes lists live role codes held by the user.
	UserRoleCodes(ctx context.Context, userID string) ([]string, error)
	// UserPermissionCodes lists distinct live permission codes reachable
	// through the user's roles, skipping grants expired at the given
	// instant.
	UserPermissionCodes(ctx context.Context, userID string, now time.Time) ([]string, error)
	// AllPermissionCodes lists every live permission code. Superuser
	// resolution uses it instead of the per-user join.
	AllPermissionCodes(ctx context.Context) ([]string, error)
}

// RotationNext carries the successor row fields the caller prepares
// before a rotation. The store fills in everything inherited from the
// credential being rotated.
type RotationNext struct {
	ID        string
	TokenHash string
	IP        string
	UserAgent string
	Now       time.Time
}

// RefreshCredentialStore manages refresh credential chains.
type RefreshCredentialStore interface {
	Create(ctx context.Context, rec *RefreshCredential) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshCredential, error)

	// Rotate atomically supersedes the credential identified by
	// presentedHash with a successor built from next. The successor
	// inherits user, device, family and expiry from its parent. Unknown,
	// revoked or expired credentials fail with
	// ErrInvalidRefreshCredential. A credential that already has a
	// successor fails with ErrRefreshReused after the whole family has
	// been revoked; two concurrent rotations of the same credential
	// therefore produce exactly one successor.
	Rotate(ctx context.Context, presentedHash string, next RotationNext) (*RefreshCredential, error)

	// Revoke marks one credential revoked. Already revoked rows keep
	// their original reason and timestamp.
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	// RevokeFamily marks every live credential in the family revoked.
	RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) error

	// UpsertDevice records or refreshes the device row referenced by
	// issued credentials.
	UpsertDevice(ctx context.Context, dev *Device) error
}
