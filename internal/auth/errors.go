package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: conflict")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")

	// ErrInvalidCredential covers access tokens that fail verification
	// for any reason: bad signature, wrong audience, expired, revoked.
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrInvalidRefreshCredential covers refresh tokens that are unknown,
	// revoked or expired.
	ErrInvalidRefreshCredential = errors.New("auth: invalid refresh credential")
)

// ErrRefreshReused marks a refresh token presented after it had already
// been rotated. It unwraps to ErrInvalidRefreshCredential so callers that
// do not care about the distinction handle both the same way.
var ErrRefreshReused = fmt.Errorf("%w: reuse detected", ErrInvalidRefreshCredential)

// ErrCredentialRevoked marks a well-formed access token found on the
// blacklist. It unwraps to ErrInvalidCredential; the distinction only
// matters for metrics.
var ErrCredentialRevoked = fmt.Errorf("%w: revoked", ErrInvalidCredential)
