package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"confportal.org/internal/ids"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour

	// refreshTokenBytes of entropy encode to a 128 character token.
	refreshTokenBytes = 96
)

// Revocation reasons recorded on refresh credential rows.
const (
	RevokeReasonLogout = "logout"
	RevokeReasonReuse  = "refresh token reused"
)

// RefreshService issues and rotates opaque refresh tokens. Tokens are
// random strings handed to the client once; only a salted, peppered
// SHA-512 digest is persisted.
type RefreshService struct {
	store  Store
	salt   string
	pepper string
	ttl    time.Duration
	now    func() time.Time
}

// RefreshOption configures RefreshService behavior.
type RefreshOption func(*RefreshService)

// WithRefreshTTL configures refresh credential lifetime for new families.
func WithRefreshTTL(ttl time.Duration) RefreshOption {
	return func(s *RefreshService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRefreshHashKeys sets the salt and pepper mixed into token digests.
func WithRefreshHashKeys(salt, pepper string) RefreshOption {
	return func(s *RefreshService) {
		s.salt = salt
		s.pepper = pepper
	}
}

// WithRefreshClock overrides time source (useful for tests).
func WithRefreshClock(fn func() time.Time) RefreshOption {
	return func(s *RefreshService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRefreshService constructs a RefreshService on the given store.
func NewRefreshService(store Store, opts ...RefreshOption) *RefreshService {
	s := &RefreshService{
		store: store,
		ttl:   defaultRefreshTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured refresh credential lifetime.
func (s *RefreshService) TTL() time.Duration {
	return s.ttl
}

func (s *RefreshService) generate() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *RefreshService) hash(token string) string {
	sum := sha512.Sum512([]byte(s.salt + token + s.pepper))
	return hex.EncodeToString(sum[:])
}

// Issue starts a new link in the given family for the user and returns
// the raw token alongside the persisted record. FamilyID must be set by
// the caller; login starts a fresh family per session.
func (s *RefreshService) Issue(ctx context.Context, userID, familyID string, info DeviceInfo) (string, *RefreshCredential, error) {
	if userID == "" || familyID == "" {
		return "", nil, fmt.Errorf("%w: user and family required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if info.DeviceID != "" {
		dev := &Device{
			ID:            info.DeviceID,
			UserID:        userID,
			LastIP:        info.IP,
			LastUserAgent: info.UserAgent,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}
		if err := s.store.RefreshCredentials(ctx).UpsertDevice(ctx, dev); err != nil {
			return "", nil, err
		}
	}
	token, err := s.generate()
	if err != nil {
		return "", nil, err
	}
	rec := &RefreshCredential{
		ID:        ids.New(),
		UserID:    userID,
		DeviceID:  info.DeviceID,
		FamilyID:  familyID,
		TokenHash: s.hash(token),
		IP:        info.IP,
		UserAgent: info.UserAgent,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.store.RefreshCredentials(ctx).Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return token, rec, nil
}

// Rotate exchanges a presented refresh token for its successor. The
// successor stays in the same family and keeps the parent's expiry, so a
// chain never outlives the login that started it. Reuse of an already
// rotated token revokes the whole family and fails with ErrRefreshReused.
func (s *RefreshService) Rotate(ctx context.Context, presented string, info DeviceInfo) (string, *RefreshCredential, error) {
	if presented == "" {
		return "", nil, ErrInvalidRefreshCredential
	}
	token, err := s.generate()
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC()
	next := RotationNext{
		ID:        ids.New(),
		TokenHash: s.hash(token),
		IP:        info.IP,
		UserAgent: info.UserAgent,
		Now:       now,
	}
	successor, err := s.store.RefreshCredentials(ctx).Rotate(ctx, s.hash(presented), next)
	if err != nil {
		return "", nil, err
	}
	if successor.DeviceID != "" {
		dev := &Device{
			ID:            successor.DeviceID,
			UserID:        successor.UserID,
			LastIP:        info.IP,
			LastUserAgent: info.UserAgent,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}
		if err := s.store.RefreshCredentials(ctx).UpsertDevice(ctx, dev); err != nil {
			return "", nil, err
		}
	}
	return token, successor, nil
}

// RevokeByToken revokes the credential matching the presented token, or
// its whole family when revokeFamily is set. Unknown tokens report false
// without error so logout stays idempotent.
func (s *RefreshService) RevokeByToken(ctx context.Context, presented string, revokeFamily bool) (bool, error) {
	if presented == "" {
		return false, nil
	}
	creds := s.store.RefreshCredentials(ctx)
	rec, err := creds.FindByHash(ctx, s.hash(presented))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	if revokeFamily && rec.FamilyID != "" {
		if err := creds.RevokeFamily(ctx, rec.FamilyID, RevokeReasonLogout, now); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := creds.Revoke(ctx, rec.ID, RevokeReasonLogout, now); err != nil {
		return false, err
	}
	return true, nil
}
