package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist stores revoked access tokens in Redis until their natural
// expiry. Keys carry a token digest, never the raw token.
type Blacklist struct {
	rdb     *redis.Client
	appName string
	now     func() time.Time
}

// BlacklistOption configures Blacklist behavior.
type BlacklistOption func(*Blacklist)

// WithBlacklistAppName overrides the key namespace prefix.
func WithBlacklistAppName(name string) BlacklistOption {
	return func(b *Blacklist) {
		if name != "" {
			b.appName = name
		}
	}
}

// WithBlacklistClock overrides time source (useful for tests).
func WithBlacklistClock(fn func() time.Time) BlacklistOption {
	return func(b *Blacklist) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBlacklist constructs a Blacklist on the given Redis client.
func NewBlacklist(rdb *redis.Client, opts ...BlacklistOption) *Blacklist {
	b := &Blacklist{
		rdb:     rdb,
		appName: defaultAppName,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blacklist) key(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return fmt.Sprintf("%s:token_blacklist:%s", b.appName, hex.EncodeToString(sum[:]))
}

// Add puts the credential on the blacklist until expiresAt. Credentials
// already past expiry are skipped since verification rejects them anyway.
// Re-adding an existing entry refreshes it and is not an error.
func (b *Blacklist) Add(ctx context.Context, credential string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	if err := b.rdb.SetEx(ctx, b.key(credential), "1", ttl).Err(); err != nil {
		return fmt.Errorf("auth: blacklist add: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether the credential has been revoked. Lookup
// failures surface to the caller; the gate turns them into server errors
// instead of letting a possibly revoked token through.
func (b *Blacklist) IsBlacklisted(ctx context.Context, credential string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.key(credential)).Result()
	if err != nil {
		return false, fmt.Errorf("auth: blacklist check: %w", err)
	}
	return n > 0, nil
}
