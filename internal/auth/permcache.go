package auth

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// PermissionCache mirrors resolved permission codes per user in a Redis
// hash so the gate can skip the role join on most requests.
type PermissionCache struct {
	rdb     *redis.Client
	appName string
}

// NewPermissionCache constructs a PermissionCache on the given client.
func NewPermissionCache(rdb *redis.Client, appName string) *PermissionCache {
	if appName == "" {
		appName = defaultAppName
	}
	return &PermissionCache{rdb: rdb, appName: appName}
}

func (c *PermissionCache) key(userID string) string {
	return fmt.Sprintf("%s:perm:%s", c.appName, userID)
}

// Init replaces the cached set for the user. An empty code list only
// clears the key: an absent key reads as a miss and a miss falls back to
// live resolution, which keeps "not cached" distinguishable from "no
// permissions".
func (c *PermissionCache) Init(ctx context.Context, userID string, codes []string, ttl time.Duration) error {
	key := c.key(userID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("auth: permission cache reset: %w", err)
	}
	if len(codes) == 0 {
		return nil
	}
	fields := make(map[string]string, len(codes))
	for _, code := range codes {
		fields[code] = "1"
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("auth: permission cache init: %w", err)
	}
	return nil
}

// Get returns the cached codes and whether the user has a cache entry.
func (c *PermissionCache) Get(ctx context.Context, userID string) ([]string, bool, error) {
	codes, err := c.rdb.HKeys(ctx, c.key(userID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("auth: permission cache read: %w", err)
	}
	if len(codes) == 0 {
		return nil, false, nil
	}
	sort.Strings(codes)
	return codes, true, nil
}

// Clear drops the cached set. Every role or permission mutation calls
// this for each affected user so stale grants never outlive a change.
func (c *PermissionCache) Clear(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("auth: permission cache clear: %w", err)
	}
	return nil
}
