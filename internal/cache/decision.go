// Package cache provides a Redis-backed decision cache for the access
// resolver. Cache failures degrade to misses so Redis outages never turn into
// denials.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authzcore.org/internal/obs"
)

// DefaultTTL bounds how stale a cached decision may be. Role and license
// mutations invalidate eagerly, so the TTL only covers out-of-band changes
// such as assignments expiring.
const DefaultTTL = 30 * time.Second

// Decisions implements authz.DecisionCache on Redis.
type Decisions struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects the cache to an existing Redis client.
func New(rdb *redis.Client, ttl time.Duration) *Decisions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Decisions{rdb: rdb, ttl: ttl}
}

func permKey(userID, resource, action string) string {
	return fmt.Sprintf("authz:perm:%s:%s:%s", userID, resource, action)
}

func moduleKey(userID, organizationID, moduleID string) string {
	return fmt.Sprintf("authz:mod:%s:%s:%s", userID, organizationID, moduleID)
}

func (d *Decisions) GetPermission(ctx context.Context, userID, resource, action string) (bool, bool) {
	return d.get(ctx, permKey(userID, resource, action))
}

func (d *Decisions) SetPermission(ctx context.Context, userID, resource, action string, allowed bool) {
	d.set(ctx, permKey(userID, resource, action), allowed)
}

func (d *Decisions) GetModuleAccess(ctx context.Context, userID, organizationID, moduleID string) (bool, bool) {
	return d.get(ctx, moduleKey(userID, organizationID, moduleID))
}

func (d *Decisions) SetModuleAccess(ctx context.Context, userID, organizationID, moduleID string, allowed bool) {
	d.set(ctx, moduleKey(userID, organizationID, moduleID), allowed)
}

// InvalidateUser drops every cached decision for the user, both permission and
// module access entries.
func (d *Decisions) InvalidateUser(ctx context.Context, userID string) error {
	if err := d.dropPattern(ctx, fmt.Sprintf("authz:perm:%s:*", userID)); err != nil {
		return err
	}
	return d.dropPattern(ctx, fmt.Sprintf("authz:mod:%s:*", userID))
}

// InvalidateOrganization drops cached module access for every user in the
// organization. Permission entries are untouched: licensing never affects them.
func (d *Decisions) InvalidateOrganization(ctx context.Context, organizationID string) error {
	return d.dropPattern(ctx, fmt.Sprintf("authz:mod:*:%s:*", organizationID))
}

func (d *Decisions) get(ctx context.Context, key string) (bool, bool) {
	v, err := d.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		obs.Logger().Warnw("decision cache read failed", "key", key, "error", err)
		return false, false
	}
	return v == "1", true
}

func (d *Decisions) set(ctx context.Context, key string, allowed bool) {
	v := "0"
	if allowed {
		v = "1"
	}
	if err := d.rdb.Set(ctx, key, v, d.ttl).Err(); err != nil {
		obs.Logger().Warnw("decision cache write failed", "key", key, "error", err)
	}
}

func (d *Decisions) dropPattern(ctx context.Context, pattern string) error {
	iter := d.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := d.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %d keys: %w", len(keys), err)
	}
	return nil
}
