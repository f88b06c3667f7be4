package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 5 * time.Minute

// CachedDirectory is a Redis read-through cache in front of another Directory.
//
// Cache failures degrade to the underlying directory; they never fail a lookup.
// Concurrent misses for the same id are collapsed into one upstream call.
type CachedDirectory struct {
	next   Directory
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger

	group singleflight.Group
}

// CacheOption configures a CachedDirectory.
type CacheOption func(*CachedDirectory)

// WithCacheTTL sets the entry lifetime. Non-positive values keep the default.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedDirectory) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCachePrefix sets the Redis key prefix (default "parley:user:").
func WithCachePrefix(prefix string) CacheOption {
	return func(c *CachedDirectory) {
		if p := strings.TrimSpace(prefix); p != "" {
			c.prefix = p
		}
	}
}

// WithCacheLogger sets the logger used for degraded cache operations.
func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *CachedDirectory) {
		if log != nil {
			c.log = log
		}
	}
}

func NewCachedDirectory(next Directory, rdb *redis.Client, opts ...CacheOption) (*CachedDirectory, error) {
	if next == nil {
		return nil, fmt.Errorf("identity: nil directory")
	}
	if rdb == nil {
		return nil, fmt.Errorf("identity: nil redis client")
	}
	c := &CachedDirectory{
		next:   next,
		rdb:    rdb,
		ttl:    defaultCacheTTL,
		prefix: "parley:user:",
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *CachedDirectory) key(userID string) string { return c.prefix + userID }

func (c *CachedDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.CachedDirectory.Lookup"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	switch {
	case err == nil:
		var u User
		if jerr := json.Unmarshal(raw, &u); jerr == nil && u.ID == userID {
			return u, nil
		}
		c.log.Warn("identity.cache.decode.fail", "user_id", userID)
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("identity.cache.get.fail", "user_id", userID, "err", err)
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		u, err := c.next.Lookup(ctx, userID)
		if err != nil {
			return User{}, err
		}
		if b, merr := json.Marshal(u); merr == nil {
			if serr := c.rdb.Set(ctx, c.key(userID), b, c.ttl).Err(); serr != nil {
				c.log.Warn("identity.cache.set.fail", "user_id", userID, "err", serr)
			}
		}
		return u, nil
	})
	if err != nil {
		return User{}, err
	}
	return v.(User), nil
}

// Invalidate drops the cached entry for userID.
func (c *CachedDirectory) Invalidate(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, c.key(strings.TrimSpace(userID))).Err()
}
