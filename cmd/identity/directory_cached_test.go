package identity

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type countingDirectory struct {
	inner Directory
	calls atomic.Int64
}

func (c *countingDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	c.calls.Add(1)
	return c.inner.Lookup(ctx, userID)
}

func TestCachedDirectory_RedisDown_FallsBackToSource(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1; every cache call fails fast.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	src := &countingDirectory{inner: NewMemoryDirectory(User{ID: "u1", FullName: "Ada"})}
	c, err := NewCachedDirectory(src, rdb, WithCacheLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new cached directory: %v", err)
	}

	got, err := c.Lookup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.FullName != "Ada" {
		t.Fatalf("full name: got=%q want=%q", got.FullName, "Ada")
	}

	if _, err := c.Lookup(context.Background(), "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewCachedDirectory_RequiresDeps(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = rdb.Close() })

	if _, err := NewCachedDirectory(nil, rdb); err == nil {
		t.Fatal("expected error for nil directory")
	}
	if _, err := NewCachedDirectory(NewMemoryDirectory(), nil); err == nil {
		t.Fatal("expected error for nil redis client")
	}
}

// Integration test is opt-in and requires PARLEY_TEST_REDIS_URL.
func TestCachedDirectory_Redis_ServesSecondLookupFromCache(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("PARLEY_TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_TEST_REDIS_URL is not set")
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_TEST_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("integration test skipped: redis unreachable: %v", err)
	}

	prefix := "parley:it:" + strings.ToLower(time.Now().UTC().Format("150405.000000000")) + ":"
	src := &countingDirectory{inner: NewMemoryDirectory(User{ID: "u1", FullName: "Ada", Email: "ada@example.com"})}
	c, err := NewCachedDirectory(src, rdb, WithCachePrefix(prefix), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("new cached directory: %v", err)
	}
	t.Cleanup(func() { _ = c.Invalidate(context.Background(), "u1") })

	for i := 0; i < 3; i++ {
		got, err := c.Lookup(ctx, "u1")
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if got.Email != "ada@example.com" {
			t.Fatalf("email: got=%q", got.Email)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls: got=%d want=1", n)
	}

	if err := c.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.Lookup(ctx, "u1"); err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls after invalidate: got=%d want=2", n)
	}
}
