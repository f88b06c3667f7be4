package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/conversation"
	"parley/cmd/internal/storage/sqlitedb"
)

// readinessCheck is one dependency probed by /readyz.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

// backend owns the persistence resources selected by PARLEY_STORE.
type backend struct {
	store   conversation.Store
	dir     identity.Directory
	durable bool

	checks  []readinessCheck
	closers []func() error
}

func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	devUsers, err := ParseDevUsers(cfg.DevUsers)
	if err != nil {
		return nil, err
	}

	b := &backend{}
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.checks = append(b.checks, readinessCheck{name: "postgres", check: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})

		store, err := conversation.NewPostgresStore(pool, conversation.WithSchema(cfg.DBSchema))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		dir, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store, b.dir, b.durable = store, dir, true
		log.Info("store.enabled", "kind", "postgres", "schema", cfg.DBSchema)

	case StoreSQLite:
		db, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.checks = append(b.checks, readinessCheck{name: "sqlite", check: db.PingContext})

		store, err := conversation.NewSQLiteStore(db)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		dir, err := identity.NewSQLiteDirectory(db)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		if err := seedSQLiteUsers(ctx, dir, devUsers); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store, b.dir, b.durable = store, dir, true
		log.Info("store.enabled", "kind", "sqlite", "path", cfg.SQLitePath)

	default:
		b.store = conversation.NewMemoryStore()
		b.dir = identity.NewMemoryDirectory(devUsers...)
		log.Info("store.enabled", "kind", "memory", "dev_users", len(devUsers))
	}
	b.closers = append(b.closers, b.store.Close)

	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, rdb.Close)
		b.checks = append(b.checks, readinessCheck{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})

		cached, err := identity.NewCachedDirectory(b.dir, rdb,
			identity.WithCacheTTL(cfg.DirectoryCacheTTL),
			identity.WithCacheLogger(log),
		)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.dir = cached
		log.Info("directory.cache.enabled", "ttl", cfg.DirectoryCacheTTL)
	}
	return b, nil
}

func seedSQLiteUsers(ctx context.Context, dir *identity.SQLiteDirectory, users []identity.User) error {
	for _, u := range users {
		if err := dir.Upsert(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return nil
}

// ready runs every readiness check and returns the first failure.
func (b *backend) ready(ctx context.Context) (string, error) {
	for _, c := range b.checks {
		if err := c.check(ctx); err != nil {
			return c.name, err
		}
	}
	return "", nil
}

// Close releases resources in reverse acquisition order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
