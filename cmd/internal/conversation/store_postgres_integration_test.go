package conversation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/identity/ids"
	"parley/cmd/internal/storage/pgschema"
)

// Integration tests are opt-in and require PARLEY_TEST_DATABASE_URL.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)

	runStoreSuite(t, func(t *testing.T) Store {
		t.Helper()

		schema := mustCreateTestSchema(t, pool)
		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		return st
	})
}

func TestPostgresStore_WithSchemaRejectsInvalid(t *testing.T) {
	t.Parallel()

	st := &PostgresStore{}
	for _, in := range []string{"", "bad-schema", "1x"} {
		if err := WithSchema(in)(st); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("integration test skipped: postgres unreachable: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "parley_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pgschema.Apply(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return schema
}
