package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads accounts from PostgreSQL.
//
// The pgx pool is owned by the caller; the directory must NOT close it.
// Schema/table identifiers are quoted with pgx.Identifier.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema holding the users table (default "parley").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.PostgresDirectory.Lookup"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	users := pgx.Identifier{d.schema, "users"}.Sanitize()

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id::text, full_name, email FROM `+users+` WHERE id::text = $1`,
		userID,
	).Scan(&u.ID, &u.FullName, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, UserID: userID}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}
