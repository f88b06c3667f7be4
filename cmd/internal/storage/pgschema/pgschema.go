// Package pgschema installs the chat tables into a PostgreSQL schema.
//
// The DDL is idempotent; Apply is safe to run on every start.
package pgschema

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a legal unquoted PostgreSQL identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// SQL renders the DDL for schema.
func SQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !ValidIdent(schema) {
		return "", fmt.Errorf("pgschema: invalid schema identifier %q", schema)
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Apply creates schema (if missing) and its tables.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return fmt.Errorf("pgschema: nil pool")
	}
	ddl, err := SQL(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("pgschema: create schema: %w", err)
	}
	// No arguments: pgx uses the simple protocol, which accepts multiple statements.
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgschema: apply: %w", err)
	}
	return nil
}
