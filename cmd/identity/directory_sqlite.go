package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLiteDirectory reads accounts from the embedded SQLite database.
// The *sql.DB is owned by the caller and must already be migrated.
type SQLiteDirectory struct {
	db *sql.DB
}

func NewSQLiteDirectory(db *sql.DB) (*SQLiteDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil sqlite db")
	}
	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.SQLiteDirectory.Lookup"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	var u User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, full_name, email FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.FullName, &u.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, NotFoundError{Op: op, UserID: userID}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Upsert writes an account row. It is used to seed development databases.
func (d *SQLiteDirectory) Upsert(ctx context.Context, u User) error {
	const op = "identity.SQLiteDirectory.Upsert"

	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return invalid(op, "user id is required")
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, full_name, email) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name, email = excluded.email`,
		u.ID, strings.TrimSpace(u.FullName), NormalizeEmail(u.Email),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
