package migrations

import "embed"

// FS contains embedded SQLite migrations for the chat schema.
//
//go:embed *.sql
var FS embed.FS
