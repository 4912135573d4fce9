// Package migrations exposes the embedded sync SQLite schema.
package migrations

import "embed"

// FS contains the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
