package migrations

import "embed"

// FS contains the embedded SQLite migrations of the offline backend.
//
//go:embed *.sql
var FS embed.FS
