package db

import "embed"

// MigrationFS holds the SQL migrations applied by `tracker migrate`.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
