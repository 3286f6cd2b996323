package db

import "embed"

// MigrationFS holds the schema migrations applied by cmd/migrate and, on startup, by cmd/server.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
