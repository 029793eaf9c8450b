package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// cmd/migrate and cmd/server pass it to the migrate runner explicitly.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
