package db

import "embed"

// EmbedMigrations holds the archive schema migrations.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
