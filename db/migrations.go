// Package db embeds the Postgres schema migrations.
package db

import "embed"

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "pg"

//go:embed pg/*.sql
var Migrations embed.FS
