package location

import "embed"

// Migrations holds the SQL files for the record_location table, applied by
// db.Migrator.
//
//go:embed migrations/*.sql
var Migrations embed.FS
