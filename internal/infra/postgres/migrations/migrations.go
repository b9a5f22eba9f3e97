package migrations

import "github.com/uptrace/bun/migrate"

// Migrations holds the schema for the quiz catalog and the session journal.
var Migrations = migrate.NewMigrations()
