// Package database provides SQLite connectivity for the automation store.
//
// This package manages:
//   - Opening the database with WAL mode, foreign keys and a busy timeout
//   - Versioned schema migrations read from any fs.FS
//   - Health checks and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. Each migration is applied in its own transaction and
// recorded in schema_migrations.
package database
