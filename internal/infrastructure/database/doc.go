// Package database provides SQLite connectivity for IoT Manager.
//
// It owns the connection lifecycle (WAL mode, busy timeout, single-writer
// pool) and the embedded schema migrations. The device and audit
// repositories build on the *DB it returns.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files live in the top-level migrations package and are named
// YYYYMMDD_HHMMSS_description.{up,down}.sql. Every up file must have a
// matching down file so `iotmanager migrate down` can roll it back.
//
// The path ":memory:" opens a private in-memory database, which the
// repository tests use.
package database
