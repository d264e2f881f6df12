// Package state persists the incremental sync cursors and run history that
// make syncs resumable. Cursors live in SQLite so a process restart never
// loses the high-water mark; an in-memory cache serves reads between
// commits.
package state

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/strataflow/strataflow/pkg/errors"
)

// Open opens (or creates) the state database at path. The same handle is
// shared by the state store, the run store, and the warehouse writer.
// Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		// WAL is meaningless in memory; shared cache keeps one database
		// across the pooled connections.
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open state database")
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent runs.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "state database unreachable")
	}
	return db, nil
}
