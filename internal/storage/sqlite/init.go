package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the updates and
// preferences tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// writers are serialised by the controller; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS updates (
		id INTEGER PRIMARY KEY,
		status INTEGER NOT NULL DEFAULT 0,
		path TEXT,
		download_id TEXT NOT NULL UNIQUE,
		timestamp INTEGER,
		type TEXT,
		version TEXT,
		size INTEGER
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create updates table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}

	return db, nil
}
