package persistence

import (
	"database/sql"
)

// SQLiteStore is a HistoryStore and EntityStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer; callers sharing one database between the
// store and the SQLite queue should call db.SetMaxOpenConns(1).
type SQLiteStore struct {
	*sqlStore
}

// Ensure SQLiteStore implements the interfaces.
var _ HistoryStore = (*SQLiteStore)(nil)

var _ EntityStore = (*SQLiteStore)(nil)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			orchestration TEXT NOT NULL,
			status TEXT NOT NULL,
			custom_status TEXT NOT NULL DEFAULT '',
			input BLOB,
			output TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_completed ON instances(status, completed_at);`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			task_id INTEGER NOT NULL DEFAULT -1,
			name TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			payload BLOB,
			detail TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			total TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			last_request_id TEXT NOT NULL DEFAULT '',
			last_result TEXT NOT NULL DEFAULT '0',
			updated_at INTEGER NOT NULL
		);`,
	},
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s, err := newSQLStore(db, sqliteDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
