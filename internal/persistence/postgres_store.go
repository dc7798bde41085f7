package persistence

import (
	"database/sql"
)

// PostgresStore is a HistoryStore and EntityStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// Appends and conditional deletes lock the instance row with
// SELECT ... FOR UPDATE, so concurrent writers to one instance serialize.
type PostgresStore struct {
	*sqlStore
}

// Ensure PostgresStore implements the interfaces.
var _ HistoryStore = (*PostgresStore)(nil)

var _ EntityStore = (*PostgresStore)(nil)

var postgresDialect = sqlDialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: " FOR UPDATE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			orchestration TEXT NOT NULL,
			status TEXT NOT NULL,
			custom_status TEXT NOT NULL DEFAULT '',
			input BYTEA,
			output TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_completed ON instances(status, completed_at);`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			task_id INTEGER NOT NULL DEFAULT -1,
			name TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			detail TEXT NOT NULL DEFAULT '',
			fire_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			total TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			last_request_id TEXT NOT NULL DEFAULT '',
			last_result TEXT NOT NULL DEFAULT '0',
			updated_at BIGINT NOT NULL
		);`,
	},
}

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s, err := newSQLStore(db, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}
