package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type sqlQueueDialect struct {
	name   string
	schema string
	insert string
	claim  string
	remove string
}

// sqlQueue is a persistent Queue on database/sql. Tasks are stored as
// gob-encoded rows ordered by (not_before, seq); a claim selects and
// deletes the first due row inside one transaction.
type sqlQueue struct {
	db           *sql.DB
	dialect      sqlQueueDialect
	pollInterval time.Duration
}

func newSQLQueue(db *sql.DB, d sqlQueueDialect) (*sqlQueue, error) {
	q := &sqlQueue{
		db:           db,
		dialect:      d,
		pollInterval: 20 * time.Millisecond,
	}
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("%s queue: init schema: %w", d.name, err)
	}
	return q, nil
}

func (q *sqlQueue) Enqueue(ctx context.Context, t Task) error {
	due := stamp(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.insert, t.ID, data, due.UnixNano())
	return err
}

// claim removes and returns the first due task, or nil if none is due.
func (q *sqlQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, q.dialect.claim, time.Now().UnixNano()).Scan(&seq, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, q.dialect.remove, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(data)
}

func (q *sqlQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// Nothing available: sleep a bit and retry.
		if err := sleepCtx(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *sqlQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("queue_len_failed", "backend", q.dialect.name, "error", err)
		return 0
	}
	return n
}

// SQLiteQueue is a persistent task queue backed by SQLite.
//
// Share the *sql.DB with the SQLite history store and call
// db.SetMaxOpenConns(1); SQLite allows a single writer.
type SQLiteQueue struct {
	*sqlQueue
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

var sqliteQueueDialect = sqlQueueDialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			not_before INTEGER NOT NULL
		);`,
	insert: `INSERT INTO queue_tasks (id, payload, not_before) VALUES (?, ?, ?)`,
	claim: `
		SELECT seq, payload FROM queue_tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`,
	remove: `DELETE FROM queue_tasks WHERE seq = ?`,
}

// NewSQLiteQueue initializes the queue table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q, err := newSQLQueue(db, sqliteQueueDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteQueue{sqlQueue: q}, nil
}

// PostgresQueue implements Queue using a PostgreSQL table. Concurrent
// workers claim rows with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	*sqlQueue
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

var postgresQueueDialect = sqlQueueDialect{
	name: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL DEFAULT '',
			payload BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		);`,
	insert: `INSERT INTO queue_tasks (id, payload, not_before) VALUES ($1, $2, $3)`,
	claim: `
		SELECT seq, payload FROM queue_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	remove: `DELETE FROM queue_tasks WHERE seq = $1`,
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q, err := newSQLQueue(db, postgresQueueDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresQueue{sqlQueue: q}, nil
}
