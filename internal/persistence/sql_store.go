package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/pkg/api"
)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	name      string
	schema    []string
	numbered  bool   // $1, $2 ... instead of ?
	forUpdate string // row lock suffix for SELECT inside a transaction
}

// sqlStore implements HistoryStore and EntityStore on database/sql. The
// SQLite and Postgres stores are thin constructors around it.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d sqlDialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites ? placeholders for dialects with numbered parameters.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *sqlStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	now := s.now()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}

	var exists int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM instances WHERE id = ?`), inst.ID).Scan(&exists)
	if err == nil {
		return ErrInstanceExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (id, orchestration, status, custom_status, input, output, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID,
		inst.Orchestration,
		string(inst.Status),
		inst.CustomStatus,
		inst.Input,
		inst.Output,
		nanos(created),
		nanos(now),
		nanos(inst.CompletedAt),
	)
	return err
}

func (s *sqlStore) Append(ctx context.Context, instanceID string, ev *api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM instances WHERE id = ?`+s.dialect.forUpdate), instanceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInstanceNotFound
		}
		return err
	}
	if api.Status(status).IsTerminal() {
		return ErrInstanceTerminal
	}

	var last int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = ?`), instanceID).Scan(&last); err != nil {
		return err
	}

	ev.InstanceID = instanceID
	ev.Seq = last + 1
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO history_events (instance_id, seq, at, type, task_id, name, target, payload, detail, fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		instanceID,
		ev.Seq,
		nanos(ev.At),
		string(ev.Type),
		ev.TaskID,
		ev.Name,
		ev.Target,
		ev.Payload,
		ev.Detail,
		nanos(ev.FireAt),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE instances SET updated_at = ? WHERE id = ?`), nanos(s.now()), instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT seq, at, type, task_id, name, target, payload, detail, fire_at
		FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev     api.Event
			at     int64
			typ    string
			fireAt int64
		)
		if err := rows.Scan(&ev.Seq, &at, &typ, &ev.TaskID, &ev.Name, &ev.Target, &ev.Payload, &ev.Detail, &fireAt); err != nil {
			return nil, err
		}
		ev.InstanceID = instanceID
		ev.At = fromNanos(at)
		ev.Type = api.EventType(typ)
		ev.FireAt = fromNanos(fireAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const instanceColumns = `id, orchestration, status, custom_status, input, output, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.Instance, error) {
	var (
		inst                            api.Instance
		status                          string
		created, updated, completedNano int64
	)
	if err := row.Scan(&inst.ID, &inst.Orchestration, &status, &inst.CustomStatus, &inst.Input, &inst.Output, &created, &updated, &completedNano); err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.CreatedAt = fromNanos(created)
	inst.UpdatedAt = fromNanos(updated)
	inst.CompletedAt = fromNanos(completedNano)
	return &inst, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *sqlStore) GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (s *sqlStore) SetStatus(ctx context.Context, instanceID string, status api.Status) error {
	var completed int64
	if status.IsTerminal() {
		completed = nanos(s.now())
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`),
		string(status),
		completed,
		nanos(s.now()),
		instanceID,
		string(api.StatusCompleted),
		string(api.StatusFailed),
		string(api.StatusTerminated),
		string(api.StatusCanceled),
	)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, instanceID)
}

// checkUpdated turns "no rows affected" into ErrInstanceNotFound or
// ErrInstanceTerminal.
func (s *sqlStore) checkUpdated(ctx context.Context, res sql.Result, instanceID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return err
	}
	return ErrInstanceTerminal
}

func (s *sqlStore) SetCustomStatus(ctx context.Context, instanceID string, customStatus string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE instances SET custom_status = ?, updated_at = ? WHERE id = ?`),
		customStatus, nanos(s.now()), instanceID)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, instanceID)
}

func (s *sqlStore) SetOutput(ctx context.Context, instanceID string, output string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE instances SET output = ?, updated_at = ? WHERE id = ?`),
		output, nanos(s.now()), instanceID)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, instanceID)
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.Orchestration != "" {
		clauses = append(clauses, "orchestration = ?")
		args = append(args, filter.Orchestration)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, instanceID string, allowed ...api.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM instances WHERE id = ?`+s.dialect.forUpdate), instanceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInstanceNotFound
		}
		return err
	}
	if !statusAllowed(api.Status(status), allowed) {
		return ErrStatusNotAllowed
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM history_events WHERE instance_id = ?`), instanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM instances WHERE id = ?`), instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses ...api.Status) ([]string, error) {
	if len(statuses) == 0 {
		statuses = api.TerminalStatuses
	}
	marks := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		if !st.IsTerminal() {
			continue
		}
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	if len(marks) == 0 {
		return nil, nil
	}
	args = append(args, nanos(cutoff))

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id FROM instances
		WHERE status IN (`+strings.Join(marks, ", ")+`) AND completed_at < ?
		ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) LoadEntity(ctx context.Context, id string) (*api.EntityState, error) {
	var (
		st                api.EntityState
		total, lastResult string
		completed         bool
		updated           int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, total, completed, last_request_id, last_result, updated_at
		FROM entities WHERE id = ?`), id).
		Scan(&st.ID, &total, &completed, &st.LastRequestID, &lastResult, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}

	if st.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("entity %s: total %q: %w", id, total, err)
	}
	if st.LastResult, err = decimal.NewFromString(lastResult); err != nil {
		return nil, fmt.Errorf("entity %s: last result %q: %w", id, lastResult, err)
	}
	st.Completed = completed
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

func (s *sqlStore) SaveEntity(ctx context.Context, st *api.EntityState) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO entities (id, total, completed, last_request_id, last_result, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total = excluded.total,
			completed = excluded.completed,
			last_request_id = excluded.last_request_id,
			last_result = excluded.last_result,
			updated_at = excluded.updated_at`),
		st.ID,
		st.Total.String(),
		st.Completed,
		st.LastRequestID,
		st.LastResult.String(),
		nanos(updated),
	)
	return err
}

func (s *sqlStore) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM entities WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntityNotFound
	}
	return nil
}
