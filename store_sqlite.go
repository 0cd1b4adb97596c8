package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davidroman0O/comfylite3"
	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	id TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	status TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	creation_key TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sagas_creation_key ON sagas(creation_key) WHERE creation_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status);

CREATE TABLE IF NOT EXISTS saga_steps (
	saga_id TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	forward_op TEXT NOT NULL,
	compensation_op TEXT,
	state TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	epoch INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	completion_seq INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	result TEXT,
	started_at TEXT,
	completed_at TEXT,
	PRIMARY KEY (saga_id, step_index)
);

CREATE TABLE IF NOT EXISTS saga_recovery (
	id TEXT PRIMARY KEY,
	saga_id TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
	recovery_type TEXT NOT NULL,
	attempted_at TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_saga_recovery_saga_id ON saga_recovery(saga_id);
`

// SQLiteStore is the durable single-node backend, running SQLite behind
// comfylite3 so concurrent drivers do not trip over SQLITE_BUSY.
type SQLiteStore struct {
	comfy *comfylite3.ComfyDB
	db    *sql.DB
}

type sqliteConfig struct {
	path   string
	memory bool
}

type SQLiteOption func(*sqliteConfig)

// WithSQLitePath stores the database at the given file path.
func WithSQLitePath(path string) SQLiteOption {
	return func(c *sqliteConfig) {
		c.path = path
		c.memory = false
	}
}

// WithSQLiteMemory keeps the database in memory (tests, demos).
func WithSQLiteMemory() SQLiteOption {
	return func(c *sqliteConfig) {
		c.memory = true
	}
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(ctx context.Context, opts ...SQLiteOption) (*SQLiteStore, error) {
	config := &sqliteConfig{memory: true}
	for _, o := range opts {
		o(config)
	}

	var comfyOptions []comfylite3.ComfyOption
	if config.memory {
		comfyOptions = append(comfyOptions, comfylite3.WithMemory())
	} else {
		if err := os.MkdirAll(filepath.Dir(config.path), 0755); err != nil {
			return nil, err
		}
		comfyOptions = append(comfyOptions, comfylite3.WithPath(config.path))
	}

	comfy, err := comfylite3.New(comfyOptions...)
	if err != nil {
		return nil, err
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		comfy.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &SQLiteStore{comfy: comfy, db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.comfy.Close()
}

func (s *SQLiteStore) CreateSaga(ctx context.Context, sg *Saga, creationKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	contextJSON, err := json.Marshal(orEmpty(sg.Context))
	if err != nil {
		return err
	}
	var key sql.NullString
	if creationKey != "" {
		key = sql.NullString{String: creationKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sagas (id, definition_id, status, context, creation_key, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.DefinitionID, string(sg.Status), string(contextJSON), key, sg.LastError,
		formatTime(now), formatTime(now))
	if err != nil {
		if isSQLiteConstraint(err) {
			return errors.Join(ErrDuplicateSaga, err)
		}
		return err
	}

	for i := range sg.Steps {
		step := &sg.Steps[i]
		forwardJSON, err := json.Marshal(step.Forward)
		if err != nil {
			return err
		}
		var compJSON sql.NullString
		if step.Compensation != nil {
			raw, err := json.Marshal(step.Compensation)
			if err != nil {
				return err
			}
			compJSON = sql.NullString{String: string(raw), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO saga_steps (saga_id, step_index, name, forward_op, compensation_op, state, request_id, epoch, attempt_count, completion_seq, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sg.ID, step.Index, step.Name, string(forwardJSON), compJSON, string(step.State),
			step.RequestID, step.Epoch, step.AttemptCount, step.CompletionSeq, step.LastError)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSaga(ctx context.Context, sagaID string) (*Saga, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, status, context, last_error, created_at, updated_at, completed_at
		 FROM sagas WHERE id = ?`, sagaID)

	var sg Saga
	var contextJSON, createdAt, updatedAt string
	var completedAt sql.NullString
	var status string
	if err := row.Scan(&sg.ID, &sg.DefinitionID, &status, &contextJSON, &sg.LastError, &createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
		}
		return nil, err
	}
	sg.Status = Status(status)
	if err := json.Unmarshal([]byte(contextJSON), &sg.Context); err != nil {
		return nil, err
	}
	var err error
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sg.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, name, forward_op, compensation_op, state, request_id, epoch, attempt_count, completion_seq, last_error, result, started_at, completed_at
		 FROM saga_steps WHERE saga_id = ? ORDER BY step_index ASC`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var step StepRecord
		var forwardJSON, state string
		var compJSON, resultJSON, startedAt, stepCompletedAt sql.NullString
		if err := rows.Scan(&step.Index, &step.Name, &forwardJSON, &compJSON, &state, &step.RequestID,
			&step.Epoch, &step.AttemptCount, &step.CompletionSeq, &step.LastError, &resultJSON, &startedAt, &stepCompletedAt); err != nil {
			return nil, err
		}
		step.State = StepState(state)
		if err := json.Unmarshal([]byte(forwardJSON), &step.Forward); err != nil {
			return nil, err
		}
		if compJSON.Valid {
			var comp Operation
			if err := json.Unmarshal([]byte(compJSON.String), &comp); err != nil {
				return nil, err
			}
			step.Compensation = &comp
		}
		if resultJSON.Valid {
			if err := json.Unmarshal([]byte(resultJSON.String), &step.Result); err != nil {
				return nil, err
			}
		}
		if step.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, err
		}
		if step.CompletedAt, err = parseNullTime(stepCompletedAt); err != nil {
			return nil, err
		}
		sg.Steps = append(sg.Steps, step)
	}
	return &sg, rows.Err()
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, sagaID string, stepIndex int, from, to StepState, update StepUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := `state = ?`
	args := []any{string(to)}
	if update.RequestID != "" {
		set += `, request_id = ?`
		args = append(args, update.RequestID)
	}
	if update.Epoch > 0 {
		set += `, epoch = ?`
		args = append(args, update.Epoch)
	}
	if update.AttemptCount > 0 {
		set += `, attempt_count = ?`
		args = append(args, update.AttemptCount)
	}
	if update.LastError != "" {
		set += `, last_error = ?`
		args = append(args, update.LastError)
	}
	if update.Result != nil {
		raw, err := json.Marshal(update.Result)
		if err != nil {
			return err
		}
		set += `, result = ?`
		args = append(args, string(raw))
	}
	if update.StartedAt != nil {
		set += `, started_at = ?`
		args = append(args, formatTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		set += `, completed_at = ?`
		args = append(args, formatTime(*update.CompletedAt))
	}
	if to == StepSucceeded {
		set += `, completion_seq = (SELECT COALESCE(MAX(completion_seq), 0) + 1 FROM saga_steps WHERE saga_id = ?)`
		args = append(args, sagaID)
	}
	args = append(args, sagaID, stepIndex, string(from))

	res, err := tx.ExecContext(ctx,
		`UPDATE saga_steps SET `+set+` WHERE saga_id = ? AND step_index = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM saga_steps WHERE saga_id = ? AND step_index = ?`, sagaID, stepIndex).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s has no step %d", sagaID, stepIndex))
		}
		if err != nil {
			return err
		}
		return errors.Join(ErrStaleState, fmt.Errorf("step %d of saga %s is %s, expected %s", stepIndex, sagaID, current, from))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sagas SET updated_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), sagaID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) TransitionSaga(ctx context.Context, sagaID string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now().UTC()), sagaID, string(from))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM sagas WHERE id = ?`, sagaID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
		}
		if err != nil {
			return err
		}
		return errors.Join(ErrStaleState, fmt.Errorf("saga %s is %s, expected %s", sagaID, current, from))
	}
	return nil
}

func (s *SQLiteStore) SetContext(ctx context.Context, sagaID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var contextJSON string
	err = tx.QueryRowContext(ctx, `SELECT context FROM sagas WHERE id = ?`, sagaID).Scan(&contextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
	}
	if err != nil {
		return err
	}
	var sagaContext map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &sagaContext); err != nil {
		return err
	}
	if sagaContext == nil {
		sagaContext = map[string]any{}
	}
	sagaContext[key] = value
	raw, err := json.Marshal(sagaContext)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sagas SET context = ?, updated_at = ? WHERE id = ?`,
		string(raw), formatTime(time.Now().UTC()), sagaID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Finalize(ctx context.Context, sagaID string, terminal Status, lastError string) error {
	if !terminal.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", terminal)
	}
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET status = ?, last_error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(terminal), lastError, now, now, sagaID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
	}
	return nil
}

func (s *SQLiteStore) ListIncomplete(ctx context.Context, olderThan time.Time) ([]*Saga, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sagas
		 WHERE status NOT IN (?, ?, ?) AND updated_at < ?
		 ORDER BY updated_at ASC`,
		string(StatusCompleted), string(StatusRolledBack), string(StatusFailed), formatTime(olderThan.UTC()))
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Saga, 0, len(ids))
	for _, id := range ids {
		sg, err := s.LoadSaga(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSagaNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sg)
	}
	return out, nil
}

func (s *SQLiteStore) AddRecovery(ctx context.Context, rec *RecoveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_recovery (id, saga_id, recovery_type, attempted_at, attempt_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SagaID, string(rec.RecoveryType), formatTime(rec.AttemptedAt.UTC()), rec.AttemptCount, rec.LastError)
	return err
}

func (s *SQLiteStore) RecoveryAttempts(ctx context.Context, sagaID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saga_recovery WHERE saga_id = ?`, sagaID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ClearRecovery(ctx context.Context, sagaID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saga_recovery WHERE saga_id = ?`, sagaID)
	return err
}

func (s *SQLiteStore) DeleteSaga(ctx context.Context, sagaID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sagas WHERE id = ?`, sagaID)
	return err
}

func (s *SQLiteStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sagas WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusRolledBack), formatTime(olderThan.UTC()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Counts(ctx context.Context) (StoreCounts, error) {
	var counts StoreCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sagas`).Scan(&counts.Sagas); err != nil {
		return counts, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saga_steps`).Scan(&counts.Steps); err != nil {
		return counts, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saga_recovery`).Scan(&counts.Recoveries); err != nil {
		return counts, err
	}
	return counts, nil
}

func isSQLiteConstraint(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// sqliteTimeLayout is fixed-width so lexicographic comparison on the TEXT
// columns matches chronological order; RFC3339Nano trims trailing zeros,
// which breaks `updated_at < ?` ordering within a second.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
