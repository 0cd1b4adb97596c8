package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		id UUID PRIMARY KEY,
		definition_id TEXT NOT NULL,
		status TEXT NOT NULL,
		context JSONB NOT NULL DEFAULT '{}',
		creation_key TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sagas_creation_key ON sagas(creation_key) WHERE creation_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_updated ON sagas(updated_at)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		saga_id UUID NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
		step_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		forward_op JSONB NOT NULL,
		compensation_op JSONB,
		state TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		epoch INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		completion_seq INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		result JSONB,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		PRIMARY KEY (saga_id, step_index)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_recovery (
		id UUID PRIMARY KEY,
		saga_id UUID NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
		recovery_type TEXT NOT NULL,
		attempted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_recovery_saga_id ON saga_recovery(saga_id)`,
}

// PostgresStore is the multi-instance backend: compare-and-swap step
// transitions map directly onto UPDATE ... WHERE state = $old, so several
// coordinator processes can safely share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgMigrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateSaga(ctx context.Context, sg *Saga, creationKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	contextJSON, err := json.Marshal(orEmpty(sg.Context))
	if err != nil {
		return err
	}
	var key *string
	if creationKey != "" {
		key = &creationKey
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sagas (id, definition_id, status, context, creation_key, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sg.ID, sg.DefinitionID, string(sg.Status), contextJSON, key, sg.LastError)
	if err != nil {
		if isPgUnique(err) {
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
		var compJSON []byte
		if step.Compensation != nil {
			if compJSON, err = json.Marshal(step.Compensation); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO saga_steps (saga_id, step_index, name, forward_op, compensation_op, state, request_id, epoch, attempt_count, completion_seq, last_error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			sg.ID, step.Index, step.Name, forwardJSON, compJSON, string(step.State),
			step.RequestID, step.Epoch, step.AttemptCount, step.CompletionSeq, step.LastError)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadSaga(ctx context.Context, sagaID string) (*Saga, error) {
	var sg Saga
	var contextJSON []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, definition_id, status, context, last_error, created_at, updated_at, completed_at
		 FROM sagas WHERE id = $1`, sagaID).
		Scan(&sg.ID, &sg.DefinitionID, &status, &contextJSON, &sg.LastError, &sg.CreatedAt, &sg.UpdatedAt, &sg.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
		}
		return nil, err
	}
	sg.Status = Status(status)
	if err := json.Unmarshal(contextJSON, &sg.Context); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT step_index, name, forward_op, compensation_op, state, request_id, epoch, attempt_count, completion_seq, last_error, result, started_at, completed_at
		 FROM saga_steps WHERE saga_id = $1 ORDER BY step_index ASC`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var step StepRecord
		var forwardJSON, compJSON, resultJSON []byte
		var state string
		if err := rows.Scan(&step.Index, &step.Name, &forwardJSON, &compJSON, &state, &step.RequestID,
			&step.Epoch, &step.AttemptCount, &step.CompletionSeq, &step.LastError, &resultJSON,
			&step.StartedAt, &step.CompletedAt); err != nil {
			return nil, err
		}
		step.State = StepState(state)
		if err := json.Unmarshal(forwardJSON, &step.Forward); err != nil {
			return nil, err
		}
		if len(compJSON) > 0 {
			var comp Operation
			if err := json.Unmarshal(compJSON, &comp); err != nil {
				return nil, err
			}
			step.Compensation = &comp
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &step.Result); err != nil {
				return nil, err
			}
		}
		sg.Steps = append(sg.Steps, step)
	}
	return &sg, rows.Err()
}

func (s *PostgresStore) TransitionStep(ctx context.Context, sagaID string, stepIndex int, from, to StepState, update StepUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	set := `state = $1`
	args := []any{string(to)}
	add := func(expr string, val any) {
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", expr, len(args))
	}
	if update.RequestID != "" {
		add("request_id", update.RequestID)
	}
	if update.Epoch > 0 {
		add("epoch", update.Epoch)
	}
	if update.AttemptCount > 0 {
		add("attempt_count", update.AttemptCount)
	}
	if update.LastError != "" {
		add("last_error", update.LastError)
	}
	if update.Result != nil {
		raw, err := json.Marshal(update.Result)
		if err != nil {
			return err
		}
		add("result", raw)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if to == StepSucceeded {
		args = append(args, sagaID)
		set += fmt.Sprintf(", completion_seq = (SELECT COALESCE(MAX(completion_seq), 0) + 1 FROM saga_steps WHERE saga_id = $%d)", len(args))
	}

	args = append(args, sagaID)
	sagaArg := len(args)
	args = append(args, stepIndex)
	indexArg := len(args)
	args = append(args, string(from))
	fromArg := len(args)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE saga_steps SET %s WHERE saga_id = $%d AND step_index = $%d AND state = $%d`,
			set, sagaArg, indexArg, fromArg), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT state FROM saga_steps WHERE saga_id = $1 AND step_index = $2`, sagaID, stepIndex).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s has no step %d", sagaID, stepIndex))
		}
		if err != nil {
			return err
		}
		return errors.Join(ErrStaleState, fmt.Errorf("step %d of saga %s is %s, expected %s", stepIndex, sagaID, current, from))
	}

	if _, err := tx.Exec(ctx, `UPDATE sagas SET updated_at = NOW() WHERE id = $1`, sagaID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TransitionSaga(ctx context.Context, sagaID string, from, to Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sagas SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), sagaID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM sagas WHERE id = $1`, sagaID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
		}
		if err != nil {
			return err
		}
		return errors.Join(ErrStaleState, fmt.Errorf("saga %s is %s, expected %s", sagaID, current, from))
	}
	return nil
}

func (s *PostgresStore) SetContext(ctx context.Context, sagaID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sagas SET context = jsonb_set(context, ARRAY[$1], $2::jsonb, true), updated_at = NOW() WHERE id = $3`,
		key, raw, sagaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, sagaID string, terminal Status, lastError string) error {
	if !terminal.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", terminal)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sagas SET status = $1, last_error = $2, updated_at = NOW(), completed_at = NOW() WHERE id = $3`,
		string(terminal), lastError, sagaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
	}
	return nil
}

func (s *PostgresStore) ListIncomplete(ctx context.Context, olderThan time.Time) ([]*Saga, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sagas
		 WHERE status NOT IN ($1, $2, $3) AND updated_at < $4
		 ORDER BY updated_at ASC`,
		string(StatusCompleted), string(StatusRolledBack), string(StatusFailed), olderThan)
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

func (s *PostgresStore) AddRecovery(ctx context.Context, rec *RecoveryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_recovery (id, saga_id, recovery_type, attempted_at, attempt_count, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SagaID, string(rec.RecoveryType), rec.AttemptedAt, rec.AttemptCount, rec.LastError)
	return err
}

func (s *PostgresStore) RecoveryAttempts(ctx context.Context, sagaID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM saga_recovery WHERE saga_id = $1`, sagaID).Scan(&count)
	return count, err
}

func (s *PostgresStore) ClearRecovery(ctx context.Context, sagaID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM saga_recovery WHERE saga_id = $1`, sagaID)
	return err
}

func (s *PostgresStore) DeleteSaga(ctx context.Context, sagaID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sagas WHERE id = $1`, sagaID)
	return err
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sagas WHERE status IN ($1, $2) AND updated_at < $3`,
		string(StatusCompleted), string(StatusRolledBack), olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Counts(ctx context.Context) (StoreCounts, error) {
	var counts StoreCounts
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sagas`).Scan(&counts.Sagas); err != nil {
		return counts, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM saga_steps`).Scan(&counts.Steps); err != nil {
		return counts, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM saga_recovery`).Scan(&counts.Recoveries); err != nil {
		return counts, err
	}
	return counts, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
