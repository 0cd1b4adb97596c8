package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
)

const (
	tableSagas    = "sagas"
	tableRecovery = "recovery"
)

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableSagas: {
			Name: tableSagas,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"creation_key": {
					Name:         "creation_key",
					Unique:       true,
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "CreationKey"},
				},
			},
		},
		tableRecovery: {
			Name: tableRecovery,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"saga_id": {
					Name:    "saga_id",
					Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
				},
			},
		},
	},
}

type sagaRow struct {
	ID          string
	CreationKey string
	Saga        *Saga
	NextSeq     int
}

type recoveryRow struct {
	ID     string
	SagaID string
	Rec    *RecoveryRecord
}

// MemoryStore keeps all state in a go-memdb database. It honors the full
// Store contract, including compare-and-swap transitions, and is the backend
// the test suites run against. Nothing survives a restart.
type MemoryStore struct {
	mu  deadlock.Mutex
	db  *memdb.MemDB
	now func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{db: db, now: time.Now}, nil
}

func (m *MemoryStore) CreateSaga(_ context.Context, s *Saga, creationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableSagas, "id", s.ID); err != nil {
		return err
	} else if existing != nil {
		return errors.Join(ErrDuplicateSaga, fmt.Errorf("saga %s already exists", s.ID))
	}
	if creationKey != "" {
		if existing, err := txn.First(tableSagas, "creation_key", creationKey); err != nil {
			return err
		} else if existing != nil {
			return errors.Join(ErrDuplicateSaga, fmt.Errorf("creation key %q already used", creationKey))
		}
	}

	cp := s.clone()
	now := m.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Context == nil {
		cp.Context = map[string]any{}
	}
	if err := txn.Insert(tableSagas, &sagaRow{ID: cp.ID, CreationKey: creationKey, Saga: cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) LoadSaga(_ context.Context, sagaID string) (*Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return nil, err
	}
	return row.Saga.clone(), nil
}

func (m *MemoryStore) TransitionStep(_ context.Context, sagaID string, stepIndex int, from, to StepState, update StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return err
	}

	cp := row.Saga.clone()
	step := cp.StepByIndex(stepIndex)
	if step == nil {
		return errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s has no step %d", sagaID, stepIndex))
	}
	if step.State != from {
		return errors.Join(ErrStaleState, fmt.Errorf("step %d of saga %s is %s, expected %s", stepIndex, sagaID, step.State, from))
	}

	step.State = to
	applyStepUpdate(step, update)
	seq := row.NextSeq
	if to == StepSucceeded {
		seq++
		step.CompletionSeq = seq
	}
	cp.UpdatedAt = m.now()

	if err := txn.Insert(tableSagas, &sagaRow{ID: row.ID, CreationKey: row.CreationKey, Saga: cp, NextSeq: seq}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) TransitionSaga(_ context.Context, sagaID string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return err
	}
	if row.Saga.Status != from {
		return errors.Join(ErrStaleState, fmt.Errorf("saga %s is %s, expected %s", sagaID, row.Saga.Status, from))
	}

	cp := row.Saga.clone()
	cp.Status = to
	cp.UpdatedAt = m.now()
	if err := txn.Insert(tableSagas, &sagaRow{ID: row.ID, CreationKey: row.CreationKey, Saga: cp, NextSeq: row.NextSeq}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) SetContext(_ context.Context, sagaID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return err
	}
	cp := row.Saga.clone()
	if cp.Context == nil {
		cp.Context = map[string]any{}
	}
	cp.Context[key] = value
	cp.UpdatedAt = m.now()
	if err := txn.Insert(tableSagas, &sagaRow{ID: row.ID, CreationKey: row.CreationKey, Saga: cp, NextSeq: row.NextSeq}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, sagaID string, terminal Status, lastError string) error {
	if !terminal.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", terminal)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return err
	}
	cp := row.Saga.clone()
	now := m.now()
	cp.Status = terminal
	cp.LastError = lastError
	cp.UpdatedAt = now
	cp.CompletedAt = &now
	if err := txn.Insert(tableSagas, &sagaRow{ID: row.ID, CreationKey: row.CreationKey, Saga: cp, NextSeq: row.NextSeq}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListIncomplete(_ context.Context, olderThan time.Time) ([]*Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableSagas, "id")
	if err != nil {
		return nil, err
	}
	var out []*Saga
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*sagaRow)
		if row.Saga.Status.Terminal() {
			continue
		}
		if !row.Saga.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, row.Saga.clone())
	}
	return out, nil
}

func (m *MemoryStore) AddRecovery(_ context.Context, rec *RecoveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	cp := *rec
	if err := txn.Insert(tableRecovery, &recoveryRow{ID: cp.ID, SagaID: cp.SagaID, Rec: &cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) RecoveryAttempts(_ context.Context, sagaID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableRecovery, "saga_id", sagaID)
	if err != nil {
		return 0, err
	}
	count := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		count++
	}
	return count, nil
}

func (m *MemoryStore) ClearRecovery(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableRecovery, "saga_id", sagaID); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) DeleteSaga(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := m.find(txn, sagaID)
	if err != nil {
		return err
	}
	if err := txn.Delete(tableSagas, row); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableRecovery, "saga_id", sagaID); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(tableSagas, "id")
	if err != nil {
		return 0, err
	}
	var doomed []*sagaRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*sagaRow)
		switch row.Saga.Status {
		case StatusCompleted, StatusRolledBack:
		default:
			continue
		}
		if row.Saga.UpdatedAt.Before(olderThan) {
			doomed = append(doomed, row)
		}
	}
	for _, row := range doomed {
		if err := txn.Delete(tableSagas, row); err != nil {
			return 0, err
		}
		if _, err := txn.DeleteAll(tableRecovery, "saga_id", row.ID); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return int64(len(doomed)), nil
}

func (m *MemoryStore) Counts(_ context.Context) (StoreCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	var counts StoreCounts
	it, err := txn.Get(tableSagas, "id")
	if err != nil {
		return counts, err
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		counts.Sagas++
		counts.Steps += int64(len(obj.(*sagaRow).Saga.Steps))
	}
	rit, err := txn.Get(tableRecovery, "id")
	if err != nil {
		return counts, err
	}
	for obj := rit.Next(); obj != nil; obj = rit.Next() {
		counts.Recoveries++
	}
	return counts, nil
}

func (m *MemoryStore) find(txn *memdb.Txn, sagaID string) (*sagaRow, error) {
	obj, err := txn.First(tableSagas, "id", sagaID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", sagaID))
	}
	return obj.(*sagaRow), nil
}

func applyStepUpdate(step *StepRecord, update StepUpdate) {
	if update.RequestID != "" {
		step.RequestID = update.RequestID
	}
	if update.Epoch > 0 {
		step.Epoch = update.Epoch
	}
	if update.AttemptCount > 0 {
		step.AttemptCount = update.AttemptCount
	}
	if update.LastError != "" {
		step.LastError = update.LastError
	}
	if update.Result != nil {
		step.Result = cloneMap(update.Result)
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		step.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		step.CompletedAt = &t
	}
}
