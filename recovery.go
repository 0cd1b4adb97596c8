package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/time/rate"
)

var ErrRecovery = errors.New("recovery failure")

// RecoveryConfig tunes the background redrive of interrupted sagas.
type RecoveryConfig struct {
	// Interval is the cadence of the periodic scan.
	Interval time.Duration
	// StaleAfter guards against racing a live driver: only sagas whose
	// last update is at least this old are picked up by the periodic scan.
	StaleAfter time.Duration
	// MaxAttempts caps automatic redrives per saga. Past the ceiling the
	// saga is finalized Failed and left for an operator.
	MaxAttempts int
	// Workers sizes the redrive pool.
	Workers int
	// RatePerSecond paces redrives so a store full of stuck sagas cannot
	// stampede downstream services after a restart. Zero disables pacing.
	RatePerSecond float64
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:      30 * time.Second,
		StaleAfter:    time.Minute,
		MaxAttempts:   5,
		Workers:       4,
		RatePerSecond: 10,
	}
}

// RecoveryStats is a point-in-time snapshot of the manager's counters.
type RecoveryStats struct {
	Scanned    int64
	Dispatched int64
	Recovered  int64
	Failed     int64
	Exhausted  int64
}

type recoveryTask struct {
	sagaID       string
	recoveryType RecoveryType
}

// RecoveryManager finds sagas that stopped making progress and redrives them
// through the coordinator: at startup, periodically, or on operator demand.
// Every redrive leaves an audit record in the store.
type RecoveryManager struct {
	coord   *Coordinator
	store   Store
	cfg     RecoveryConfig
	logger  Logger
	limiter *rate.Limiter

	mu     deadlock.Mutex
	pool   *retrypool.Pool[*recoveryTask]
	cancel context.CancelFunc
	done   chan struct{}

	scanned    atomic.Int64
	dispatched atomic.Int64
	recovered  atomic.Int64
	failed     atomic.Int64
	exhausted  atomic.Int64

	// sagas already sitting in the pool, to keep periodic scans from
	// dispatching the same saga twice
	inflight sync.Map
}

func NewRecoveryManager(coord *Coordinator, cfg RecoveryConfig) *RecoveryManager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRecoveryConfig().Workers
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &RecoveryManager{
		coord:   coord,
		store:   coord.store,
		cfg:     cfg,
		logger:  coord.cfg.logger,
		limiter: limiter,
	}
}

// RecoverAtStartup synchronously redrives every incomplete saga, oldest
// first. Call it once after registering all definitions and before serving
// traffic; it returns the number of sagas that reached a terminal status.
func (rm *RecoveryManager) RecoverAtStartup(ctx context.Context) (int, error) {
	sagas, err := rm.store.ListIncomplete(ctx, time.Now().UTC())
	if err != nil {
		return 0, errors.Join(ErrRecovery, err)
	}
	rm.scanned.Add(int64(len(sagas)))
	rm.logger.Info(ctx, "startup recovery scan", "recovery.incomplete", len(sagas))

	recoveredCount := 0
	for _, sg := range sagas {
		if err := rm.redrive(ctx, sg.ID, RecoveryStartup); err != nil {
			rm.logger.Warn(ctx, "startup recovery left saga unresolved", "saga.id", sg.ID, "error", err.Error())
			continue
		}
		recoveredCount++
	}
	return recoveredCount, nil
}

// Start launches the periodic scan and the redrive worker pool.
func (rm *RecoveryManager) Start(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.pool != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rm.cancel = cancel
	rm.done = make(chan struct{})

	workers := make([]retrypool.Worker[*recoveryTask], 0, rm.cfg.Workers)
	for i := 0; i < rm.cfg.Workers; i++ {
		workers = append(workers, recoveryWorker{rm: rm})
	}
	rm.pool = retrypool.New(
		runCtx,
		workers,
		retrypool.WithAttempts[*recoveryTask](1),
		retrypool.WithOnTaskFailure[*recoveryTask](rm.onTaskFailure),
	)

	interval := rm.cfg.Interval
	if interval <= 0 {
		interval = DefaultRecoveryConfig().Interval
	}
	go func() {
		defer close(rm.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				rm.scan(runCtx)
			}
		}
	}()
	rm.logger.Info(ctx, "recovery manager started", "recovery.interval", interval, "recovery.workers", rm.cfg.Workers)
}

// Stop halts the scan loop and drains the pool.
func (rm *RecoveryManager) Stop() {
	rm.mu.Lock()
	pool := rm.pool
	cancel := rm.cancel
	done := rm.done
	rm.pool = nil
	rm.cancel = nil
	rm.mu.Unlock()
	if pool == nil {
		return
	}
	cancel()
	<-done
	pool.Close()
}

// Recover redrives one saga on operator demand. Manual recovery ignores the
// automatic attempt ceiling and additionally re-attempts compensations that
// previously failed.
func (rm *RecoveryManager) Recover(ctx context.Context, sagaID string) (*Result, error) {
	now := time.Now().UTC()
	attempts, err := rm.store.RecoveryAttempts(ctx, sagaID)
	if err != nil {
		return nil, errors.Join(ErrRecovery, err)
	}
	if err := rm.store.AddRecovery(ctx, &RecoveryRecord{
		ID:           uuid.NewString(),
		SagaID:       sagaID,
		RecoveryType: RecoveryManual,
		AttemptedAt:  now,
		AttemptCount: attempts + 1,
	}); err != nil {
		return nil, errors.Join(ErrRecovery, err)
	}

	res, err := rm.coord.RecoverSaga(ctx, sagaID, RecoveryManual)
	if recoverySucceeded(err) {
		rm.recovered.Add(1)
		if clrErr := rm.store.ClearRecovery(ctx, sagaID); clrErr != nil {
			rm.logger.Warn(ctx, "failed to clear recovery records", "saga.id", sagaID, "error", clrErr.Error())
		}
	} else {
		rm.failed.Add(1)
	}
	return res, err
}

// Stats snapshots the counters.
func (rm *RecoveryManager) Stats() RecoveryStats {
	return RecoveryStats{
		Scanned:    rm.scanned.Load(),
		Dispatched: rm.dispatched.Load(),
		Recovered:  rm.recovered.Load(),
		Failed:     rm.failed.Load(),
		Exhausted:  rm.exhausted.Load(),
	}
}

func (rm *RecoveryManager) scan(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-rm.cfg.StaleAfter)
	sagas, err := rm.store.ListIncomplete(ctx, staleBefore)
	if err != nil {
		rm.logger.Error(ctx, "recovery scan failed", "error", err.Error())
		return
	}
	rm.scanned.Add(int64(len(sagas)))
	if len(sagas) == 0 {
		return
	}
	rm.logger.Debug(ctx, "recovery scan", "recovery.stale", len(sagas))

	rm.mu.Lock()
	pool := rm.pool
	rm.mu.Unlock()
	if pool == nil {
		return
	}
	for _, sg := range sagas {
		if _, loaded := rm.inflight.LoadOrStore(sg.ID, struct{}{}); loaded {
			continue
		}
		if err := pool.Submit(&recoveryTask{sagaID: sg.ID, recoveryType: RecoveryAutomatic}); err != nil {
			rm.inflight.Delete(sg.ID)
			rm.logger.Error(ctx, "recovery dispatch failed", "saga.id", sg.ID, "error", err.Error())
			continue
		}
		rm.dispatched.Add(1)
	}
}

// redrive performs one audited recovery attempt, enforcing the automatic
// attempt ceiling.
func (rm *RecoveryManager) redrive(ctx context.Context, sagaID string, recoveryType RecoveryType) error {
	if rm.limiter != nil {
		if err := rm.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	attempts, err := rm.store.RecoveryAttempts(ctx, sagaID)
	if err != nil {
		return errors.Join(ErrRecovery, err)
	}
	if rm.cfg.MaxAttempts > 0 && attempts >= rm.cfg.MaxAttempts {
		rm.exhausted.Add(1)
		rm.logger.Error(ctx, "recovery attempts exhausted, saga needs an operator", "saga.id", sagaID, "recovery.attempts", attempts)
		if err := rm.store.Finalize(ctx, sagaID, StatusFailed, "recovery attempts exhausted"); err != nil {
			return errors.Join(ErrRecovery, err)
		}
		return nil
	}

	if err := rm.store.AddRecovery(ctx, &RecoveryRecord{
		ID:           uuid.NewString(),
		SagaID:       sagaID,
		RecoveryType: recoveryType,
		AttemptedAt:  time.Now().UTC(),
		AttemptCount: attempts + 1,
	}); err != nil {
		return errors.Join(ErrRecovery, err)
	}

	_, err = rm.coord.RecoverSaga(ctx, sagaID, recoveryType)
	if errors.Is(err, ErrSagaAlreadyTerminal) {
		err = nil
	}
	if !recoverySucceeded(err) {
		rm.failed.Add(1)
		return err
	}
	rm.recovered.Add(1)
	if clrErr := rm.store.ClearRecovery(ctx, sagaID); clrErr != nil {
		rm.logger.Warn(ctx, "failed to clear recovery records", "saga.id", sagaID, "error", clrErr.Error())
	}
	return nil
}

// recoverySucceeded treats any terminal outcome the engine fully resolved as
// a successful recovery: Completed and RolledBack both count, only an error
// that leaves the saga non-terminal (or Failed) does not.
func recoverySucceeded(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, ErrSagaRolledBack) || errors.Is(err, ErrSagaCanceled)
}

func (rm *RecoveryManager) onTaskFailure(controller retrypool.WorkerController[*recoveryTask], workerID int, worker retrypool.Worker[*recoveryTask], data *recoveryTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
	rm.logger.Warn(context.Background(), "recovery task failed, next scan retries", "saga.id", data.sagaID, "error", err.Error())
	rm.inflight.Delete(data.sagaID)
	return retrypool.DeadTaskActionDoNothing
}

type recoveryWorker struct {
	rm *RecoveryManager
}

func (w recoveryWorker) Run(ctx context.Context, task *recoveryTask) (err error) {
	defer w.rm.inflight.Delete(task.sagaID)
	defer func() {
		if r := recover(); r != nil {
			w.rm.logger.Error(ctx, "recovery task panicked", "saga.id", task.sagaID, "panic", r)
			err = fmt.Errorf("recovery task panic: %v", r)
		}
	}()
	return w.rm.redrive(ctx, task.sagaID, task.recoveryType)
}
