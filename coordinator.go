package saga

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

const (
	triggerExecute    = "Execute"
	triggerComplete   = "Complete"
	triggerCompensate = "Compensate"
	triggerCancel     = "Cancel"
	triggerRolledBack = "RolledBack"
	triggerFail       = "Fail"
)

var ErrCoordinator = errors.New("coordinator failure")

// Coordinator drives sagas: it materializes definitions into persisted step
// records, executes forward steps through the operation client, and runs
// compensations when a step fails permanently. Every state change goes
// through the Store before the coordinator acts on it, so any crash leaves a
// resumable trail.
type Coordinator struct {
	store  Store
	client OperationClient
	cfg    coordinatorConfig
	exec   *stepExecutor

	mu     deadlock.Mutex
	defs   map[string]*Definition
	active map[string]*sagaInstance
}

func NewCoordinator(store Store, client OperationClient, opts ...CoordinatorOption) *Coordinator {
	cfg := defaultCoordinatorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		store:  store,
		client: client,
		cfg:    cfg,
		exec: &stepExecutor{
			store:       store,
			client:      client,
			policy:      cfg.retryPolicy,
			logger:      cfg.logger,
			stepTimeout: cfg.stepTimeout,
			compTimeout: cfg.compensationTimeout,
		},
		defs:   map[string]*Definition{},
		active: map[string]*sagaInstance{},
	}
}

// RegisterDefinition validates and registers a definition, including every
// sub-saga definition nested in it. Recovery resolves definitions by ID, so
// anything that may need redriving after a restart must be registered before
// the recovery manager runs.
func (c *Coordinator) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(def)
	return nil
}

func (c *Coordinator) registerLocked(def *Definition) {
	c.defs[def.ID] = def
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch node := n.(type) {
			case *SubSagaNode:
				c.registerLocked(node.Definition)
			case *ParallelNode:
				walk(node.Children)
			case *BranchNode:
				for _, arm := range node.Arms {
					walk(arm.Children)
				}
			}
		}
	}
	walk(def.Nodes)
}

func (c *Coordinator) definition(id string) (*Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[id]
	if !ok {
		return nil, errors.Join(ErrUnknownDefinition, fmt.Errorf("definition %q is not registered", id))
	}
	return def, nil
}

type startOptions struct {
	creationKey string
	sagaID      string
}

type StartOption func(*startOptions)

// WithCreationKey makes saga creation idempotent: a second Execute with the
// same key attaches to the saga the first one created instead of starting a
// duplicate.
func WithCreationKey(key string) StartOption {
	return func(o *startOptions) { o.creationKey = key }
}

// WithSagaID fixes the saga id instead of generating one.
func WithSagaID(id string) StartOption {
	return func(o *startOptions) { o.sagaID = id }
}

// Execute runs a saga to its terminal status and blocks until it gets there.
// The Result is returned alongside the classifying error: ErrSagaRolledBack,
// ErrSagaCanceled or ErrSagaFailed on the non-success outcomes, nil when the
// saga completed.
func (c *Coordinator) Execute(ctx context.Context, definitionID string, initial map[string]any, opts ...StartOption) (*Result, error) {
	future, err := c.ExecuteAsync(ctx, definitionID, initial, opts...)
	if err != nil {
		return nil, err
	}
	return future.Get(ctx)
}

// ExecuteAsync starts (or attaches to) a saga and returns immediately with a
// Future for its terminal result.
func (c *Coordinator) ExecuteAsync(ctx context.Context, definitionID string, initial map[string]any, opts ...StartOption) (*Future, error) {
	def, err := c.definition(definitionID)
	if err != nil {
		return nil, err
	}

	options := startOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	sagaID := options.sagaID
	if sagaID == "" {
		if options.creationKey != "" {
			// Deterministic id: the same creation key always names the
			// same saga, so a duplicate create can find the original.
			sagaID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("saga-creation:"+options.creationKey)).String()
		} else {
			sagaID = uuid.NewString()
		}
	}

	now := time.Now().UTC()
	sg := &Saga{
		ID:           sagaID,
		DefinitionID: def.ID,
		Status:       StatusCreated,
		Steps:        def.records(),
		Context:      cloneMap(initial),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sg.Context == nil {
		sg.Context = map[string]any{}
	}

	if err := c.store.CreateSaga(ctx, sg, options.creationKey); err != nil {
		if !errors.Is(err, ErrDuplicateSaga) {
			return nil, err
		}
		c.cfg.logger.Debug(ctx, "saga already exists for creation key", "saga.id", sagaID, "creation.key", options.creationKey)
		return c.attach(ctx, sagaID, RecoveryAutomatic)
	}
	c.cfg.logger.Info(ctx, "saga created", "saga.id", sagaID, "saga.definition", def.ID, "saga.steps", len(sg.Steps))

	inst, attached := c.instanceFor(ctx, def, sagaID, false)
	if !attached {
		go inst.start(StatusCreated)
	}
	return inst.future, nil
}

// attach returns a future for an existing saga: the live instance's future
// when one is running here, a resolved future when the saga is already
// terminal, and otherwise a fresh drive from its persisted status.
func (c *Coordinator) attach(ctx context.Context, sagaID string, _ RecoveryType) (*Future, error) {
	sg, err := c.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, err := c.definition(sg.DefinitionID)
	if err != nil {
		return nil, err
	}
	if sg.Status.Terminal() {
		future := newFuture(sagaID)
		future.resolve(resultOf(sg), terminalError(sg))
		return future, nil
	}
	inst, attached := c.instanceFor(ctx, def, sagaID, false)
	if !attached {
		go inst.start(sg.Status)
	}
	return inst.future, nil
}

// RecoverSaga synchronously redrives one saga from its persisted state. A
// manual recovery additionally re-attempts compensations that previously
// failed, with a fresh epoch.
func (c *Coordinator) RecoverSaga(ctx context.Context, sagaID string, recovery RecoveryType) (*Result, error) {
	sg, err := c.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, err := c.definition(sg.DefinitionID)
	if err != nil {
		return nil, err
	}

	manual := recovery == RecoveryManual
	from := sg.Status
	if sg.Status.Terminal() {
		if !manual || sg.Status != StatusFailed {
			return resultOf(sg), errors.Join(ErrSagaAlreadyTerminal, fmt.Errorf("saga %s is %s", sagaID, sg.Status))
		}
		// Operator redrive of a failed rollback.
		if err := c.store.TransitionSaga(ctx, sagaID, StatusFailed, StatusCompensating); err != nil {
			return nil, err
		}
		from = StatusCompensating
	}

	c.cfg.logger.Info(ctx, "saga recovery", "saga.id", sagaID, "saga.status", from, "recovery.type", recovery)
	inst, attached := c.instanceFor(ctx, def, sagaID, manual)
	if !attached {
		inst.start(from)
	}
	return inst.future.Get(ctx)
}

// Cancel requests cancellation. A saga running in this process stops after
// its in-flight attempt finishes; an idle non-terminal saga is transitioned
// to Canceling and rolled back here. Either way the saga ends RolledBack
// with ErrSagaCanceled.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) error {
	c.mu.Lock()
	inst, running := c.active[sagaID]
	c.mu.Unlock()
	if running {
		c.cfg.logger.Info(ctx, "saga cancel requested", "saga.id", sagaID)
		inst.requestCancel()
		return nil
	}

	sg, err := c.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if sg.Status.Terminal() {
		return errors.Join(ErrSagaAlreadyTerminal, fmt.Errorf("saga %s is %s", sagaID, sg.Status))
	}
	def, err := c.definition(sg.DefinitionID)
	if err != nil {
		return err
	}
	if err := c.store.TransitionSaga(ctx, sagaID, sg.Status, StatusCanceling); err != nil {
		return err
	}
	c.cfg.logger.Info(ctx, "saga canceled while idle, rolling back", "saga.id", sagaID)
	inst, attached := c.instanceFor(ctx, def, sagaID, false)
	if !attached {
		inst.canceled = true
		inst.start(StatusCanceling)
	}
	_, err = inst.future.Get(ctx)
	if errors.Is(err, ErrSagaCanceled) {
		return nil
	}
	return err
}

// GetSaga returns the persisted saga record.
func (c *Coordinator) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	return c.store.LoadSaga(ctx, sagaID)
}

// Store exposes the backing store for maintenance operations.
func (c *Coordinator) Store() Store {
	return c.store
}

// instanceFor returns the live instance for a saga, creating and registering
// one when none is running here. The second return reports whether an
// already-running instance was joined.
func (c *Coordinator) instanceFor(ctx context.Context, def *Definition, sagaID string, manual bool) (*sagaInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.active[sagaID]; ok {
		return existing, true
	}
	inst := newSagaInstance(ctx, c, def, sagaID, manual)
	c.active[sagaID] = inst
	return inst, false
}

func (c *Coordinator) release(sagaID string) {
	c.mu.Lock()
	delete(c.active, sagaID)
	c.mu.Unlock()
}

func resultOf(sg *Saga) *Result {
	res := &Result{
		SagaID:     sg.ID,
		Status:     sg.Status,
		Context:    cloneMap(sg.Context),
		FailedStep: -1,
		LastError:  sg.LastError,
	}
	for i := range sg.Steps {
		if sg.Steps[i].State == StepFailed {
			res.FailedStep = sg.Steps[i].Index
			break
		}
	}
	return res
}

func terminalError(sg *Saga) error {
	switch sg.Status {
	case StatusCompleted:
		return nil
	case StatusRolledBack:
		return ErrSagaRolledBack
	case StatusFailed:
		return errors.Join(ErrSagaFailed, errors.New(sg.LastError))
	}
	return nil
}

////////////////////////// sagaInstance

// sagaInstance is the in-memory driver of one saga run. Its FSM mirrors the
// persisted status but is purely local: the store's compare-and-swap
// transitions remain the authority, and a lost race there aborts the
// instance without corrupting anything.
type sagaInstance struct {
	c      *Coordinator
	def    *Definition
	sagaID string
	fsm    *stateless.StateMachine
	future *Future

	ctx         context.Context // forward phase, canceled on Cancel or saga timeout
	cancelCause context.CancelCauseFunc
	cancelTimer context.CancelFunc
	rollbackCtx context.Context // survives forward-phase cancellation

	manual     bool
	canceled   bool
	timedOut   bool
	failedStep atomic.Int64 // first failing step index, -1 when none
	failure    error
}

func newSagaInstance(ctx context.Context, c *Coordinator, def *Definition, sagaID string, manual bool) *sagaInstance {
	si := &sagaInstance{
		c:      c,
		def:    def,
		sagaID: sagaID,
		future: newFuture(sagaID),
		manual: manual,
	}
	si.failedStep.Store(-1)
	si.rollbackCtx = context.WithoutCancel(ctx)
	fwd, cancelCause := context.WithCancelCause(ctx)
	si.cancelCause = cancelCause
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = c.cfg.sagaTimeout
	}
	if timeout > 0 {
		fwd, si.cancelTimer = context.WithTimeoutCause(fwd, timeout, ErrSagaTimeout)
	}
	si.ctx = fwd
	return si
}

func (si *sagaInstance) requestCancel() {
	si.cancelCause(ErrSagaCanceled)
}

// start configures the FSM and fires the trigger matching the persisted
// status the saga is resuming from. It returns once the saga is terminal (or
// the instance lost its claim); the future carries the outcome.
func (si *sagaInstance) start(from Status) {
	defer si.c.release(si.sagaID)
	defer func() {
		si.cancelCause(nil)
		if si.cancelTimer != nil {
			si.cancelTimer()
		}
	}()

	logger := si.c.cfg.logger
	logger.Debug(si.ctx, "saga instance start", "saga.id", si.sagaID, "saga.status", from)

	fsm := stateless.NewStateMachine(StatusCreated)
	si.fsm = fsm

	fsm.Configure(StatusCreated).
		Permit(triggerExecute, StatusExecuting).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerCancel, StatusCanceling)

	fsm.Configure(StatusExecuting).
		OnEntry(si.executeForward).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerCancel, StatusCanceling)

	fsm.Configure(StatusCompensating).
		OnEntry(si.executeRollback).
		Permit(triggerRolledBack, StatusRolledBack).
		Permit(triggerFail, StatusFailed)

	fsm.Configure(StatusCanceling).
		OnEntry(si.executeRollback).
		Permit(triggerRolledBack, StatusRolledBack).
		Permit(triggerFail, StatusFailed)

	fsm.Configure(StatusCompleted).
		OnEntry(si.onCompleted)

	fsm.Configure(StatusRolledBack).
		OnEntry(si.onRolledBack)

	fsm.Configure(StatusFailed).
		OnEntry(si.onFailed)

	var trigger stateless.Trigger
	switch from {
	case StatusCreated, StatusExecuting:
		trigger = triggerExecute
	case StatusCompensating:
		trigger = triggerCompensate
	case StatusCanceling:
		si.canceled = true
		trigger = triggerCancel
	default:
		si.resolve(errors.Join(ErrCoordinator, fmt.Errorf("saga %s cannot start from status %s", si.sagaID, from)))
		return
	}

	if err := fsm.Fire(trigger); err != nil {
		err = errors.Join(ErrCoordinator, fmt.Errorf("failed to drive saga fsm: %w", err))
		logger.Error(si.ctx, err.Error(), "saga.id", si.sagaID)
		si.future.resolve(nil, err)
	}
}

func (si *sagaInstance) executeForward(_ context.Context, _ ...any) error {
	logger := si.c.cfg.logger
	store := si.c.store

	sg, err := store.LoadSaga(si.rollbackCtx, si.sagaID)
	if err != nil {
		si.resolve(err)
		return nil
	}
	if sg.Status == StatusCreated {
		if err := store.TransitionSaga(si.rollbackCtx, si.sagaID, StatusCreated, StatusExecuting); err != nil {
			// Another driver claimed the saga first.
			si.resolve(err)
			return nil
		}
	}

	idx := 0
	runErr := si.runNodes(si.ctx, si.def.Nodes, &idx)
	if runErr == nil {
		return si.fsm.Fire(triggerComplete)
	}

	switch cause := context.Cause(si.ctx); {
	case errors.Is(cause, ErrSagaCanceled):
		si.canceled = true
		si.failure = ErrSagaCanceled
		logger.Info(si.ctx, "saga canceled, compensating", "saga.id", si.sagaID)
		if err := store.TransitionSaga(si.rollbackCtx, si.sagaID, StatusExecuting, StatusCanceling); err != nil {
			si.resolve(err)
			return nil
		}
		return si.fsm.Fire(triggerCancel)
	case errors.Is(cause, ErrSagaTimeout):
		si.timedOut = true
		si.failure = errors.Join(ErrSagaTimeout, runErr)
		logger.Warn(si.ctx, "saga timed out, compensating", "saga.id", si.sagaID, "error", runErr.Error())
	case errors.Is(runErr, ErrStaleState):
		// Lost the compare-and-swap race: some other driver owns the saga.
		logger.Warn(si.ctx, "saga stolen by another driver", "saga.id", si.sagaID)
		si.resolve(runErr)
		return nil
	default:
		si.failure = runErr
		logger.Warn(si.ctx, "saga step failed permanently, compensating", "saga.id", si.sagaID, "step.index", si.failedStep.Load(), "error", runErr.Error())
	}

	if err := store.TransitionSaga(si.rollbackCtx, si.sagaID, StatusExecuting, StatusCompensating); err != nil {
		si.resolve(err)
		return nil
	}
	return si.fsm.Fire(triggerCompensate)
}

// runNodes executes a node list sequentially, advancing the flattened step
// cursor exactly the way records() assigned indexes.
func (si *sagaInstance) runNodes(ctx context.Context, nodes []Node, idx *int) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		switch node := n.(type) {
		case *StepNode:
			i := *idx
			*idx++
			if err := si.runStep(ctx, i); err != nil {
				return err
			}
		case *SubSagaNode:
			i := *idx
			*idx++
			if err := si.runSubSaga(ctx, i, node); err != nil {
				return err
			}
		case *ParallelNode:
			if err := si.runParallel(ctx, node, idx); err != nil {
				return err
			}
		case *BranchNode:
			if err := si.runBranch(ctx, node, idx); err != nil {
				return err
			}
		default:
			return errors.Join(ErrCoordinator, fmt.Errorf("unknown node type %T", n))
		}
	}
	return nil
}

func (si *sagaInstance) runStep(ctx context.Context, index int) error {
	sg, err := si.c.store.LoadSaga(ctx, si.sagaID)
	if err != nil {
		return err
	}
	rec := sg.StepByIndex(index)
	if rec == nil {
		return errors.Join(ErrCoordinator, fmt.Errorf("saga %s has no step %d", si.sagaID, index))
	}
	if err := si.c.exec.runForward(ctx, si.sagaID, rec); err != nil {
		si.noteFailure(index)
		return err
	}
	return nil
}

// runParallel dispatches the block's children concurrently. The default is
// wait-all: a failing child never interrupts its siblings, the block joins
// everyone and then reports the first failure. FailFast cancels the
// siblings' retry loops instead; in-flight attempts still finish.
func (si *sagaInstance) runParallel(ctx context.Context, node *ParallelNode, idx *int) error {
	si.c.cfg.logger.Debug(ctx, "parallel block start", "saga.id", si.sagaID, "block.name", node.Name, "block.children", len(node.Children))

	childCtx := ctx
	var g *errgroup.Group
	if node.FailFast {
		g, childCtx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	base := *idx
	for _, child := range node.Children {
		child := child
		start := base
		base += nodeSpan(child)
		g.Go(func() error {
			cursor := start
			return si.runNodes(childCtx, []Node{child}, &cursor)
		})
	}
	*idx = base
	return g.Wait()
}

// runBranch selects exactly one arm. On a fresh run the arms' predicates are
// evaluated in order against the current context, the nil-predicate arm
// serving as fallback. On resumption an arm that already has progress wins
// outright, so a context mutated by the arm's own steps can never flip the
// selection.
func (si *sagaInstance) runBranch(ctx context.Context, node *BranchNode, idx *int) error {
	sg, err := si.c.store.LoadSaga(ctx, si.sagaID)
	if err != nil {
		return err
	}

	base := *idx
	type span struct{ start, end int }
	spans := make([]span, len(node.Arms))
	for i, arm := range node.Arms {
		width := 0
		for _, child := range arm.Children {
			width += nodeSpan(child)
		}
		spans[i] = span{base, base + width}
		base += width
	}
	*idx = base

	selected := -1
	for i := range node.Arms {
		for j := spans[i].start; j < spans[i].end; j++ {
			if rec := sg.StepByIndex(j); rec != nil && rec.State != StepPending {
				selected = i
			}
		}
		if selected >= 0 {
			break
		}
	}

	if selected < 0 {
		fallback := -1
		for i, arm := range node.Arms {
			if arm.When == nil {
				fallback = i
				continue
			}
			if arm.When(sg.Context) {
				selected = i
				break
			}
		}
		if selected < 0 {
			selected = fallback
		}
	}
	if selected < 0 {
		return errors.Join(ErrBranchNotSelected, fmt.Errorf("branch %q: no arm matched and no default arm is defined", node.Name))
	}

	si.c.cfg.logger.Debug(ctx, "branch arm selected", "saga.id", si.sagaID, "branch.name", node.Name, "branch.arm", node.Arms[selected].Name)
	cursor := spans[selected].start
	return si.runNodes(ctx, node.Arms[selected].Children, &cursor)
}

// childSagaID derives the deterministic id of a sub-saga, so a recovery
// re-walk finds the same child it started before the crash.
func childSagaID(parentID string, stepIndex int) string {
	ns, err := uuid.Parse(parentID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID))
	}
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("child:%d", stepIndex))).String()
}

// runSubSaga executes a child saga as one step of the parent. The child has
// its own records, retries and compensations; the parent only observes the
// terminal outcome.
func (si *sagaInstance) runSubSaga(ctx context.Context, index int, node *SubSagaNode) error {
	store := si.c.store
	sg, err := store.LoadSaga(ctx, si.sagaID)
	if err != nil {
		return err
	}
	rec := sg.StepByIndex(index)
	if rec == nil {
		return errors.Join(ErrCoordinator, fmt.Errorf("saga %s has no step %d", si.sagaID, index))
	}
	switch rec.State {
	case StepSucceeded:
		return nil
	case StepFailed:
		si.noteFailure(index)
		return errors.Join(ErrStepFailed, errors.New(rec.LastError))
	case StepPending, StepExecuting, StepRetrying:
	default:
		return errors.Join(ErrCoordinator, fmt.Errorf("sub-saga step %d in unexpected state %s", index, rec.State))
	}

	requestID := rec.RequestID
	if requestID == "" {
		requestID = RequestIDFor(si.sagaID, index, rec.Epoch, false)
	}
	started := time.Now().UTC()
	update := StepUpdate{RequestID: requestID, AttemptCount: rec.AttemptCount + 1}
	if rec.State == StepPending {
		update.StartedAt = &started
	}
	if err := store.TransitionStep(ctx, si.sagaID, index, rec.State, StepExecuting, update); err != nil {
		return err
	}

	childID := childSagaID(si.sagaID, index)
	res, err := si.c.Execute(ctx, node.Definition.ID, sg.Context,
		WithSagaID(childID),
		WithCreationKey(fmt.Sprintf("%s/%d", si.sagaID, index)))
	if err != nil {
		completed := time.Now().UTC()
		msg := err.Error()
		if trErr := store.TransitionStep(ctx, si.sagaID, index, StepExecuting, StepFailed, StepUpdate{
			LastError:   msg,
			CompletedAt: &completed,
		}); trErr != nil {
			return trErr
		}
		si.noteFailure(index)
		si.c.cfg.logger.Warn(ctx, "sub-saga failed", "saga.id", si.sagaID, "step.index", index, "child.id", childID, "error", msg)
		return errors.Join(ErrStepFailed, err)
	}

	for k, v := range res.Context {
		if setErr := store.SetContext(ctx, si.sagaID, k, v); setErr != nil {
			return setErr
		}
	}
	completed := time.Now().UTC()
	if err := store.TransitionStep(ctx, si.sagaID, index, StepExecuting, StepSucceeded, StepUpdate{
		Result:      Payload(res.Context),
		CompletedAt: &completed,
	}); err != nil {
		return err
	}
	si.c.cfg.logger.Debug(ctx, "sub-saga succeeded", "saga.id", si.sagaID, "step.index", index, "child.id", childID)
	return nil
}

// compensateSubSaga rolls the completed child saga back, then marks the
// parent step compensated.
func (si *sagaInstance) compensateSubSaga(ctx context.Context, rec *StepRecord) error {
	store := si.c.store
	if err := store.TransitionStep(ctx, si.sagaID, rec.Index, rec.State, StepCompensating, StepUpdate{}); err != nil {
		return err
	}

	childID := childSagaID(si.sagaID, rec.Index)
	child, err := store.LoadSaga(ctx, childID)
	if err != nil {
		return err
	}
	if child.Status == StatusCompleted {
		if err := store.TransitionSaga(ctx, childID, StatusCompleted, StatusCompensating); err != nil {
			return err
		}
	}
	if child.Status != StatusRolledBack {
		if _, err := si.c.RecoverSaga(ctx, childID, RecoveryAutomatic); !errors.Is(err, ErrSagaRolledBack) {
			if err == nil {
				err = errors.New("child saga did not roll back")
			}
			if trErr := store.TransitionStep(ctx, si.sagaID, rec.Index, StepCompensating, StepCompensationFailed, StepUpdate{
				LastError: err.Error(),
			}); trErr != nil {
				return trErr
			}
			return errors.Join(ErrCompensationFailed, err)
		}
	}
	completed := time.Now().UTC()
	return store.TransitionStep(ctx, si.sagaID, rec.Index, StepCompensating, StepCompensated, StepUpdate{
		CompletedAt: &completed,
	})
}

func (si *sagaInstance) executeRollback(_ context.Context, _ ...any) error {
	ctx := si.rollbackCtx
	store := si.c.store
	logger := si.c.cfg.logger

	sg, err := store.LoadSaga(ctx, si.sagaID)
	if err != nil {
		si.resolve(err)
		return nil
	}

	indexes := compensatableInReverse(sg, si.manual)
	logger.Info(ctx, "rollback start", "saga.id", si.sagaID, "rollback.steps", len(indexes))

	for _, index := range indexes {
		rec := sg.StepByIndex(index)
		var compErr error
		if rec.Forward.Service == subSagaService {
			compErr = si.compensateSubSaga(ctx, rec)
		} else {
			compErr = si.c.exec.runCompensation(ctx, si.sagaID, rec)
		}
		if compErr != nil {
			if errors.Is(compErr, ErrStaleState) {
				// Lost the compare-and-swap race mid-rollback: another driver
				// owns the saga now, so abort without touching its outcome.
				logger.Warn(ctx, "rollback stolen by another driver", "saga.id", si.sagaID, "step.index", index)
				si.resolve(compErr)
				return nil
			}
			msg := compErr.Error()
			if si.failure != nil {
				msg = si.failure.Error() + "; " + msg
			}
			if err := store.Finalize(ctx, si.sagaID, StatusFailed, msg); err != nil {
				si.resolve(err)
				return nil
			}
			si.failure = errors.Join(si.failure, compErr)
			return si.fsm.Fire(triggerFail)
		}
		// Reload so later compensations see any context the store mutated.
		if sg, err = store.LoadSaga(ctx, si.sagaID); err != nil {
			si.resolve(err)
			return nil
		}
	}

	// On a recovery-driven rollback si.failure is nil; keep the failure
	// detail persisted before the crash instead of blanking it.
	lastError := sg.LastError
	if si.failure != nil {
		lastError = si.failure.Error()
	}
	if err := store.Finalize(ctx, si.sagaID, StatusRolledBack, lastError); err != nil {
		si.resolve(err)
		return nil
	}
	return si.fsm.Fire(triggerRolledBack)
}

// compensatableInReverse lists the step indexes rollback must visit, in
// descending completion order. Steps caught mid-compensation by a crash are
// included; compensation-failed steps join only on a manual redrive.
func compensatableInReverse(sg *Saga, manual bool) []int {
	type done struct{ index, seq int }
	var steps []done
	for i := range sg.Steps {
		switch sg.Steps[i].State {
		case StepSucceeded, StepCompensating:
		case StepCompensationFailed:
			if !manual {
				continue
			}
		default:
			continue
		}
		steps = append(steps, done{sg.Steps[i].Index, sg.Steps[i].CompletionSeq})
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].seq > steps[j-1].seq; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	out := make([]int, len(steps))
	for i, d := range steps {
		out[i] = d.index
	}
	return out
}

func (si *sagaInstance) onCompleted(_ context.Context, _ ...any) error {
	ctx := si.rollbackCtx
	if err := si.c.store.Finalize(ctx, si.sagaID, StatusCompleted, ""); err != nil {
		si.resolve(err)
		return nil
	}
	si.c.cfg.logger.Info(ctx, "saga completed", "saga.id", si.sagaID)
	si.resolve(nil)
	return nil
}

func (si *sagaInstance) onRolledBack(_ context.Context, _ ...any) error {
	ctx := si.rollbackCtx
	err := ErrSagaRolledBack
	if si.canceled {
		err = errors.Join(ErrSagaCanceled, ErrSagaRolledBack)
	} else if si.failure != nil {
		err = errors.Join(ErrSagaRolledBack, si.failure)
	}
	si.c.cfg.logger.Info(ctx, "saga rolled back", "saga.id", si.sagaID, "saga.canceled", si.canceled)
	si.resolve(err)
	return nil
}

func (si *sagaInstance) onFailed(_ context.Context, _ ...any) error {
	ctx := si.rollbackCtx
	si.c.cfg.logger.Error(ctx, "saga failed, rollback incomplete", "saga.id", si.sagaID)
	si.resolve(errors.Join(ErrSagaFailed, si.failure))
	return nil
}

func (si *sagaInstance) noteFailure(index int) {
	si.failedStep.CompareAndSwap(-1, int64(index))
}

// resolve loads the final persisted record and settles the future with it.
func (si *sagaInstance) resolve(err error) {
	sg, loadErr := si.c.store.LoadSaga(si.rollbackCtx, si.sagaID)
	if loadErr != nil {
		si.future.resolve(nil, errors.Join(err, loadErr))
		return
	}
	res := resultOf(sg)
	if res.FailedStep < 0 {
		res.FailedStep = int(si.failedStep.Load())
	}
	si.future.resolve(res, err)
}
