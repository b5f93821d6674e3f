package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/definition"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/model"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the Prometheus metrics. Nil disables metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventSink sets where lifecycle events go. Without it the orchestrator
// owns an EventBus with no subscribers and closes it on Shutdown.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.events = s }
}

// WithConfig sets the engine configuration.
func WithConfig(cfg config.EngineConfig) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// ExecuteOptions are the caller-supplied inputs of one execution.
type ExecuteOptions struct {
	Parameters  map[string]any
	TriggeredBy model.Trigger
}

// Orchestrator is the facade over workflow definitions, executions and
// their schedules.
type Orchestrator struct {
	store   Store
	gateway Executor
	cfg     config.EngineConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	events  EventSink
	ownBus  *EventBus
	sleep   Sleeper
	now     func() time.Time

	workflows  *definition.WorkflowRegistry
	executions *executionRegistry
	machine    *Machine
	scheduler  *Scheduler

	// mu serialises workflow mutations together with their schedule
	// changes. Scheduled triggers never take it.
	mu sync.Mutex

	ctx  context.Context
	stop context.CancelFunc

	lifeMu   sync.Mutex
	closing  bool
	machines sync.WaitGroup
	sweeper  chan struct{}
}

// NewOrchestrator creates an orchestrator that persists through store and
// dispatches stages through gateway.
func NewOrchestrator(store Store, gateway Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		gateway: gateway,
		cfg:     config.DefaultEngine(),
		logger:  zap.NewNop(),
		sleep:   sleepContext,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.events == nil {
		o.ownBus = NewEventBus(0, o.logger, o.metrics)
		o.events = o.ownBus
	}

	o.ctx, o.stop = context.WithCancel(context.Background())
	o.workflows = definition.NewWorkflowRegistry(nil)
	o.executions = newExecutionRegistry(store, func(exec model.Execution, err error) {
		o.logger.Error("persist execution failed",
			zap.String("workflow_id", exec.WorkflowID),
			zap.String("execution_id", exec.ID),
			zap.String("status", exec.Status),
			zap.Error(err),
		)
	})
	o.machine = &Machine{
		gateway:      gateway,
		executions:   o.executions,
		emit:         o.emit,
		logger:       o.logger,
		metrics:      o.metrics,
		sleep:        o.sleep,
		now:          o.now,
		stageTimeout: o.cfg.DefaultStageTimeout,
	}
	o.scheduler = NewScheduler(o.scheduledRun, o.logger)
	return o
}

// CreateWorkflow fills defaults, validates and registers wf. An invalid
// definition is returned as VALIDATION_ERROR and nothing is stored.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	wf = wf.Clone()
	now := o.now()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowStatusDraft
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.Metrics = model.WorkflowMetrics{}
	o.applyDefaultRetry(&wf)

	if err := definition.ValidateWorkflow(wf); err != nil {
		return model.Workflow{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.workflows.Get(wf.ID); exists {
		return model.Workflow{}, model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return model.Workflow{}, fmt.Errorf("create workflow: %w", err)
	}
	o.workflows.Put(wf)
	o.metrics.SetWorkflowsRegistered(o.workflows.Len())
	o.syncSchedule(wf)

	o.emit(ctx, model.EventWorkflowCreated, wf.ID, "", map[string]any{
		"name":    wf.Name,
		"version": wf.Version,
		"stages":  len(wf.Stages),
	})
	o.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("status", wf.Status),
		zap.Int("stages", len(wf.Stages)),
	)
	return wf, nil
}

// UpdateWorkflow replaces the definition of workflow id and bumps its
// version. Identity, status and creation time are kept.
func (o *Orchestrator) UpdateWorkflow(ctx context.Context, id string, wf model.Workflow) (model.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.workflows.Get(id)
	if !ok {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if cur.Status == model.WorkflowStatusArchived {
		return model.Workflow{}, model.NewInvalidStateError(fmt.Sprintf("workflow %q is archived", id))
	}

	next := wf.Clone()
	next.ID = cur.ID
	next.Status = cur.Status
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = o.now()
	next.Metrics = model.WorkflowMetrics{}
	o.applyDefaultRetry(&next)

	if err := definition.ValidateWorkflow(next); err != nil {
		return model.Workflow{}, err
	}
	if err := o.store.UpdateWorkflow(ctx, next); err != nil {
		return model.Workflow{}, fmt.Errorf("update workflow: %w", err)
	}
	o.workflows.Put(next)
	o.syncSchedule(next)

	o.logger.Info("workflow updated",
		zap.String("workflow_id", id),
		zap.Int("version", next.Version),
	)
	return next, nil
}

// SetWorkflowStatus moves workflow id to status. Allowed: draft→active,
// active↔paused and anything→archived. Archived is final.
func (o *Orchestrator) SetWorkflowStatus(ctx context.Context, id, status string) (model.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.workflows.Get(id)
	if !ok {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if cur.Status == status {
		return cur, nil
	}
	if !statusTransitionAllowed(cur.Status, status) {
		return model.Workflow{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %q cannot move from %s to %s", id, cur.Status, status),
		)
	}

	next := cur.Clone()
	next.Status = status
	next.UpdatedAt = o.now()
	if err := o.store.UpdateWorkflow(ctx, next); err != nil {
		return model.Workflow{}, fmt.Errorf("update workflow status: %w", err)
	}
	o.workflows.Put(next)
	o.syncSchedule(next)

	o.logger.Info("workflow status changed",
		zap.String("workflow_id", id),
		zap.String("from", cur.Status),
		zap.String("to", status),
	)
	return next, nil
}

func statusTransitionAllowed(from, to string) bool {
	switch to {
	case model.WorkflowStatusArchived:
		return from != model.WorkflowStatusArchived
	case model.WorkflowStatusActive:
		return from == model.WorkflowStatusDraft || from == model.WorkflowStatusPaused
	case model.WorkflowStatusPaused:
		return from == model.WorkflowStatusActive
	}
	return false
}

// GetWorkflow returns workflow id with its metrics recomputed.
func (o *Orchestrator) GetWorkflow(_ context.Context, id string) (model.Workflow, error) {
	wf, ok := o.workflows.Get(id)
	if !ok {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	wf.Metrics = computeMetrics(o.executions.list(ExecutionFilters{WorkflowID: id}))
	return wf, nil
}

// ListWorkflows returns every registered workflow ordered by ID.
func (o *Orchestrator) ListWorkflows(_ context.Context) []model.Workflow {
	wfs := o.workflows.All()
	for i := range wfs {
		wfs[i].Metrics = computeMetrics(o.executions.list(ExecutionFilters{WorkflowID: wfs[i].ID}))
	}
	return wfs
}

// ExecuteWorkflow starts an execution of workflow id and returns its ID.
// Only active workflows execute; nothing is created otherwise.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string, opts ExecuteOptions) (string, error) {
	wf, ok := o.workflows.Get(id)
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if wf.Status != model.WorkflowStatusActive {
		return "", model.NewInvalidStateError(
			fmt.Sprintf("workflow %q is %s, only active workflows can execute", id, wf.Status),
		)
	}

	trigger := opts.TriggeredBy
	if trigger.Type == "" {
		trigger.Type = model.TriggerManual
	}
	exec := model.NewExecution(uuid.New().String(), &wf, trigger, opts.Parameters, o.now())

	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.closing {
		return "", model.NewInvalidStateError("engine is shutting down")
	}

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	o.executions.add(exec, true)

	o.machines.Add(1)
	go func() {
		defer o.machines.Done()
		o.machine.Run(o.ctx, exec.ID, wf, exec.Parameters)
	}()

	observability.ExecutionLogger(observability.WithExecution(ctx, wf.ID, exec.ID), o.logger).
		Info("execution queued",
			zap.String("trigger", trigger.Type),
			zap.Any("parameters", observability.RedactBody(exec.Parameters, o.cfg.SensitiveParameters)),
		)
	return exec.ID, nil
}

// GetExecution returns execution id from memory, falling back to the store
// for executions started by an earlier process.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	if exec, ok := o.executions.get(id); ok {
		return exec, nil
	}
	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return model.Execution{}, err
	}
	return exec, nil
}

// ListExecutions returns executions newest first, optionally restricted to
// one workflow. A non-positive limit returns everything.
func (o *Orchestrator) ListExecutions(ctx context.Context, workflowID string, limit int) ([]model.Execution, error) {
	filters := ExecutionFilters{WorkflowID: workflowID, Limit: limit}
	stored, err := o.store.ListExecutions(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	merged := make(map[string]model.Execution, len(stored))
	for _, exec := range stored {
		merged[exec.ID] = exec
	}
	for _, exec := range o.executions.list(ExecutionFilters{WorkflowID: workflowID}) {
		merged[exec.ID] = exec
	}

	result := make([]model.Execution, 0, len(merged))
	for _, exec := range merged {
		result = append(result, exec)
	}
	sortNewestFirst(result)
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// CancelExecution cancels execution id. Cancelling a terminal execution is
// a no-op that returns the record unchanged. A stage already dispatched runs
// to completion; no further stage starts.
func (o *Orchestrator) CancelExecution(ctx context.Context, id string) (model.Execution, error) {
	rec, ok := o.executions.record(id)
	if !ok {
		stored, err := o.store.GetExecution(ctx, id)
		if err != nil {
			return model.Execution{}, err
		}
		if stored.IsTerminal() {
			return stored, nil
		}
		rec = o.executions.add(stored, false)
	}

	var prev string
	exec, changed, _ := o.executions.update(ctx, id, func(e *model.Execution) bool {
		if e.IsTerminal() {
			return false
		}
		prev = e.Status
		e.Finish(model.ExecutionStatusCancelled, o.now())
		if rec.live {
			// The machine records the stage in flight and skips the rest.
			for i := range e.Stages {
				if e.Stages[i].Status == model.StageStatusPending {
					e.Stages[i].Status = model.StageStatusSkipped
				}
			}
		} else {
			e.SkipRemaining()
		}
		e.Logs = append(e.Logs, model.ExecutionLog{
			Timestamp: o.now(),
			Level:     model.LogLevelWarn,
			Message:   "execution cancelled",
		})
		return true
	})
	rec.signalCancel()
	if !changed {
		return exec, nil
	}

	if rec.live && prev == model.ExecutionStatusRunning {
		o.metrics.RecordExecutionFinish(exec.WorkflowID, model.ExecutionStatusCancelled)
	}
	o.emit(ctx, model.EventWorkflowCancelled, exec.WorkflowID, exec.ID, map[string]any{
		"previous_status": prev,
	})
	observability.ExecutionLogger(observability.WithExecution(ctx, exec.WorkflowID, exec.ID), o.logger).
		Info("execution cancelled", zap.String("previous_status", prev))
	return exec, nil
}

// LoadExistingWorkflows rehydrates the registries from the store: every
// workflow is registered, active workflows with an enabled schedule are
// armed, and unfinished executions are loaded so the health sweep can
// report them.
func (o *Orchestrator) LoadExistingWorkflows(ctx context.Context) error {
	wfs, err := o.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	o.mu.Lock()
	o.workflows.Replace(wfs)
	for _, wf := range wfs {
		o.syncSchedule(wf)
	}
	o.mu.Unlock()
	o.metrics.SetWorkflowsRegistered(len(wfs))

	unfinished, err := o.store.ListExecutions(ctx, ExecutionFilters{
		Statuses: []string{model.ExecutionStatusPending, model.ExecutionStatusRunning},
	})
	if err != nil {
		return fmt.Errorf("load executions: %w", err)
	}
	for _, exec := range unfinished {
		if _, known := o.executions.record(exec.ID); !known {
			o.executions.add(exec, false)
		}
	}

	o.logger.Info("workflows loaded",
		zap.Int("workflows", len(wfs)),
		zap.Int("scheduled", len(o.scheduler.Scheduled())),
		zap.Int("unfinished_executions", len(unfinished)),
	)
	return nil
}

// Start begins the periodic health sweep. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	interval := o.cfg.HealthCheckInterval
	if interval <= 0 {
		return
	}

	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.closing || o.sweeper != nil {
		return
	}
	o.sweeper = make(chan struct{})

	go func() {
		defer close(o.sweeper)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.SweepHealth(o.ctx)
			}
		}
	}()
}

// Shutdown disarms every schedule, stops the health sweep, cancels every
// unfinished execution and waits for running machines until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifeMu.Lock()
	if o.closing {
		o.lifeMu.Unlock()
		return nil
	}
	o.closing = true
	sweeper := o.sweeper
	o.lifeMu.Unlock()

	o.scheduler.Stop()
	o.metrics.SetScheduledWorkflows(0)

	for _, id := range o.executions.nonTerminal() {
		if _, err := o.CancelExecution(ctx, id); err != nil {
			o.logger.Warn("cancel on shutdown failed", zap.String("execution_id", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.machines.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for executions: %w", ctx.Err())
	}

	o.stop()
	if sweeper != nil {
		<-sweeper
	}
	if o.ownBus != nil {
		if cerr := o.ownBus.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	o.logger.Info("orchestrator stopped")
	return err
}

// scheduledRun is the scheduler's trigger. It must not take o.mu.
func (o *Orchestrator) scheduledRun(ctx context.Context, workflowID string) error {
	_, err := o.ExecuteWorkflow(ctx, workflowID, ExecuteOptions{
		TriggeredBy: model.Trigger{Type: model.TriggerSchedule, Source: "scheduler"},
	})
	if err != nil {
		o.metrics.RecordScheduledRun(workflowID, "error")
		return err
	}
	o.metrics.RecordScheduledRun(workflowID, "started")
	return nil
}

// syncSchedule arms or disarms wf's schedule to match its status. Caller
// holds o.mu.
func (o *Orchestrator) syncSchedule(wf model.Workflow) {
	defer func() { o.metrics.SetScheduledWorkflows(len(o.scheduler.Scheduled())) }()

	if wf.Status != model.WorkflowStatusActive || wf.Schedule == nil || !wf.Schedule.Enabled {
		o.scheduler.Unschedule(wf.ID)
		return
	}
	interval, err := definition.ParseInterval(*wf.Schedule)
	if err != nil {
		o.logger.Warn("schedule not armed", zap.String("workflow_id", wf.ID), zap.Error(err))
		o.scheduler.Unschedule(wf.ID)
		return
	}
	if cur, ok := o.scheduler.Interval(wf.ID); ok && cur == interval {
		return
	}
	o.scheduler.Schedule(wf.ID, interval)
}

// applyDefaultRetry gives stages without any retry settings the engine's
// default policy.
func (o *Orchestrator) applyDefaultRetry(wf *model.Workflow) {
	for i := range wf.Stages {
		if wf.Stages[i].RetryPolicy.IsZero() {
			wf.Stages[i].RetryPolicy = o.cfg.DefaultRetry
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, kind model.EventKind, workflowID, executionID string, data map[string]any) {
	evt := model.Event{
		ID:          uuid.New().String(),
		Kind:        kind,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Timestamp:   o.now(),
		Data:        data,
	}
	if err := o.events.Publish(ctx, evt); err != nil {
		o.logger.Warn("publish event failed",
			zap.String("kind", string(kind)),
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}
}
