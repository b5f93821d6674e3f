package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/definition"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/internal/retry"
	"github.com/pitabwire/conduit/model"
)

// Executor dispatches a single stage attempt to its runner.
type Executor interface {
	Execute(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stageOutcome is the result of driving one stage through its attempts.
type stageOutcome int

const (
	stageCompleted stageOutcome = iota
	stageFailed
	stageCancelled
	// stageAborted means the dispatch context ended: engine shutdown or the
	// workflow-level deadline.
	stageAborted
)

// Machine drives one execution from pending to a terminal status. Stages run
// one at a time in dependency order; a failed attempt is retried with the
// stage's backoff until its attempts are exhausted.
type Machine struct {
	gateway      Executor
	executions   *executionRegistry
	emit         func(ctx context.Context, kind model.EventKind, workflowID, executionID string, data map[string]any)
	logger       *zap.Logger
	metrics      *observability.Metrics
	sleep        Sleeper
	now          func() time.Time
	stageTimeout time.Duration
}

// Run executes the workflow for executionID. It returns when the execution
// is terminal or ctx is done.
func (m *Machine) Run(ctx context.Context, executionID string, wf model.Workflow, params map[string]any) {
	ctx = observability.WithExecution(ctx, wf.ID, executionID)
	logger := observability.ExecutionLogger(ctx, m.logger)

	rec, ok := m.executions.record(executionID)
	if !ok {
		logger.Error("execution not registered")
		return
	}

	// 1. pending → running. A cancel that landed first wins.
	exec, started, _ := m.executions.update(ctx, executionID, func(e *model.Execution) bool {
		if e.Status != model.ExecutionStatusPending {
			return false
		}
		e.Status = model.ExecutionStatusRunning
		m.appendLog(e, model.LogLevelInfo, "", "execution started")
		return true
	})
	if !started {
		logger.Info("execution not started", zap.String("status", exec.Status))
		return
	}

	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		observability.AttrWorkflowID.String(wf.ID),
		observability.AttrExecutionID.String(executionID),
		observability.AttrTrigger.String(exec.TriggeredBy.Type),
	)
	var runErr error
	defer func() { observability.EndSpanWithError(span, runErr) }()

	m.metrics.RecordExecutionStart(wf.ID, exec.TriggeredBy.Type)
	m.emit(ctx, model.EventWorkflowStarted, wf.ID, executionID, map[string]any{
		"trigger": exec.TriggeredBy.Type,
	})
	logger.Info("execution started", zap.Int("stages", len(wf.Stages)))

	// 2. Resolve the dependency order.
	order, err := definition.TopologicalOrder(wf.Stages)
	if err != nil {
		runErr = err
		m.fail(ctx, executionID, wf.ID, "", err.Error())
		return
	}

	// 3. Apply the workflow-level deadline to stage dispatch.
	runCtx := ctx
	if wf.Configuration.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.Configuration.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	outputs := make(map[string]any, len(wf.Stages))
stages:
	for _, idx := range order {
		stage := wf.Stages[idx]
		if m.cancelled(rec) || ctx.Err() != nil {
			break
		}
		if runCtx.Err() != nil {
			runErr = m.timeout(ctx, executionID, wf, stage.ID)
			return
		}

		switch m.runStage(runCtx, rec, executionID, wf, stage, params, outputs) {
		case stageFailed:
			runErr = fmt.Errorf("stage %q failed", stage.ID)
			return
		case stageCancelled:
			break stages
		case stageAborted:
			if ctx.Err() != nil {
				break stages
			}
			runErr = m.timeout(ctx, executionID, wf, stage.ID)
			return
		}
	}

	// 4. Cancelled or stopped mid-run: skip whatever did not start.
	if m.cancelled(rec) || ctx.Err() != nil {
		_, stopped, _ := m.executions.update(ctx, executionID, func(e *model.Execution) bool {
			// CancelExecution already finished the record and skipped the
			// pending stages.
			if e.IsTerminal() {
				return false
			}
			e.Finish(model.ExecutionStatusCancelled, m.now())
			m.appendLog(e, model.LogLevelWarn, "", "execution cancelled by engine shutdown")
			e.SkipRemaining()
			return true
		})
		if stopped && !m.cancelled(rec) {
			m.metrics.RecordExecutionFinish(wf.ID, model.ExecutionStatusCancelled)
		}
		logger.Info("execution stopped after cancellation")
		return
	}

	// 5. Every stage completed.
	done, finished, _ := m.executions.update(ctx, executionID, func(e *model.Execution) bool {
		if e.IsTerminal() {
			return false
		}
		e.Finish(model.ExecutionStatusCompleted, m.now())
		m.appendLog(e, model.LogLevelInfo, "", "execution completed")
		return true
	})
	if !finished {
		return
	}
	m.metrics.RecordExecutionFinish(wf.ID, model.ExecutionStatusCompleted)
	m.emit(ctx, model.EventWorkflowCompleted, wf.ID, executionID, map[string]any{
		"duration_seconds": durationOf(done),
	})
	logger.Info("execution completed", zap.Int64("duration_seconds", durationOf(done)))
}

// runStage drives one stage through its attempts. Outputs of a completed
// stage are added to outputs.
func (m *Machine) runStage(ctx context.Context, rec *executionRecord, executionID string, wf model.Workflow, stage model.Stage, params map[string]any, outputs map[string]any) stageOutcome {
	logger := observability.ExecutionLogger(ctx, m.logger).With(zap.String("stage_id", stage.ID))
	policy := stage.RetryPolicy

	for {
		if ctx.Err() != nil {
			return stageAborted
		}

		// Mark running and count the attempt.
		var attempt int
		_, ok, _ := m.executions.update(ctx, executionID, func(e *model.Execution) bool {
			if e.IsTerminal() {
				return false
			}
			se := e.StageByID(stage.ID)
			now := m.now()
			se.Status = model.StageStatusRunning
			se.Attempts++
			se.Error = ""
			if se.StartTime == nil {
				se.StartTime = &now
			}
			attempt = se.Attempts
			m.appendLog(e, model.LogLevelInfo, stage.ID, fmt.Sprintf("attempt %d started", attempt))
			return true
		})
		if !ok {
			return stageCancelled
		}

		out, elapsed, err := m.attempt(ctx, wf, stage, executionID, attempt, params, outputs)

		if err == nil {
			m.metrics.RecordStageAttempt(wf.ID, stage.ID, "success", elapsed)
			recorded := model.CloneMap(out)
			m.executions.update(ctx, executionID, func(e *model.Execution) bool {
				se := e.StageByID(stage.ID)
				now := m.now()
				se.Status = model.StageStatusCompleted
				se.EndTime = &now
				se.DurationMs = now.Sub(*se.StartTime).Milliseconds()
				se.Outputs = recorded
				// A terminal execution only takes the outcome of the stage
				// that was in flight.
				if e.IsTerminal() {
					return true
				}
				if e.Outputs == nil {
					e.Outputs = map[string]any{}
				}
				e.Outputs[stage.ID] = recorded
				m.appendLog(e, model.LogLevelInfo, stage.ID, fmt.Sprintf("completed after %d attempt(s)", attempt))
				return true
			})
			outputs[stage.ID] = model.CloneMap(out)
			logger.Info("stage completed", zap.Int("attempt", attempt), zap.Duration("elapsed", elapsed))
			return stageCompleted
		}

		m.metrics.RecordStageAttempt(wf.ID, stage.ID, "failure", elapsed)
		retryable := !model.HasCode(err, model.ErrUnsupportedStageService) && retry.ShouldRetry(policy, attempt)

		if m.cancelled(rec) || ctx.Err() != nil {
			// The attempt ended after a cancel or past the dispatch deadline;
			// record it and stop.
			m.executions.update(ctx, executionID, func(e *model.Execution) bool {
				se := e.StageByID(stage.ID)
				now := m.now()
				se.Status = model.StageStatusFailed
				se.EndTime = &now
				se.DurationMs = now.Sub(*se.StartTime).Milliseconds()
				se.Error = err.Error()
				return true
			})
			if m.cancelled(rec) {
				return stageCancelled
			}
			return stageAborted
		}

		if !retryable {
			logger.Error("stage failed", zap.Int("attempt", attempt), zap.Error(err))
			m.executions.update(ctx, executionID, func(e *model.Execution) bool {
				se := e.StageByID(stage.ID)
				now := m.now()
				se.Status = model.StageStatusFailed
				se.EndTime = &now
				se.DurationMs = now.Sub(*se.StartTime).Milliseconds()
				se.Error = err.Error()
				m.appendLog(e, model.LogLevelError, stage.ID, fmt.Sprintf("attempt %d failed: %v", attempt, err))
				return true
			})
			m.fail(ctx, executionID, wf.ID, stage.ID, err.Error())
			return stageFailed
		}

		delay := retry.Delay(policy, attempt)
		logger.Warn("stage attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		m.metrics.RecordStageRetry(wf.ID, stage.ID)
		m.executions.update(ctx, executionID, func(e *model.Execution) bool {
			if e.IsTerminal() {
				return false
			}
			se := e.StageByID(stage.ID)
			se.Status = model.StageStatusPending
			se.Error = err.Error()
			m.appendLog(e, model.LogLevelWarn, stage.ID,
				fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, err, delay))
			return true
		})

		if err := m.backoff(ctx, rec, delay); err != nil || m.cancelled(rec) {
			if m.cancelled(rec) {
				return stageCancelled
			}
			return stageAborted
		}
	}
}

// attempt dispatches one stage attempt with its deadline applied.
func (m *Machine) attempt(ctx context.Context, wf model.Workflow, stage model.Stage, executionID string, attempt int, params, outputs map[string]any) (map[string]any, time.Duration, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.stage",
		observability.AttrStageID.String(stage.ID),
		observability.AttrService.String(stage.Service),
		observability.AttrAttempt.Int(attempt),
	)

	timeout := m.stageTimeout
	if stage.TimeoutSeconds > 0 {
		timeout = time.Duration(stage.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execCtx := model.ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  wf.ID,
		Attempt:     attempt,
		Outputs:     model.CloneMap(outputs),
	}

	start := time.Now()
	out, err := m.dispatch(ctx, stage, execCtx, model.CloneMap(params))
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)

	if err == nil && out == nil {
		out = map[string]any{}
	}
	return out, elapsed, err
}

// timeout fails the execution because the workflow-level deadline passed
// before stageID could finish.
func (m *Machine) timeout(ctx context.Context, executionID string, wf model.Workflow, stageID string) error {
	msg := fmt.Sprintf("workflow timeout of %ds exceeded", wf.Configuration.TimeoutSeconds)
	m.fail(ctx, executionID, wf.ID, stageID, msg)
	return errors.New(msg)
}

// fail marks the execution failed at stageID and skips the remaining stages.
func (m *Machine) fail(ctx context.Context, executionID, workflowID, stageID, msg string) {
	_, changed, _ := m.executions.update(ctx, executionID, func(e *model.Execution) bool {
		if e.IsTerminal() {
			return false
		}
		e.Error = &model.ExecutionFailure{Message: msg, Stage: stageID}
		e.SkipRemaining()
		e.Finish(model.ExecutionStatusFailed, m.now())
		m.appendLog(e, model.LogLevelError, stageID, "execution failed: "+msg)
		return true
	})
	if !changed {
		return
	}

	m.metrics.RecordExecutionFinish(workflowID, model.ExecutionStatusFailed)
	m.emit(ctx, model.EventWorkflowFailed, workflowID, executionID, map[string]any{
		"stage": stageID,
		"error": msg,
	})
	observability.ExecutionLogger(ctx, m.logger).Error("execution failed",
		zap.String("stage_id", stageID),
		zap.String("error", msg),
	)
}

// backoff waits d, returning early with an error when the execution is
// cancelled or ctx is done.
func (m *Machine) backoff(ctx context.Context, rec *executionRecord, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-rec.cancel:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return m.sleep(waitCtx, d)
}

func (m *Machine) cancelled(rec *executionRecord) bool {
	select {
	case <-rec.cancel:
		return true
	default:
		return false
	}
}

func (m *Machine) appendLog(e *model.Execution, level, stageID, msg string) {
	e.Logs = append(e.Logs, model.ExecutionLog{
		Timestamp: m.now(),
		Level:     level,
		StageID:   stageID,
		Message:   msg,
	})
}

// dispatch bounds a gateway call by ctx. A collaborator that ignores its
// context is abandoned at the deadline and whatever it returns later is
// discarded.
func (m *Machine) dispatch(ctx context.Context, stage model.Stage, execCtx model.ExecutionContext, params map[string]any) (map[string]any, error) {
	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.gateway.Execute(ctx, stage, execCtx, params)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			return nil, deadlineError(stage.ID, ctx.Err())
		}
		return res.out, res.err
	case <-ctx.Done():
		return nil, deadlineError(stage.ID, ctx.Err())
	}
}

func deadlineError(stageID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("stage %q timed out: %w", stageID, err)
	}
	return model.NewExecutionError(stageID, err)
}

func durationOf(e model.Execution) int64 {
	if e.Duration == nil {
		return 0
	}
	return *e.Duration
}
