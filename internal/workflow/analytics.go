package workflow

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/conduit/model"
)

const defaultStatusHistory = 50

// WorkflowStatus is a read-side projection of one workflow.
type WorkflowStatus struct {
	Workflow         model.Workflow    `json:"workflow"`
	RecentExecutions []model.Execution `json:"recent_executions"`
	ActiveExecutions int               `json:"active_executions"`
}

// SystemOverview summarises everything the engine knows about.
type SystemOverview struct {
	Workflows          map[string]int    `json:"workflows"`
	TotalWorkflows     int               `json:"total_workflows"`
	ScheduledWorkflows int               `json:"scheduled_workflows"`
	Executions         map[string]int    `json:"executions"`
	RunningExecutions  []string          `json:"running_executions"`
	RecentFailures     []model.Execution `json:"recent_failures"`
}

// Recommendation is one piece of optimisation advice.
type Recommendation struct {
	WorkflowID string `json:"workflow_id"`
	StageID    string `json:"stage_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// Recommendation kinds.
const (
	RecommendLowSuccessRate     = "low_success_rate"
	RecommendFailingStage       = "failing_stage"
	RecommendNoRetry            = "no_retry"
	RecommendNearTimeout        = "near_timeout"
	RecommendUnusedParallelism  = "unused_parallelism"
	lowSuccessRateThreshold     = 0.8
	dominantFailureShare        = 0.5
	nearTimeoutShare            = 0.8
	recentFailuresInOverview    = 10
	minExecutionsForSuccessRate = 3
)

// HealthReport is the result of one health sweep.
type HealthReport struct {
	StuckExecutions []string `json:"stuck_executions"`
	FailureRate     float64  `json:"failure_rate"`
	Warnings        []string `json:"warnings,omitempty"`
}

// GetWorkflowStatus returns workflow id, its most recent executions and
// metrics recomputed from them.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, id string) (WorkflowStatus, error) {
	wf, ok := o.workflows.Get(id)
	if !ok {
		return WorkflowStatus{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}

	recent, err := o.ListExecutions(ctx, id, o.statusHistory())
	if err != nil {
		return WorkflowStatus{}, err
	}
	wf.Metrics = computeMetrics(recent)

	active := 0
	for _, exec := range recent {
		if !exec.IsTerminal() {
			active++
		}
	}
	return WorkflowStatus{Workflow: wf, RecentExecutions: recent, ActiveExecutions: active}, nil
}

// GetSystemOverview counts workflows and executions by status.
func (o *Orchestrator) GetSystemOverview(ctx context.Context) (SystemOverview, error) {
	wfs := o.workflows.All()
	ov := SystemOverview{
		Workflows:          map[string]int{},
		TotalWorkflows:     len(wfs),
		ScheduledWorkflows: len(o.scheduler.Scheduled()),
		Executions:         map[string]int{},
		RunningExecutions:  []string{},
		RecentFailures:     []model.Execution{},
	}
	for _, wf := range wfs {
		ov.Workflows[wf.Status]++
	}

	execs, err := o.ListExecutions(ctx, "", 0)
	if err != nil {
		return SystemOverview{}, err
	}
	for _, exec := range execs {
		ov.Executions[exec.Status]++
		switch exec.Status {
		case model.ExecutionStatusRunning:
			ov.RunningExecutions = append(ov.RunningExecutions, exec.ID)
		case model.ExecutionStatusFailed:
			if len(ov.RecentFailures) < recentFailuresInOverview {
				ov.RecentFailures = append(ov.RecentFailures, exec)
			}
		}
	}
	return ov, nil
}

// OptimizeWorkflows inspects execution history and returns advisory
// recommendations. Nothing is changed.
func (o *Orchestrator) OptimizeWorkflows(ctx context.Context) ([]Recommendation, error) {
	var recs []Recommendation
	for _, wf := range o.workflows.All() {
		if wf.Status == model.WorkflowStatusArchived {
			continue
		}
		execs, err := o.ListExecutions(ctx, wf.ID, o.statusHistory())
		if err != nil {
			return nil, err
		}
		recs = append(recs, recommend(wf, execs)...)
	}
	return recs, nil
}

func recommend(wf model.Workflow, execs []model.Execution) []Recommendation {
	var recs []Recommendation
	m := computeMetrics(execs)
	terminal := 0
	for i := range execs {
		if execs[i].IsTerminal() {
			terminal++
		}
	}

	if terminal >= minExecutionsForSuccessRate && m.SuccessRate < lowSuccessRateThreshold {
		recs = append(recs, Recommendation{
			WorkflowID: wf.ID,
			Kind:       RecommendLowSuccessRate,
			Message:    fmt.Sprintf("success rate %.0f%% over the last %d runs", m.SuccessRate*100, terminal),
		})
	}

	// Which stage caused each failure.
	failuresByStage := map[string]int{}
	for _, exec := range execs {
		if exec.Status == model.ExecutionStatusFailed && exec.Error != nil && exec.Error.Stage != "" {
			failuresByStage[exec.Error.Stage]++
		}
	}
	stageIDs := make([]string, 0, len(failuresByStage))
	for id := range failuresByStage {
		stageIDs = append(stageIDs, id)
	}
	sort.Strings(stageIDs)
	for _, stageID := range stageIDs {
		n := failuresByStage[stageID]
		if m.FailedExecutions < 2 || float64(n)/float64(m.FailedExecutions) <= dominantFailureShare {
			continue
		}
		recs = append(recs, Recommendation{
			WorkflowID: wf.ID,
			StageID:    stageID,
			Kind:       RecommendFailingStage,
			Message:    fmt.Sprintf("stage caused %d of %d failures", n, m.FailedExecutions),
		})
		if idx := wf.StageIndex(stageID); idx >= 0 && wf.Stages[idx].RetryPolicy.MaxAttempts == 1 {
			recs = append(recs, Recommendation{
				WorkflowID: wf.ID,
				StageID:    stageID,
				Kind:       RecommendNoRetry,
				Message:    "stage fails often and is never retried; consider max_attempts > 1",
			})
		}
	}

	if limit := wf.Configuration.TimeoutSeconds; limit > 0 && m.SuccessfulExecutions > 0 &&
		m.AverageDurationSeconds >= nearTimeoutShare*float64(limit) {
		recs = append(recs, Recommendation{
			WorkflowID: wf.ID,
			Kind:       RecommendNearTimeout,
			Message: fmt.Sprintf("average duration %.0fs is close to the %ds timeout",
				m.AverageDurationSeconds, limit),
		})
	}

	if wf.Configuration.Parallelism > 1 {
		recs = append(recs, Recommendation{
			WorkflowID: wf.ID,
			Kind:       RecommendUnusedParallelism,
			Message:    fmt.Sprintf("parallelism %d is configured but stages run sequentially", wf.Configuration.Parallelism),
		})
	}
	return recs
}

// SweepHealth reports executions that have been unfinished for longer than
// the stuck timeout and warns when the recent failure rate is too high. It
// never cancels anything.
func (o *Orchestrator) SweepHealth(ctx context.Context) HealthReport {
	report := HealthReport{StuckExecutions: []string{}}
	now := o.now()

	for _, exec := range o.executions.list(ExecutionFilters{
		Statuses: []string{model.ExecutionStatusPending, model.ExecutionStatusRunning},
	}) {
		if o.cfg.StuckExecutionTimeout > 0 && now.Sub(exec.StartTime) > o.cfg.StuckExecutionTimeout {
			report.StuckExecutions = append(report.StuckExecutions, exec.ID)
		}
	}
	o.metrics.SetStuckExecutions(len(report.StuckExecutions))

	if n := len(report.StuckExecutions); n > 0 {
		o.emit(ctx, model.EventStuckExecutions, "", "", map[string]any{
			"execution_ids": report.StuckExecutions,
			"count":         n,
		})
		msg := fmt.Sprintf("%d execution(s) unfinished for more than %s", n, o.cfg.StuckExecutionTimeout)
		report.Warnings = append(report.Warnings, msg)
		o.emit(ctx, model.EventHealthWarning, "", "", map[string]any{"message": msg})
		o.logger.Warn("stuck executions", zap.Strings("execution_ids", report.StuckExecutions))
	}

	var failed, terminal int
	for _, exec := range o.executions.list(ExecutionFilters{
		Statuses: []string{model.ExecutionStatusCompleted, model.ExecutionStatusFailed, model.ExecutionStatusCancelled},
		Limit:    o.statusHistory(),
	}) {
		terminal++
		if exec.Status == model.ExecutionStatusFailed {
			failed++
		}
	}
	if terminal > 0 {
		report.FailureRate = float64(failed) / float64(terminal)
	}
	if o.cfg.FailureRateWarning > 0 && report.FailureRate > o.cfg.FailureRateWarning {
		msg := fmt.Sprintf("failure rate %.0f%% over the last %d executions", report.FailureRate*100, terminal)
		report.Warnings = append(report.Warnings, msg)
		o.emit(ctx, model.EventHealthWarning, "", "", map[string]any{
			"message":      msg,
			"failure_rate": report.FailureRate,
		})
		o.logger.Warn("high failure rate", zap.Float64("failure_rate", report.FailureRate), zap.Int("executions", terminal))
	}
	return report
}

func (o *Orchestrator) statusHistory() int {
	if o.cfg.StatusHistory > 0 {
		return o.cfg.StatusHistory
	}
	return defaultStatusHistory
}

// computeMetrics derives workflow metrics from its executions. The success
// rate is completed over terminal; the average duration covers terminal
// executions that have one.
func computeMetrics(execs []model.Execution) model.WorkflowMetrics {
	var m model.WorkflowMetrics
	var durations int64
	var timed, terminal int

	for i := range execs {
		exec := &execs[i]
		m.TotalExecutions++
		if m.LastExecutionAt == nil || exec.StartTime.After(*m.LastExecutionAt) {
			t := exec.StartTime
			m.LastExecutionAt = &t
		}
		switch exec.Status {
		case model.ExecutionStatusCompleted:
			m.SuccessfulExecutions++
		case model.ExecutionStatusFailed:
			m.FailedExecutions++
		}
		if !exec.IsTerminal() {
			continue
		}
		terminal++
		if exec.Duration != nil {
			durations += *exec.Duration
			timed++
		}
	}

	if terminal > 0 {
		m.SuccessRate = float64(m.SuccessfulExecutions) / float64(terminal)
	}
	if timed > 0 {
		m.AverageDurationSeconds = float64(durations) / float64(timed)
	}
	return m
}
