package model

import "time"

// Execution status constants.
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// Stage execution status constants.
const (
	StageStatusPending   = "pending"
	StageStatusRunning   = "running"
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
	StageStatusSkipped   = "skipped"
)

// Log levels used in ExecutionLog entries.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Execution is one run of a workflow.
type Execution struct {
	ID            string            `json:"id"`
	WorkflowID    string            `json:"workflow_id"`
	Status        string            `json:"status"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Duration      *int64            `json:"duration,omitempty"` // whole seconds
	TriggeredBy   Trigger           `json:"triggered_by"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	Stages        []StageExecution  `json:"stages"`
	Outputs       map[string]any    `json:"outputs,omitempty"`
	Metrics       map[string]any    `json:"metrics,omitempty"`
	Logs          []ExecutionLog    `json:"logs,omitempty"`
	Error         *ExecutionFailure `json:"error,omitempty"`
	ResourceUsage map[string]any    `json:"resource_usage,omitempty"`
}

// StageExecution is the per-stage record inside an execution. Attempts never
// exceeds the stage's RetryPolicy.MaxAttempts.
type StageExecution struct {
	StageID    string         `json:"stage_id"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	StartTime  *time.Time     `json:"start_time,omitempty"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

// ExecutionFailure records why an execution failed and which stage caused it.
type ExecutionFailure struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// ExecutionLog is one line of the append-only per-execution log.
type ExecutionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	StageID   string    `json:"stage_id,omitempty"`
	Message   string    `json:"message"`
}

// IsTerminalStatus reports whether status is completed, failed or cancelled.
func IsTerminalStatus(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the execution has reached a final status.
func (e *Execution) IsTerminal() bool {
	return IsTerminalStatus(e.Status)
}

// StageByID returns a pointer into Stages for the given stage ID, or nil.
func (e *Execution) StageByID(stageID string) *StageExecution {
	for i := range e.Stages {
		if e.Stages[i].StageID == stageID {
			return &e.Stages[i]
		}
	}
	return nil
}

// Finish stamps EndTime and the whole-second Duration.
func (e *Execution) Finish(status string, now time.Time) {
	e.Status = status
	end := now
	e.EndTime = &end
	d := int64(end.Sub(e.StartTime) / time.Second)
	if d < 0 {
		d = 0
	}
	e.Duration = &d
}

// SkipRemaining marks every stage that has not finished as skipped.
func (e *Execution) SkipRemaining() {
	for i := range e.Stages {
		switch e.Stages[i].Status {
		case StageStatusPending, StageStatusRunning:
			e.Stages[i].Status = StageStatusSkipped
		}
	}
}

// NewExecution builds a pending execution with one pending StageExecution per
// stage of wf, index-aligned with wf.Stages.
func NewExecution(id string, wf *Workflow, trigger Trigger, params map[string]any, now time.Time) Execution {
	stages := make([]StageExecution, len(wf.Stages))
	for i, s := range wf.Stages {
		stages[i] = StageExecution{StageID: s.ID, Status: StageStatusPending}
	}
	return Execution{
		ID:          id,
		WorkflowID:  wf.ID,
		Status:      ExecutionStatusPending,
		StartTime:   now,
		TriggeredBy: trigger,
		Parameters:  cloneMap(params),
		Stages:      stages,
		Outputs:     map[string]any{},
		Metrics:     map[string]any{},
	}
}

// Clone returns a deep copy of the execution.
func (e Execution) Clone() Execution {
	c := e
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	if e.Duration != nil {
		d := *e.Duration
		c.Duration = &d
	}
	c.Parameters = cloneMap(e.Parameters)
	c.Outputs = cloneMap(e.Outputs)
	c.Metrics = cloneMap(e.Metrics)
	c.ResourceUsage = cloneMap(e.ResourceUsage)
	if e.Stages != nil {
		c.Stages = make([]StageExecution, len(e.Stages))
		for i, s := range e.Stages {
			cs := s
			if s.StartTime != nil {
				t := *s.StartTime
				cs.StartTime = &t
			}
			if s.EndTime != nil {
				t := *s.EndTime
				cs.EndTime = &t
			}
			cs.Outputs = cloneMap(s.Outputs)
			c.Stages[i] = cs
		}
	}
	c.Logs = append([]ExecutionLog(nil), e.Logs...)
	if e.Error != nil {
		f := *e.Error
		c.Error = &f
	}
	return c
}
