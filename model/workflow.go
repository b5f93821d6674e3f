package model

import "time"

// Workflow lifecycle status constants.
const (
	WorkflowStatusDraft    = "draft"
	WorkflowStatusActive   = "active"
	WorkflowStatusPaused   = "paused"
	WorkflowStatusArchived = "archived"
)

// Stage service discriminators for the collaborators the engine ships with.
// Any other value is legal in a definition; support is decided at dispatch.
const (
	StageServiceData         = "data"
	StageServiceTraining     = "training"
	StageServiceInference    = "inference"
	StageServiceEvaluation   = "evaluation"
	StageServiceDeployment   = "deployment"
	StageServiceNotification = "notification"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Trigger types recorded on executions.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
	TriggerAPI      = "api"
)

// Workflow is a named, versioned DAG of stages plus its scheduling and
// operational policy.
type Workflow struct {
	ID            string                `json:"id" yaml:"id"`
	Name          string                `json:"name" yaml:"name"`
	Description   string                `json:"description,omitempty" yaml:"description"`
	Type          string                `json:"type,omitempty" yaml:"type"`
	Version       int                   `json:"version" yaml:"version"`
	Stages        []Stage               `json:"stages" yaml:"stages"`
	Triggers      []Trigger             `json:"triggers,omitempty" yaml:"triggers"`
	Configuration WorkflowConfiguration `json:"configuration" yaml:"configuration"`
	Dependencies  []string              `json:"dependencies,omitempty" yaml:"dependencies"`
	Status        string                `json:"status" yaml:"status"`
	Schedule      *Schedule             `json:"schedule,omitempty" yaml:"schedule"`
	Metrics       WorkflowMetrics       `json:"metrics" yaml:"-"`
	Tags          []string              `json:"tags,omitempty" yaml:"tags"`
	Metadata      map[string]any        `json:"metadata,omitempty" yaml:"metadata"`
	CreatedAt     time.Time             `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time             `json:"updated_at" yaml:"-"`
}

// Stage is one unit of work bound to exactly one external collaborator.
type Stage struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name,omitempty" yaml:"name"`
	Service        string         `json:"service" yaml:"service"`
	Operation      string         `json:"operation,omitempty" yaml:"operation"`
	Config         map[string]any `json:"config,omitempty" yaml:"config"`
	Dependencies   []string       `json:"dependencies,omitempty" yaml:"dependencies"`
	RetryPolicy    RetryPolicy    `json:"retry_policy" yaml:"retry_policy"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	Resources      *ResourceHints `json:"resources,omitempty" yaml:"resources"`
}

// RetryPolicy controls how often and how patiently a failing stage is retried.
type RetryPolicy struct {
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffStrategy     string  `json:"backoff_strategy" yaml:"backoff_strategy"`
	BackoffDelaySeconds float64 `json:"backoff_delay_seconds" yaml:"backoff_delay_seconds"`
}

// IsZero reports whether no field of the policy was set.
func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && p.BackoffStrategy == "" && p.BackoffDelaySeconds == 0
}

// ResourceHints are advisory resource requirements passed to runners.
type ResourceHints struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu"`
	Memory string `json:"memory,omitempty" yaml:"memory"`
	GPU    int    `json:"gpu,omitempty" yaml:"gpu"`
}

// Trigger describes what caused an execution, or which triggers a
// workflow declares.
type Trigger struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source,omitempty" yaml:"source"`
	UserID string `json:"user_id,omitempty" yaml:"user_id"`
}

// WorkflowConfiguration is the versioned operational policy of a workflow.
// Parallelism is accepted for compatibility; stages of one execution always
// run sequentially.
type WorkflowConfiguration struct {
	Parallelism    int              `json:"parallelism" yaml:"parallelism"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	Rollback       RollbackPolicy   `json:"rollback" yaml:"rollback"`
	Monitoring     MonitoringPolicy `json:"monitoring" yaml:"monitoring"`
}

// RollbackPolicy describes what should happen after a failed run.
type RollbackPolicy struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Strategy string `json:"strategy,omitempty" yaml:"strategy"`
}

// MonitoringPolicy describes alerting preferences for a workflow.
type MonitoringPolicy struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AlertOnFailure bool     `json:"alert_on_failure" yaml:"alert_on_failure"`
	Channels       []string `json:"channels,omitempty" yaml:"channels"`
}

// Schedule is a recurring trigger. Cron is reduced to a uniform interval;
// IntervalSeconds, when positive, takes precedence over Cron.
type Schedule struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Cron            string `json:"cron,omitempty" yaml:"cron"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" yaml:"interval_seconds"`
	Timezone        string `json:"timezone,omitempty" yaml:"timezone"`
}

// WorkflowMetrics is the read-side aggregate recomputed from executions.
type WorkflowMetrics struct {
	TotalExecutions        int        `json:"total_executions"`
	SuccessfulExecutions   int        `json:"successful_executions"`
	FailedExecutions       int        `json:"failed_executions"`
	SuccessRate            float64    `json:"success_rate"`
	AverageDurationSeconds float64    `json:"average_duration_seconds"`
	LastExecutionAt        *time.Time `json:"last_execution_at,omitempty"`
}

// StageIndex returns the position of the stage with the given ID, or -1.
func (w *Workflow) StageIndex(stageID string) int {
	for i := range w.Stages {
		if w.Stages[i].ID == stageID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	c := w
	if w.Stages != nil {
		c.Stages = make([]Stage, len(w.Stages))
		for i, s := range w.Stages {
			c.Stages[i] = s.clone()
		}
	}
	c.Triggers = append([]Trigger(nil), w.Triggers...)
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.Tags = append([]string(nil), w.Tags...)
	c.Configuration.Monitoring.Channels = append([]string(nil), w.Configuration.Monitoring.Channels...)
	c.Metadata = cloneMap(w.Metadata)
	if w.Schedule != nil {
		s := *w.Schedule
		c.Schedule = &s
	}
	if w.Metrics.LastExecutionAt != nil {
		t := *w.Metrics.LastExecutionAt
		c.Metrics.LastExecutionAt = &t
	}
	return c
}

func (s Stage) clone() Stage {
	c := s
	c.Config = cloneMap(s.Config)
	c.Dependencies = append([]string(nil), s.Dependencies...)
	if s.Resources != nil {
		r := *s.Resources
		c.Resources = &r
	}
	return c
}

// CloneMap returns a deep copy of m. Nested maps and slices are copied;
// other values are shared.
func CloneMap(m map[string]any) map[string]any {
	return cloneMap(m)
}

// cloneMap copies nested maps and slices produced by JSON/YAML decoding.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
