package model

import "time"

// EventKind is the closed set of lifecycle notifications emitted by the engine.
type EventKind string

const (
	EventWorkflowCreated   EventKind = "workflow_created"
	EventWorkflowStarted   EventKind = "workflow_started"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventHealthWarning     EventKind = "health_warning"
	EventStuckExecutions   EventKind = "stuck_executions"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventWorkflowCreated, EventWorkflowStarted, EventWorkflowCompleted,
		EventWorkflowFailed, EventWorkflowCancelled, EventHealthWarning,
		EventStuckExecutions:
		return true
	}
	return false
}

// Event is a lifecycle notification.
type Event struct {
	ID          string         `json:"id"`
	Kind        EventKind      `json:"kind"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}
