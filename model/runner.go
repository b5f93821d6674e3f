package model

import "context"

// ExecutionContext is what a stage runner knows about the execution it is
// serving. Outputs holds the outputs of stages that already completed, keyed
// by stage ID.
type ExecutionContext struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Attempt     int            `json:"attempt"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

// StageRunner performs the work of one stage against an external collaborator.
// Implementations must honour ctx cancellation; the engine uses it to enforce
// stage timeouts.
type StageRunner interface {
	Run(ctx context.Context, stage Stage, exec ExecutionContext, params map[string]any) (map[string]any, error)
}

// StageRunnerFunc adapts a function to the StageRunner interface.
type StageRunnerFunc func(ctx context.Context, stage Stage, exec ExecutionContext, params map[string]any) (map[string]any, error)

// Run calls f.
func (f StageRunnerFunc) Run(ctx context.Context, stage Stage, exec ExecutionContext, params map[string]any) (map[string]any, error) {
	return f(ctx, stage, exec, params)
}
