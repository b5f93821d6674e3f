package workflow

import (
	"context"

	"github.com/pitabwire/conduit/model"
)

// Store persists workflow definitions and execution records.
type Store interface {
	// CreateWorkflow persists a new workflow. Returns CONFLICT if the ID is
	// already taken.
	CreateWorkflow(ctx context.Context, wf model.Workflow) error

	// UpdateWorkflow replaces a stored workflow. Returns NOT_FOUND if the
	// workflow doesn't exist.
	UpdateWorkflow(ctx context.Context, wf model.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (model.Workflow, error)

	// ListWorkflows returns every stored workflow ordered by creation time.
	ListWorkflows(ctx context.Context) ([]model.Workflow, error)

	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, exec model.Execution) error

	// UpdateExecution replaces a stored execution record.
	UpdateExecution(ctx context.Context, exec model.Execution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (model.Execution, error)

	// ListExecutions returns executions matching the filters, newest first.
	ListExecutions(ctx context.Context, filters ExecutionFilters) ([]model.Execution, error)
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	WorkflowID string
	Statuses   []string
	Limit      int
}

// matches reports whether exec satisfies the filters, ignoring Limit.
func (f ExecutionFilters) matches(exec model.Execution) bool {
	if f.WorkflowID != "" && exec.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if exec.Status == s {
			return true
		}
	}
	return false
}
