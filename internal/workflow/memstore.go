package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/conduit/model"
)

// MemoryStore is an in-memory Store for tests and single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]model.Workflow  // key: workflow ID
	executions map[string]model.Execution // key: execution ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]model.Workflow),
		executions: make(map[string]model.Execution),
	}
}

// CreateWorkflow persists a new workflow.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q already exists", wf.ID),
		)
	}

	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// UpdateWorkflow replaces a stored workflow.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", wf.ID),
		)
	}

	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[id]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", id),
		)
	}
	return wf.Clone(), nil
}

// ListWorkflows returns every workflow ordered by creation time.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		result = append(result, wf.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CreateExecution persists a new execution record.
func (s *MemoryStore) CreateExecution(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// UpdateExecution replaces a stored execution record.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", exec.ID),
		)
	}

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.Execution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", id),
		)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filters ExecutionFilters) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Execution
	for _, exec := range s.executions {
		if filters.matches(exec) {
			result = append(result, exec.Clone())
		}
	}

	sortNewestFirst(result)

	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored executions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
