package definition

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/conduit/model"
)

// snapshot is an immutable set of workflows indexed by ID.
type snapshot struct {
	workflows map[string]model.Workflow
}

// WorkflowRegistry is a read-optimized, thread-safe store of registered
// workflows. Reads load the current snapshot without locking; writers copy
// the snapshot under a mutex and swap it in.
type WorkflowRegistry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewWorkflowRegistry creates a registry holding wfs.
func NewWorkflowRegistry(wfs []model.Workflow) *WorkflowRegistry {
	r := &WorkflowRegistry{}
	r.Replace(wfs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *WorkflowRegistry) Replace(wfs []model.Workflow) {
	s := &snapshot{workflows: make(map[string]model.Workflow, len(wfs))}
	for _, wf := range wfs {
		s.workflows[wf.ID] = wf.Clone()
	}

	r.mu.Lock()
	r.snap.Store(s)
	r.mu.Unlock()
}

// Put inserts or replaces a single workflow.
func (r *WorkflowRegistry) Put(wf model.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	next := &snapshot{workflows: make(map[string]model.Workflow, len(cur.workflows)+1)}
	for id, w := range cur.workflows {
		next.workflows[id] = w
	}
	next.workflows[wf.ID] = wf.Clone()
	r.snap.Store(next)
}

func (r *WorkflowRegistry) current() *snapshot {
	return r.snap.Load()
}

// Get returns a copy of the workflow with the given ID.
func (r *WorkflowRegistry) Get(id string) (model.Workflow, bool) {
	wf, ok := r.current().workflows[id]
	if !ok {
		return model.Workflow{}, false
	}
	return wf.Clone(), true
}

// All returns copies of every workflow ordered by creation time, then ID.
func (r *WorkflowRegistry) All() []model.Workflow {
	s := r.current()
	wfs := make([]model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		wfs = append(wfs, wf.Clone())
	}
	sort.Slice(wfs, func(i, j int) bool {
		if !wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
		}
		return wfs[i].ID < wfs[j].ID
	})
	return wfs
}

// Len returns the number of registered workflows.
func (r *WorkflowRegistry) Len() int {
	return len(r.current().workflows)
}
