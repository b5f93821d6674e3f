package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/conduit/model"
)

// executionRecord is the in-memory authority for one execution. Mutations
// happen under mu; persistence happens under writeMu and is ordered by seq so
// an older snapshot never overwrites a newer one in the store.
type executionRecord struct {
	mu   sync.Mutex
	exec model.Execution
	seq  uint64
	// live is set while a machine is driving the execution.
	live bool

	writeMu   sync.Mutex
	persisted uint64

	cancel     chan struct{}
	cancelOnce sync.Once
}

func (r *executionRecord) signalCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

func (r *executionRecord) snapshot() model.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// executionRegistry holds every execution known to this process.
type executionRegistry struct {
	store Store
	onErr func(exec model.Execution, err error)

	mu      sync.RWMutex
	records map[string]*executionRecord
}

func newExecutionRegistry(store Store, onErr func(model.Execution, error)) *executionRegistry {
	return &executionRegistry{
		store:   store,
		onErr:   onErr,
		records: make(map[string]*executionRecord),
	}
}

// add registers exec. An existing record with the same ID is replaced.
func (r *executionRegistry) add(exec model.Execution, live bool) *executionRecord {
	rec := &executionRecord{exec: exec.Clone(), live: live, cancel: make(chan struct{})}

	r.mu.Lock()
	r.records[exec.ID] = rec
	r.mu.Unlock()
	return rec
}

func (r *executionRegistry) record(id string) (*executionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *executionRegistry) get(id string) (model.Execution, bool) {
	rec, ok := r.record(id)
	if !ok {
		return model.Execution{}, false
	}
	return rec.snapshot(), true
}

// update applies fn to the execution under its lock. When fn reports a
// change the new state is persisted and returned; otherwise the current state
// is returned with changed=false.
func (r *executionRegistry) update(ctx context.Context, id string, fn func(*model.Execution) bool) (exec model.Execution, changed bool, found bool) {
	rec, ok := r.record(id)
	if !ok {
		return model.Execution{}, false, false
	}

	rec.mu.Lock()
	if !fn(&rec.exec) {
		exec = rec.exec.Clone()
		rec.mu.Unlock()
		return exec, false, true
	}
	rec.seq++
	seq := rec.seq
	exec = rec.exec.Clone()
	rec.mu.Unlock()

	r.persist(ctx, rec, exec, seq)
	return exec, true, true
}

func (r *executionRegistry) persist(ctx context.Context, rec *executionRecord, exec model.Execution, seq uint64) {
	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()

	if seq <= rec.persisted {
		return
	}
	if err := r.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		if r.onErr != nil {
			r.onErr(exec, err)
		}
		return
	}
	rec.persisted = seq
}

// list returns executions matching filters, newest first.
func (r *executionRegistry) list(filters ExecutionFilters) []model.Execution {
	r.mu.RLock()
	recs := make([]*executionRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var result []model.Execution
	for _, rec := range recs {
		exec := rec.snapshot()
		if filters.matches(exec) {
			result = append(result, exec)
		}
	}

	sortNewestFirst(result)
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result
}

// nonTerminal returns the IDs of executions that have not finished.
func (r *executionRegistry) nonTerminal() []string {
	var ids []string
	for _, exec := range r.list(ExecutionFilters{
		Statuses: []string{model.ExecutionStatusPending, model.ExecutionStatusRunning},
	}) {
		ids = append(ids, exec.ID)
	}
	return ids
}

func sortNewestFirst(execs []model.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartTime.Equal(execs[j].StartTime) {
			return execs[i].ID > execs[j].ID
		}
		return execs[i].StartTime.After(execs[j].StartTime)
	})
}
