package definition

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/conduit/model"
)

func testWorkflows() []model.Workflow {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.Workflow{
		{ID: "b", Name: "second", CreatedAt: base.Add(time.Minute), Stages: []model.Stage{{ID: "s", Service: "data"}}},
		{ID: "a", Name: "first", CreatedAt: base, Stages: []model.Stage{{ID: "s", Service: "data"}}},
	}
}

func TestWorkflowRegistry_Get(t *testing.T) {
	r := NewWorkflowRegistry(testWorkflows())

	wf, ok := r.Get("a")
	if !ok {
		t.Fatal("Get(a) not found")
	}
	if wf.Name != "first" {
		t.Errorf("Name = %q, want first", wf.Name)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should not be found")
	}
}

func TestWorkflowRegistry_GetReturnsCopy(t *testing.T) {
	r := NewWorkflowRegistry(testWorkflows())

	wf, _ := r.Get("a")
	wf.Stages[0].Service = "mutated"

	again, _ := r.Get("a")
	if again.Stages[0].Service != "data" {
		t.Error("registry handed out shared memory")
	}
}

func TestWorkflowRegistry_AllOrdered(t *testing.T) {
	r := NewWorkflowRegistry(testWorkflows())

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d, want 2", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("All() order = %s, %s; want a, b", all[0].ID, all[1].ID)
	}
}

func TestWorkflowRegistry_Put(t *testing.T) {
	r := NewWorkflowRegistry(nil)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}

	r.Put(model.Workflow{ID: "x", Name: "v1"})
	r.Put(model.Workflow{ID: "x", Name: "v2"})

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	wf, _ := r.Get("x")
	if wf.Name != "v2" {
		t.Errorf("Name = %q, want v2", wf.Name)
	}
}

func TestWorkflowRegistry_Replace(t *testing.T) {
	r := NewWorkflowRegistry(testWorkflows())
	r.Replace([]model.Workflow{{ID: "z"}})

	if _, ok := r.Get("a"); ok {
		t.Error("Replace should drop previous workflows")
	}
	if _, ok := r.Get("z"); !ok {
		t.Error("Replace should add new workflows")
	}
}

func TestWorkflowRegistry_ConcurrentAccess(t *testing.T) {
	r := NewWorkflowRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Put(model.Workflow{ID: fmt.Sprintf("wf-%d", i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.All()
		}()
	}
	wg.Wait()

	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}
