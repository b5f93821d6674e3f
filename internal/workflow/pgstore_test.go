package workflow

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/conduit/model"
)

func TestPgStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("conduit"),
		postgres.WithUsername("conduit"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	store := NewPgStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema should be a no-op: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	t.Run("workflow round trip", func(t *testing.T) {
		wf := testWorkflow("wf-pg")
		wf.Schedule = &model.Schedule{Enabled: true, Cron: "@hourly"}
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		if err := store.CreateWorkflow(ctx, wf); !model.HasCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateWorkflow error = %v, want CONFLICT", err)
		}

		got, err := store.GetWorkflow(ctx, "wf-pg")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.Name != wf.Name {
			t.Errorf("Name = %q, want %q", got.Name, wf.Name)
		}
		if !reflect.DeepEqual(got.Stages, wf.Stages) {
			t.Errorf("Stages = %+v, want %+v", got.Stages, wf.Stages)
		}
		if got.Schedule == nil || got.Schedule.Cron != "@hourly" {
			t.Errorf("Schedule = %+v, want cron @hourly", got.Schedule)
		}

		wf.Status = model.WorkflowStatusPaused
		wf.Version = 2
		if err := store.UpdateWorkflow(ctx, wf); err != nil {
			t.Fatalf("UpdateWorkflow: %v", err)
		}
		got, err = store.GetWorkflow(ctx, "wf-pg")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.Status != model.WorkflowStatusPaused || got.Version != 2 {
			t.Errorf("after update status=%s version=%d, want paused/2", got.Status, got.Version)
		}

		list, err := store.ListWorkflows(ctx)
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("len(ListWorkflows) = %d, want 1", len(list))
		}
	})

	t.Run("missing records", func(t *testing.T) {
		if _, err := store.GetWorkflow(ctx, "nope"); !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("GetWorkflow error = %v, want NOT_FOUND", err)
		}
		if _, err := store.GetExecution(ctx, "nope"); !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("GetExecution error = %v, want NOT_FOUND", err)
		}
		err := store.UpdateExecution(ctx, testExecution("nope", "wf", model.ExecutionStatusRunning, baseTime))
		if !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("UpdateExecution error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("execution round trip and filters", func(t *testing.T) {
		e1 := testExecution("ex-1", "wf-pg", model.ExecutionStatusRunning, baseTime)
		e2 := testExecution("ex-2", "wf-pg", model.ExecutionStatusPending, baseTime.Add(time.Minute))
		e3 := testExecution("ex-3", "wf-other", model.ExecutionStatusRunning, baseTime.Add(2*time.Minute))
		for _, e := range []model.Execution{e1, e2, e3} {
			if err := store.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution(%s): %v", e.ID, err)
			}
		}

		e1.Finish(model.ExecutionStatusCompleted, baseTime.Add(90*time.Second))
		e1.Stages[0].Status = model.StageStatusCompleted
		e1.Stages[0].Attempts = 1
		e1.Outputs["extract"] = map[string]any{"rows": float64(42)}
		if err := store.UpdateExecution(ctx, e1); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}

		got, err := store.GetExecution(ctx, "ex-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != model.ExecutionStatusCompleted {
			t.Errorf("Status = %s, want completed", got.Status)
		}
		if got.Duration == nil || *got.Duration != 90 {
			t.Errorf("Duration = %v, want 90", got.Duration)
		}
		if want := map[string]any{"rows": float64(42)}; !reflect.DeepEqual(got.Outputs["extract"], want) {
			t.Errorf("Outputs[extract] = %v, want %v", got.Outputs["extract"], want)
		}

		list, err := store.ListExecutions(ctx, ExecutionFilters{WorkflowID: "wf-pg"})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list) != 2 || list[0].ID != "ex-2" {
			t.Errorf("by workflow = %v, want ex-2 first of 2", executionIDs(list))
		}

		list, err = store.ListExecutions(ctx, ExecutionFilters{
			Statuses: []string{model.ExecutionStatusPending, model.ExecutionStatusRunning},
		})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list) != 2 || list[0].ID != "ex-3" {
			t.Errorf("by status = %v, want ex-3 first of 2", executionIDs(list))
		}

		list, err = store.ListExecutions(ctx, ExecutionFilters{Limit: 1})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("len(limited) = %d, want 1", len(list))
		}
	})
}
