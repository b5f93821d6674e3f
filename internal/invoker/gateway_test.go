package invoker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/model"
)

// mockRunner is a test double for model.StageRunner.
type mockRunner struct {
	mu    sync.Mutex
	calls int
	runFn func(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error)
}

func (m *mockRunner) Run(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.runFn != nil {
		return m.runFn(ctx, stage, exec, params)
	}
	return map[string]any{"ok": true}, nil
}

func (m *mockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func trainStage() model.Stage {
	return model.Stage{ID: "train", Service: model.StageServiceTraining}
}

// assertStageError checks err is an envelope with the given code raised for stage.
func assertStageError(t *testing.T, err error, code, stage string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error", code)
	}
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if ee.Code != code {
		t.Errorf("error code = %s, want %s", ee.Code, code)
	}
	if stage != "" && ee.Stage != stage {
		t.Errorf("error stage = %q, want %q", ee.Stage, stage)
	}
}

func TestGateway_ExecuteDispatchesByService(t *testing.T) {
	g := NewGateway()
	training := &mockRunner{}
	data := &mockRunner{}
	g.Register(model.StageServiceTraining, training)
	g.Register(model.StageServiceData, data)

	exec := model.ExecutionContext{ExecutionID: "ex-1", WorkflowID: "wf-1", Attempt: 1}
	out, err := g.Execute(context.Background(), trainStage(), exec, nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !reflect.DeepEqual(out, map[string]any{"ok": true}) {
		t.Errorf("outputs = %v, want map[ok:true]", out)
	}
	if training.Calls() != 1 {
		t.Errorf("training calls = %d, want 1", training.Calls())
	}
	if data.Calls() != 0 {
		t.Errorf("data calls = %d, want 0", data.Calls())
	}
}

func TestGateway_ExecutePassesContext(t *testing.T) {
	g := NewGateway()
	var got model.ExecutionContext
	var gotParams map[string]any
	g.Register(model.StageServiceTraining, model.StageRunnerFunc(
		func(_ context.Context, _ model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error) {
			got = exec
			gotParams = params
			return nil, nil
		}))

	exec := model.ExecutionContext{ExecutionID: "ex-1", WorkflowID: "wf-1", Attempt: 2, Outputs: map[string]any{"prep": 1}}
	out, err := g.Execute(context.Background(), trainStage(), exec, map[string]any{"lr": 0.1})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out == nil {
		t.Error("nil outputs should be normalised to an empty map")
	}
	if !reflect.DeepEqual(got, exec) {
		t.Errorf("runner saw %+v, want %+v", got, exec)
	}
	if gotParams["lr"] != 0.1 {
		t.Errorf("params[lr] = %v, want 0.1", gotParams["lr"])
	}
}

func TestGateway_UnsupportedService(t *testing.T) {
	g := NewGateway()
	g.Register(model.StageServiceData, &mockRunner{})

	_, err := g.Execute(context.Background(), model.Stage{ID: "q", Service: "quantum"}, model.ExecutionContext{}, nil)
	assertStageError(t, err, model.ErrUnsupportedStageService, "q")
}

func TestGateway_RunnerErrorWrapped(t *testing.T) {
	cause := errors.New("gpu quota exceeded")
	g := NewGateway()
	g.Register(model.StageServiceTraining, &mockRunner{
		runFn: func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			return nil, cause
		},
	})

	_, err := g.Execute(context.Background(), trainStage(), model.ExecutionContext{}, nil)
	assertStageError(t, err, model.ErrExecutionError, "train")
	if !errors.Is(err, cause) {
		t.Errorf("error %v does not wrap the runner cause", err)
	}
}

func TestGateway_DeadlineReportedAsTimeout(t *testing.T) {
	g := NewGateway()
	g.Register(model.StageServiceTraining, &mockRunner{
		runFn: func(ctx context.Context, _ model.Stage, _ model.ExecutionContext, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, errors.New("aborted")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Execute(ctx, trainStage(), model.ExecutionContext{}, nil)

	assertStageError(t, err, model.ErrExecutionError, "train")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error %v does not wrap context.DeadlineExceeded", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q should mention the timeout", err)
	}
}

func TestGateway_LateSuccessAfterDeadlineIsTimeout(t *testing.T) {
	g := NewGateway()
	g.Register(model.StageServiceTraining, &mockRunner{
		runFn: func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			time.Sleep(100 * time.Millisecond)
			return map[string]any{"model": "late"}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := g.Execute(ctx, trainStage(), model.ExecutionContext{}, nil)

	assertStageError(t, err, model.ErrExecutionError, "train")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error %v does not wrap context.DeadlineExceeded", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q should mention the timeout", err)
	}
	if out != nil {
		t.Errorf("outputs = %v, want nil for a timed out stage", out)
	}
}

func TestGateway_RunnerPanicBecomesError(t *testing.T) {
	g := NewGateway()
	g.Register(model.StageServiceTraining, &mockRunner{
		runFn: func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			panic("boom")
		},
	})

	_, err := g.Execute(context.Background(), trainStage(), model.ExecutionContext{}, nil)
	assertStageError(t, err, model.ErrExecutionError, "")
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q should carry the panic value", err)
	}
}

func TestGateway_RegisterDuplicatePanics(t *testing.T) {
	g := NewGateway()
	g.Register(model.StageServiceData, &mockRunner{})

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	g.Register(model.StageServiceData, &mockRunner{})
}

func TestGateway_ServicesAndSupports(t *testing.T) {
	g := NewGateway()
	g.Register("zeta", &mockRunner{})
	g.Register("alpha", &mockRunner{})

	if got := g.Services(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("Services() = %v, want [alpha zeta]", got)
	}
	if !g.Supports("alpha") {
		t.Error("Supports(alpha) = false, want true")
	}
	if g.Supports("beta") {
		t.Error("Supports(beta) = true, want false")
	}
}

func TestGateway_BreakerFailsFastWhenOpen(t *testing.T) {
	var transitions []string
	g := NewGateway(
		WithBreakers(config.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}, nil),
		WithBreakerObserver(func(service string, s BreakerState) {
			transitions = append(transitions, service+":"+s.String())
		}),
	)
	runner := &mockRunner{
		runFn: func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			return nil, errors.New("unavailable")
		},
	}
	g.Register(model.StageServiceTraining, runner)

	for i := 0; i < 2; i++ {
		if _, err := g.Execute(context.Background(), trainStage(), model.ExecutionContext{}, nil); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}
	if runner.Calls() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.Calls())
	}

	_, err := g.Execute(context.Background(), trainStage(), model.ExecutionContext{}, nil)
	// An open breaker still yields a retryable execution error.
	assertStageError(t, err, model.ErrExecutionError, "train")
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("error %v does not wrap ErrBreakerOpen", err)
	}
	if runner.Calls() != 2 {
		t.Errorf("runner calls = %d, want 2 while open", runner.Calls())
	}

	if got := g.BreakerStates(); !reflect.DeepEqual(got, map[string]string{model.StageServiceTraining: "open"}) {
		t.Errorf("BreakerStates() = %v", got)
	}
	if want := []string{"training:closed", "training:open"}; !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestGateway_BreakerPerServiceOverride(t *testing.T) {
	g := NewGateway(WithBreakers(
		config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour},
		map[string]config.CircuitBreakerConfig{
			model.StageServiceData: {FailureThreshold: 3, Timeout: time.Hour},
		},
	))
	failing := func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
		return nil, errors.New("down")
	}
	g.Register(model.StageServiceData, &mockRunner{runFn: failing})

	stage := model.Stage{ID: "load", Service: model.StageServiceData}
	for i := 0; i < 2; i++ {
		_, _ = g.Execute(context.Background(), stage, model.ExecutionContext{}, nil)
	}
	if s := g.BreakerStates()[model.StageServiceData]; s != "closed" {
		t.Errorf("data breaker = %q, want closed", s)
	}
}

func TestGateway_BreakerIgnoresCancellation(t *testing.T) {
	g := NewGateway(WithBreakers(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}, nil))
	g.Register(model.StageServiceTraining, &mockRunner{
		runFn: func(ctx context.Context, _ model.Stage, _ model.ExecutionContext, _ map[string]any) (map[string]any, error) {
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Execute(ctx, trainStage(), model.ExecutionContext{}, nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if s := g.BreakerStates()[model.StageServiceTraining]; s != "closed" {
		t.Errorf("training breaker = %q, want closed", s)
	}
}
