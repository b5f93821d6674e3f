package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/idempotency"
	"github.com/pitabwire/conduit/internal/invoker"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/internal/workflow"
	"github.com/pitabwire/conduit/model"
)

// testDeps returns Dependencies backed by an in-memory orchestrator whose
// "data" service succeeds and "training" service always fails.
func testDeps(t *testing.T) Dependencies {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://ops.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	gw := invoker.NewGateway()
	gw.Register(model.StageServiceData, model.StageRunnerFunc(
		func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			return map[string]any{"rows": 42}, nil
		}))
	gw.Register(model.StageServiceTraining, model.StageRunnerFunc(
		func(context.Context, model.Stage, model.ExecutionContext, map[string]any) (map[string]any, error) {
			return nil, errors.New("gpu pool exhausted")
		}))

	store := workflow.NewMemoryStore()
	engine := workflow.NewOrchestrator(store, gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	reg := prometheus.NewRegistry()
	return Dependencies{
		Config:   cfg,
		Engine:   engine,
		Logger:   zap.NewNop(),
		Metrics:  observability.InitMetrics(reg),
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			RunnersRegistered: func() bool { return len(gw.Services()) > 0 },
			Store:             store,
		},
		Idempotency: idempotency.NewMemoryStore(),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// wantStatus fails the test immediately when the response status differs.
func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func ingestWorkflow(status string) map[string]any {
	return map[string]any{
		"id":     "ingest",
		"name":   "Nightly ingest",
		"status": status,
		"stages": []map[string]any{
			{
				"id":           "extract",
				"service":      "data",
				"retry_policy": map[string]any{"max_attempts": 1, "backoff_strategy": "fixed"},
			},
		},
	}
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps(t))
	w := do(t, r, "GET", "/health", nil)

	wantStatus(t, w, 200)
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	r := NewRouter(testDeps(t))
	wantStatus(t, do(t, r, "GET", "/ready", nil), 200)
}

func TestNewRouter_metrics(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)

	do(t, r, "GET", "/workflows", nil)
	w := do(t, r, "GET", "/metrics", nil)

	wantStatus(t, w, 200)
	if !strings.Contains(w.Body.String(), `conduit_http_requests_total{method="GET"`) {
		t.Error("metrics output lacks conduit_http_requests_total for GET")
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps(t)
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)

	wantStatus(t, do(t, r, "GET", "/metrics", nil), 404)
}

func TestNewRouter_unknownRouteIsEnvelope(t *testing.T) {
	r := NewRouter(testDeps(t))
	w := do(t, r, "GET", "/pipelines/churn", nil)

	wantStatus(t, w, 404)
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY on unmatched routes", got)
	}
	env := decode[errorBody](t, w)
	if env.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", env.Error.Code)
	}
	if !strings.Contains(env.Error.Message, "/pipelines/churn") {
		t.Errorf("message = %q, want the unmatched path", env.Error.Message)
	}
}

func TestNewRouter_routesAreRegistered(t *testing.T) {
	r := NewRouter(testDeps(t))

	routes := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/workflows", 200},
		{"GET", "/workflows/missing", 404},
		{"PUT", "/workflows/missing", 400},
		{"POST", "/workflows/missing/status", 400},
		{"GET", "/workflows/missing/status", 404},
		{"POST", "/workflows/missing/execute", 404},
		{"GET", "/executions", 200},
		{"GET", "/executions/missing", 404},
		{"POST", "/executions/missing/cancel", 404},
		{"GET", "/overview", 200},
		{"GET", "/optimizations", 200},
	}

	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := do(t, r, tc.method, tc.path, nil)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

// --- API flow ---

func TestAPI_workflowLifecycle(t *testing.T) {
	r := NewRouter(testDeps(t))

	w := do(t, r, "POST", "/workflows", ingestWorkflow(""))
	wantStatus(t, w, 201)
	if created := decode[model.Workflow](t, w); created.Status != model.WorkflowStatusDraft {
		t.Errorf("created Status = %q, want draft", created.Status)
	}

	w = do(t, r, "POST", "/workflows/ingest/execute", nil)
	if w.Code != 409 {
		t.Errorf("executing a draft: status = %d, want 409", w.Code)
	}
	if env := decode[errorBody](t, w); env.Error.Code != model.ErrInvalidState {
		t.Errorf("code = %q, want INVALID_STATE", env.Error.Code)
	}

	w = do(t, r, "POST", "/workflows/ingest/status", map[string]string{"status": "active"})
	wantStatus(t, w, 200)

	w = do(t, r, "POST", "/workflows/ingest/execute", map[string]any{
		"parameters": map[string]any{"date": "2025-03-01"},
	})
	wantStatus(t, w, 202)
	execID := decode[map[string]string](t, w)["execution_id"]
	if execID == "" {
		t.Fatal("execute response has no execution_id")
	}

	var exec model.Execution
	eventually(t, func() bool {
		w := do(t, r, "GET", "/executions/"+execID, nil)
		if w.Code != 200 {
			return false
		}
		exec = decode[model.Execution](t, w)
		return exec.Status == model.ExecutionStatusCompleted
	})
	if exec.TriggeredBy.Type != model.TriggerAPI {
		t.Errorf("TriggeredBy = %q, want api", exec.TriggeredBy.Type)
	}
	if exec.Parameters["date"] != "2025-03-01" {
		t.Errorf("Parameters[date] = %v", exec.Parameters["date"])
	}

	w = do(t, r, "GET", "/workflows/ingest/status", nil)
	wantStatus(t, w, 200)
	st := decode[workflow.WorkflowStatus](t, w)
	if st.Workflow.Metrics.TotalExecutions != 1 {
		t.Errorf("TotalExecutions = %d, want 1", st.Workflow.Metrics.TotalExecutions)
	}
	if st.Workflow.Metrics.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1", st.Workflow.Metrics.SuccessRate)
	}

	w = do(t, r, "POST", "/executions/"+execID+"/cancel", nil)
	wantStatus(t, w, 200)
	if got := decode[model.Execution](t, w).Status; got != model.ExecutionStatusCompleted {
		t.Errorf("cancel on a terminal execution changed status to %s", got)
	}

	w = do(t, r, "GET", "/executions?workflow_id=ingest&limit=10", nil)
	wantStatus(t, w, 200)
	list := decode[struct {
		Data       []model.Execution `json:"data"`
		TotalCount int               `json:"total_count"`
	}](t, w)
	if list.TotalCount != 1 {
		t.Errorf("total_count = %d, want 1", list.TotalCount)
	}

	w = do(t, r, "GET", "/overview", nil)
	wantStatus(t, w, 200)
	ov := decode[workflow.SystemOverview](t, w)
	if ov.TotalWorkflows != 1 {
		t.Errorf("TotalWorkflows = %d, want 1", ov.TotalWorkflows)
	}
	if ov.Executions[model.ExecutionStatusCompleted] != 1 {
		t.Errorf("completed executions = %d, want 1", ov.Executions[model.ExecutionStatusCompleted])
	}
}

func TestAPI_createInvalidWorkflow(t *testing.T) {
	r := NewRouter(testDeps(t))

	wf := ingestWorkflow("")
	wf["stages"] = []map[string]any{
		{"id": "a", "service": "data", "dependencies": []string{"b"}, "retry_policy": map[string]any{"max_attempts": 1, "backoff_strategy": "fixed"}},
		{"id": "b", "service": "data", "dependencies": []string{"a"}, "retry_policy": map[string]any{"max_attempts": 1, "backoff_strategy": "fixed"}},
	}
	w := do(t, r, "POST", "/workflows", wf)

	wantStatus(t, w, 422)
	env := decode[errorBody](t, w)
	if env.Error.Code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", env.Error.Code)
	}
	if len(env.Error.Details) == 0 {
		t.Fatal("validation error has no details")
	}
	if env.Error.Details[0].Code != model.VCodeCircularDependency {
		t.Errorf("detail code = %q, want CIRCULAR_DEPENDENCY", env.Error.Details[0].Code)
	}
}

func TestAPI_invalidJSON(t *testing.T) {
	r := NewRouter(testDeps(t))

	req := httptest.NewRequest("POST", "/workflows", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPI_failedExecutionSurfacesStage(t *testing.T) {
	r := NewRouter(testDeps(t))

	wf := ingestWorkflow("active")
	wf["stages"] = []map[string]any{
		{"id": "train", "service": "training", "retry_policy": map[string]any{"max_attempts": 1, "backoff_strategy": "fixed"}},
	}
	wantStatus(t, do(t, r, "POST", "/workflows", wf), 201)

	w := do(t, r, "POST", "/workflows/ingest/execute", nil)
	wantStatus(t, w, 202)
	execID := decode[map[string]string](t, w)["execution_id"]

	var exec model.Execution
	eventually(t, func() bool {
		exec = decode[model.Execution](t, do(t, r, "GET", "/executions/"+execID, nil))
		return exec.Status == model.ExecutionStatusFailed
	})
	if exec.Error == nil {
		t.Fatal("failed execution has no error")
	}
	if exec.Error.Stage != "train" {
		t.Errorf("Error.Stage = %q, want train", exec.Error.Stage)
	}
	if !strings.Contains(exec.Error.Message, "gpu pool exhausted") {
		t.Errorf("Error.Message = %q", exec.Error.Message)
	}
}

func TestAPI_executeIdempotencyKey(t *testing.T) {
	r := NewRouter(testDeps(t))
	wantStatus(t, do(t, r, "POST", "/workflows", ingestWorkflow("active")), 201)

	execute := func(key string, params map[string]any) *httptest.ResponseRecorder {
		b, err := json.Marshal(map[string]any{"parameters": params})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req := httptest.NewRequest("POST", "/workflows/ingest/execute", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyKeyHeader, key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := execute("nightly-2025-03-01", map[string]any{"date": "2025-03-01"})
	wantStatus(t, first, 202)
	firstID := decode[map[string]string](t, first)["execution_id"]

	replay := execute("nightly-2025-03-01", map[string]any{"date": "2025-03-01"})
	wantStatus(t, replay, 202)
	if got := replay.Header().Get("Idempotent-Replayed"); got != "true" {
		t.Errorf("Idempotent-Replayed = %q, want true", got)
	}
	if got := decode[map[string]string](t, replay)["execution_id"]; got != firstID {
		t.Errorf("replayed execution_id = %q, want %q", got, firstID)
	}

	w := execute("nightly-2025-03-01", map[string]any{"date": "2025-03-02"})
	if w.Code != 409 {
		t.Errorf("same key with different input: status = %d, want 409", w.Code)
	}
	if env := decode[errorBody](t, w); env.Error.Code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", env.Error.Code)
	}

	other := execute("nightly-2025-03-02", map[string]any{"date": "2025-03-02"})
	wantStatus(t, other, 202)
	if got := decode[map[string]string](t, other)["execution_id"]; got == firstID {
		t.Error("a new key reused the first execution")
	}

	eventually(t, func() bool {
		w := do(t, r, "GET", "/executions?workflow_id=ingest", nil)
		return decode[struct {
			TotalCount int `json:"total_count"`
		}](t, w).TotalCount == 2
	})
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != RequestIDHeader {
		t.Errorf("Expose-Headers = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID_generated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.RequestIDFrom(r.Context()) == "" {
			t.Error("request ID should be generated")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get(RequestIDHeader); got == "" {
		t.Error("response should have X-Request-Id header")
	}
}

func TestRequestID_propagated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := observability.RequestIDFrom(r.Context()); id != "req-123" {
			t.Errorf("request ID = %q, want req-123", id)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("response X-Request-Id = %q, want req-123", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have deadline when timeout is 0")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	handler := RequestLogging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps(t))
	w := do(t, r, "GET", "/health", nil)

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get(RequestIDHeader); got == "" {
		t.Error("health should still get X-Request-Id")
	}
}
