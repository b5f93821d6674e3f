// Package integration provides a reusable test harness for end-to-end
// testing of the conduit engine. It starts the full HTTP API backed by a
// real orchestrator whose stages call mock stage services over HTTP.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/definition"
	"github.com/pitabwire/conduit/internal/idempotency"
	"github.com/pitabwire/conduit/internal/invoker"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/internal/transport"
	"github.com/pitabwire/conduit/internal/workflow"
	"github.com/pitabwire/conduit/model"
)

const eventsChannel = "conduit:events"

// TestHarness encapsulates a fully wired conduit instance with mock stage
// services for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Orchestrator *workflow.Orchestrator
	Gateway      *invoker.Gateway
	Store        *workflow.MemoryStore
	Bus          *workflow.EventBus
	Registry     *prometheus.Registry
	Redis        *miniredis.Miniredis

	services map[string]*MockService
	cfg      *config.Config

	eventsMu sync.Mutex
	events   []model.Event
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	services       []string
	definitionDirs []string
	breaker        *config.CircuitBreakerConfig
	engine         func(*config.EngineConfig)
	redisEvents    bool
	handlerTimeout time.Duration
}

// WithServices replaces the default set of mocked stage services.
func WithServices(names ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.services = names
	}
}

// WithDefinitions seeds the engine from workflow YAML files in dirs.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithCircuitBreaker sets the breaker used by every mocked service.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithEngine adjusts the engine configuration before the orchestrator is built.
func WithEngine(fn func(*config.EngineConfig)) HarnessOption {
	return func(c *harnessConfig) {
		c.engine = fn
	}
}

// WithRedisEvents publishes every event to an in-process Redis server.
func WithRedisEvents() HarnessOption {
	return func(c *harnessConfig) {
		c.redisEvents = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full conduit test instance. The server
// and engine are shut down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		services: []string{
			model.StageServiceData,
			model.StageServiceTraining,
			model.StageServiceNotification,
		},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		services: make(map[string]*MockService),
	}

	// Step 1: Start mock stage services.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Services = make(map[string]config.ServiceConfig, len(hc.services))
	for _, name := range hc.services {
		ms := newMockService(t, name)
		h.services[name] = ms

		breaker := config.DefaultCircuitBreaker()
		if hc.breaker != nil {
			breaker = *hc.breaker
		}
		h.cfg.Services[name] = config.ServiceConfig{
			BaseURL:        ms.URL(),
			Timeout:        5 * time.Second,
			CircuitBreaker: breaker,
		}
	}

	// Step 2: Engine configuration tuned for fast tests.
	h.cfg.Engine.HealthCheckInterval = 0
	h.cfg.Engine.DefaultRetry = model.RetryPolicy{MaxAttempts: 1, BackoffStrategy: model.BackoffFixed}
	if hc.engine != nil {
		hc.engine(&h.cfg.Engine)
	}

	// Step 3: Telemetry.
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)
	logger := zap.NewNop()

	// Step 4: Event bus, recording every event and optionally fanning out to Redis.
	h.Bus = workflow.NewEventBus(0, logger, metrics)
	for _, kind := range []model.EventKind{
		model.EventWorkflowCreated, model.EventWorkflowStarted, model.EventWorkflowCompleted,
		model.EventWorkflowFailed, model.EventWorkflowCancelled, model.EventHealthWarning,
		model.EventStuckExecutions,
	} {
		h.Bus.Subscribe(kind, h.recordEvent)
	}

	var (
		readiness observability.ReadinessChecks
		idemStore idempotency.Store = idempotency.NewMemoryStore()
	)
	if hc.redisEvents {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		sink := workflow.NewRedisEventSink(client, eventsChannel, 0)
		h.Bus.AddSink(sink)
		readiness.EventSink = sink
		idemStore = idempotency.NewRedisStore(client)
	}

	// Step 5: Gateway with one HTTP runner per mocked service.
	breakers := make(map[string]config.CircuitBreakerConfig, len(h.cfg.Services))
	for name, svc := range h.cfg.Services {
		breakers[name] = svc.CircuitBreaker
	}
	h.Gateway = invoker.NewGateway(
		invoker.WithLogger(logger),
		invoker.WithBreakers(config.DefaultCircuitBreaker(), breakers),
		invoker.WithBreakerObserver(func(service string, state invoker.BreakerState) {
			metrics.SetRunnerCircuitBreakerState(service, float64(state))
		}),
	)
	for name, svc := range h.cfg.Services {
		h.Gateway.Register(name, invoker.NewHTTPRunner(name, svc))
	}

	// Step 6: Orchestrator over an in-memory store.
	h.Store = workflow.NewMemoryStore()
	h.Orchestrator = workflow.NewOrchestrator(h.Store, h.Gateway,
		workflow.WithConfig(h.cfg.Engine),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithEventSink(h.Bus),
	)

	if len(hc.definitionDirs) > 0 {
		wfs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
		if err != nil {
			t.Fatalf("load definitions: %v", err)
		}
		for _, wf := range wfs {
			if _, err := h.Orchestrator.CreateWorkflow(context.Background(), wf); err != nil {
				t.Fatalf("register definition %s: %v", wf.ID, err)
			}
		}
	}

	// Step 7: Router with the full middleware chain.
	readiness.RunnersRegistered = func() bool { return len(h.Gateway.Services()) > 0 }
	readiness.Store = h.Store
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Engine:      h.Orchestrator,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    h.Registry,
		Readiness:   readiness,
		Idempotency: idemStore,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Orchestrator.Shutdown(ctx); err != nil {
			t.Errorf("orchestrator shutdown: %v", err)
		}
		h.Bus.Close(ctx)
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Service returns the mock for the named stage service.
func (h *TestHarness) Service(name string) *MockService {
	ms, ok := h.services[name]
	if !ok {
		h.t.Fatalf("mock service %q not configured", name)
	}
	return ms
}

func (h *TestHarness) recordEvent(_ context.Context, evt model.Event) {
	h.eventsMu.Lock()
	h.events = append(h.events, evt)
	h.eventsMu.Unlock()
}

// EventKinds returns the kinds of events delivered so far for executionID,
// in delivery order. An empty executionID returns every event kind.
func (h *TestHarness) EventKinds(executionID string) []model.EventKind {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	var kinds []model.EventKind
	for _, evt := range h.events {
		if executionID == "" || evt.ExecutionID == executionID {
			kinds = append(kinds, evt.Kind)
		}
	}
	return kinds
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with a JSON body and extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, headers)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Workflow helpers ---

// CreateActive registers wf through the API and activates it.
func (h *TestHarness) CreateActive(t *testing.T, wf map[string]any) {
	t.Helper()
	h.AssertStatus(t, h.POST("/workflows", wf), http.StatusCreated)
	h.AssertStatus(t, h.POST(fmt.Sprintf("/workflows/%s/status", wf["id"]),
		map[string]string{"status": model.WorkflowStatusActive}), http.StatusOK)
}

// Execute starts workflowID through the API and returns the execution ID.
func (h *TestHarness) Execute(t *testing.T, workflowID string, params map[string]any) string {
	t.Helper()
	var body map[string]any
	if params != nil {
		body = map[string]any{"parameters": params}
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	h.AssertJSON(t, h.POST("/workflows/"+workflowID+"/execute", body), http.StatusAccepted, &resp)
	return resp.ExecutionID
}

// WaitForStatus polls the execution until it reaches status or the timeout
// expires.
func (h *TestHarness) WaitForStatus(t *testing.T, executionID, status string, timeout time.Duration) model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var exec model.Execution
	for {
		h.AssertJSON(t, h.GET("/executions/"+executionID), http.StatusOK, &exec)
		if exec.Status == status {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s: status = %q after %s, want %q\n%s",
				executionID, exec.Status, timeout, status, FormatJSON(exec))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Fixtures ---

// StageFixture returns a stage definition with a single-attempt fixed policy.
func StageFixture(id, service string, deps ...string) map[string]any {
	stage := map[string]any{
		"id":      id,
		"service": service,
		"retry_policy": map[string]any{
			"max_attempts":     1,
			"backoff_strategy": model.BackoffFixed,
		},
	}
	if len(deps) > 0 {
		stage["dependencies"] = deps
	}
	return stage
}

// WorkflowFixture returns a workflow definition with the given stages.
func WorkflowFixture(id string, stages ...map[string]any) map[string]any {
	return map[string]any{
		"id":     id,
		"name":   id + " pipeline",
		"stages": stages,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
