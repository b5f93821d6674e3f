package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockService is an HTTP test server that stands in for a stage service.
// Stages reach it as POST /<operation>. Responses are scripted per operation
// and every received request is recorded for later assertion.
type MockService struct {
	t       *testing.T
	service string
	server  *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures a stage call received by the mock service.
type RecordedRequest struct {
	StageID     string
	ExecutionID string
	WorkflowID  string
	Attempt     string
	Headers     http.Header
	Body        map[string]any
	ReceivedAt  time.Time
}

// Parameters returns the execution parameters sent with the call.
func (r *RecordedRequest) Parameters() map[string]any {
	p, _ := r.Body["parameters"].(map[string]any)
	return p
}

// Outputs returns the upstream stage outputs sent with the call.
func (r *RecordedRequest) Outputs() map[string]any {
	exec, _ := r.Body["execution"].(map[string]any)
	out, _ := exec["outputs"].(map[string]any)
	return out
}

// operationConfig holds the scripted responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for scripting responses for one operation.
type OperationMock struct {
	service *MockService
	op      string
}

// newMockService creates a mock stage service and starts its HTTP server.
func newMockService(t *testing.T, service string) *MockService {
	t.Helper()

	ms := &MockService{
		t:            t,
		service:      service,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{operation}", ms.handleOperation)

	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)

	return ms
}

// URL returns the base URL of the mock service.
func (ms *MockService) URL() string {
	return ms.server.URL
}

// OnOperation returns a builder for scripting responses for the named
// operation. Stages without an operation are called by stage ID.
func (ms *MockService) OnOperation(operation string) *OperationMock {
	return &OperationMock{service: ms, op: operation}
}

// RespondWith queues a response with the given status and body. The last
// queued response repeats once the queue is exhausted.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.service.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithDelay queues a delayed response to simulate a slow service.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.service.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.service.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (ms *MockService) addResponse(op string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cfg, ok := ms.operations[op]
	if !ok {
		cfg = &operationConfig{}
		ms.operations[op] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (ms *MockService) handleOperation(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("operation")

	rec := &RecordedRequest{
		StageID:     r.Header.Get("X-Conduit-Stage-Id"),
		ExecutionID: r.Header.Get("X-Conduit-Execution-Id"),
		WorkflowID:  r.Header.Get("X-Conduit-Workflow-Id"),
		Attempt:     r.Header.Get("X-Conduit-Attempt"),
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}
	if body, _ := io.ReadAll(r.Body); len(body) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			rec.Body = parsed
		}
	}

	ms.mu.Lock()
	ms.receivedByOp[op] = append(ms.receivedByOp[op], rec)
	ms.mu.Unlock()

	resp := ms.nextResponse(op)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

func (ms *MockService) nextResponse(op string) *mockResponse {
	ms.mu.RLock()
	cfg, ok := ms.operations[op]
	ms.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many times the operation was called.
func (ms *MockService) Calls(op string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.receivedByOp[op])
}

// AssertCalled verifies that the operation was called the expected number of times.
func (ms *MockService) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := ms.Calls(op); actual != expected {
		t.Errorf("mock %s: operation %q called %d times, want %d", ms.service, op, actual, expected)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (ms *MockService) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	ms.AssertCalled(t, op, 0)
}

// LastRequest returns the last request received for the operation, or nil.
func (ms *MockService) LastRequest(op string) *RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByOp[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every request received for the operation.
func (ms *MockService) AllRequests(op string) []*RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByOp[op]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and scripted responses for one operation.
func (ms *MockService) ResetOperation(op string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.operations, op)
	delete(ms.receivedByOp, op)
}
