package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/model"
)

// maxResponseBytes caps how much of a collaborator response is read.
const maxResponseBytes = 10 << 20

// stageRequest is the JSON body sent to a collaborator.
type stageRequest struct {
	Stage      model.Stage            `json:"stage"`
	Execution  model.ExecutionContext `json:"execution"`
	Parameters map[string]any         `json:"parameters,omitempty"`
}

// StatusError is returned when a collaborator answers with a non-2xx status.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("service %q returned HTTP %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("service %q returned HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// HTTPRunner runs stages by POSTing them to an HTTP collaborator at
// <base_url>/<operation>, falling back to the stage ID when the stage names
// no operation. The response body, a JSON object, becomes the stage outputs.
type HTTPRunner struct {
	service string
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner for one configured service.
func NewHTTPRunner(service string, cfg config.ServiceConfig) *HTTPRunner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPRunner{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Run implements model.StageRunner.
func (r *HTTPRunner) Run(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(stageRequest{Stage: stage, Execution: exec, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("encode stage request: %w", err)
	}

	op := stage.Operation
	if op == "" {
		op = stage.ID
	}
	reqURL := r.baseURL + "/" + url.PathEscape(op)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Conduit-Execution-Id", exec.ExecutionID)
	req.Header.Set("X-Conduit-Workflow-Id", exec.WorkflowID)
	req.Header.Set("X-Conduit-Stage-Id", stage.ID)
	req.Header.Set("X-Conduit-Attempt", strconv.Itoa(exec.Attempt))
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call service %q: %w", r.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %q: %w", r.service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Service: r.service, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response from %q: %w", r.service, err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
