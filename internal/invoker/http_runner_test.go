package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/model"
)

func TestHTTPRunner_Run_success(t *testing.T) {
	var gotPath, gotAttempt, gotExec string
	var gotBody stageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAttempt = r.Header.Get("X-Conduit-Attempt")
		gotExec = r.Header.Get("X-Conduit-Execution-Id")
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model_uri":"s3://models/churn/7","accuracy":0.93}`))
	}))
	defer srv.Close()

	r := NewHTTPRunner("training", config.ServiceConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	stage := model.Stage{ID: "train", Service: "training", Operation: "fit"}
	exec := model.ExecutionContext{ExecutionID: "ex-9", WorkflowID: "wf-1", Attempt: 2}

	out, err := r.Run(context.Background(), stage, exec, map[string]any{"epochs": 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gotPath != "/fit" {
		t.Errorf("path = %q, want /fit", gotPath)
	}
	if gotAttempt != "2" {
		t.Errorf("X-Conduit-Attempt = %q, want 2", gotAttempt)
	}
	if gotExec != "ex-9" {
		t.Errorf("X-Conduit-Execution-Id = %q, want ex-9", gotExec)
	}
	if gotBody.Stage.ID != "train" || gotBody.Execution.Attempt != 2 {
		t.Errorf("body = %+v", gotBody)
	}
	if gotBody.Parameters["epochs"] != float64(3) {
		t.Errorf("parameters = %v", gotBody.Parameters)
	}
	if out["model_uri"] != "s3://models/churn/7" {
		t.Errorf("outputs = %v", out)
	}
}

func TestHTTPRunner_Run_defaultsToStageID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewHTTPRunner("data", config.ServiceConfig{BaseURL: srv.URL})
	out, err := r.Run(context.Background(), model.Stage{ID: "extract"}, model.ExecutionContext{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gotPath != "/extract" {
		t.Errorf("path = %q, want /extract", gotPath)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("outputs = %v, want empty map", out)
	}
}

func TestHTTPRunner_Run_non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("warming up"))
	}))
	defer srv.Close()

	r := NewHTTPRunner("inference", config.ServiceConfig{BaseURL: srv.URL})
	_, err := r.Run(context.Background(), model.Stage{ID: "score"}, model.ExecutionContext{}, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "warming up" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestHTTPRunner_Run_invalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[1,2,3]"))
	}))
	defer srv.Close()

	r := NewHTTPRunner("evaluation", config.ServiceConfig{BaseURL: srv.URL})
	if _, err := r.Run(context.Background(), model.Stage{ID: "eval"}, model.ExecutionContext{}, nil); err == nil {
		t.Fatal("Run() should fail on a non-object response")
	}
}

func TestHTTPRunner_Run_contextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	r := NewHTTPRunner("training", config.ServiceConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, model.Stage{ID: "train"}, model.ExecutionContext{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
}
