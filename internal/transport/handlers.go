package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/idempotency"
	"github.com/pitabwire/conduit/internal/workflow"
	"github.com/pitabwire/conduit/model"
)

const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader lets clients retry an execute request without
// starting a second execution.
const IdempotencyKeyHeader = "Idempotency-Key"

type handlers struct {
	engine         Engine
	logger         *zap.Logger
	idempotency    idempotency.Store
	idempotencyTTL time.Duration
}

func (h *handlers) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}
	created, err := h.engine.CreateWorkflow(r.Context(), wf)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := h.engine.ListWorkflows(r.Context())
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := wfs[:0]
		for _, wf := range wfs {
			if wf.Status == status {
				filtered = append(filtered, wf)
			}
		}
		wfs = filtered
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        wfs,
		"total_count": len(wfs),
	})
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflow(r.Context(), chi.URLParam(r, "workflowId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

func (h *handlers) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}
	updated, err := h.engine.UpdateWorkflow(r.Context(), chi.URLParam(r, "workflowId"), wf)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *handlers) setWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Status == "" {
		WriteBadRequest(w, "status is required")
		return
	}
	wf, err := h.engine.SetWorkflowStatus(r.Context(), chi.URLParam(r, "workflowId"), body.Status)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

func (h *handlers) workflowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetWorkflowStatus(r.Context(), chi.URLParam(r, "workflowId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *handlers) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parameters  map[string]any `json:"parameters"`
		TriggeredBy *model.Trigger `json:"triggered_by"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}

	opts := workflow.ExecuteOptions{
		Parameters:  body.Parameters,
		TriggeredBy: model.Trigger{Type: model.TriggerAPI},
	}
	if body.TriggeredBy != nil && body.TriggeredBy.Type != "" {
		opts.TriggeredBy = *body.TriggeredBy
	}

	workflowID := chi.URLParam(r, "workflowId")

	var idemKey, inputHash string
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" && h.idempotency != nil && h.idempotencyTTL > 0 {
		hash, err := idempotency.HashInput(opts.Parameters, opts.TriggeredBy)
		if err != nil {
			WriteError(w, err)
			return
		}
		idemKey, inputHash = idempotency.FormatKey(workflowID, key), hash

		prev, found, err := h.idempotency.Check(r.Context(), idemKey, inputHash)
		if err != nil {
			WriteError(w, err)
			return
		}
		if found {
			w.Header().Set("Idempotent-Replayed", "true")
			WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": prev})
			return
		}
	}

	id, err := h.engine.ExecuteWorkflow(r.Context(), workflowID, opts)
	if err != nil {
		WriteError(w, err)
		return
	}

	if idemKey != "" {
		if err := h.idempotency.Store(r.Context(), idemKey, inputHash, id, h.idempotencyTTL); err != nil {
			h.logger.Warn("idempotency record failed",
				zap.String("workflow_id", workflowID),
				zap.String("execution_id", id),
				zap.Error(err),
			)
		}
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.engine.ListExecutions(r.Context(),
		r.URL.Query().Get("workflow_id"),
		queryInt(r, "limit", 50),
	)
	if err != nil {
		WriteError(w, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        execs,
		"total_count": len(execs),
	})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.GetExecution(r.Context(), chi.URLParam(r, "executionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *handlers) cancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.CancelExecution(r.Context(), chi.URLParam(r, "executionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *handlers) overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.engine.GetSystemOverview(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ov)
}

func (h *handlers) optimizations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.OptimizeWorkflows(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []workflow.Recommendation{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// queryInt parses an integer query parameter, returning def when it is
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
