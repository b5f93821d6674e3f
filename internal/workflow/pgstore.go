package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/conduit/model"
)

const uniqueViolation = "23505"

// schemaDDL creates the tables used by PgStore. Records are stored as JSONB
// documents; the scalar columns exist for filtering and ordering.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS conduit_workflows (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	document   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conduit_executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	start_time  TIMESTAMPTZ NOT NULL,
	document    JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS conduit_executions_workflow_idx
	ON conduit_executions (workflow_id, start_time DESC);
CREATE INDEX IF NOT EXISTS conduit_executions_status_idx
	ON conduit_executions (status);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the store's tables and indexes if they are missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if err := s.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Exec runs a raw statement against the pool.
func (s *PgStore) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.pool.Exec(ctx, sql, args...)
	return err
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateWorkflow inserts a new workflow.
func (s *PgStore) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conduit_workflows (id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		wf.ID, wf.Status, doc, wf.CreatedAt, wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow replaces a stored workflow.
func (s *PgStore) UpdateWorkflow(ctx context.Context, wf model.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_workflows SET
			status = $1,
			document = $2,
			updated_at = $3
		WHERE id = $4`,
		wf.Status, doc, wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", wf.ID))
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *PgStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM conduit_workflows WHERE id = $1`, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}

	var wf model.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns every workflow ordered by creation time.
func (s *PgStore) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document FROM conduit_workflows ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var result []model.Workflow
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var wf model.Workflow
		if err := json.Unmarshal(doc, &wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// CreateExecution inserts a new execution record.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conduit_executions (id, workflow_id, status, start_time, document)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.WorkflowID, exec.Status, exec.StartTime, doc,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution replaces a stored execution record.
func (s *PgStore) UpdateExecution(ctx context.Context, exec model.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_executions SET
			status = $1,
			document = $2
		WHERE id = $3`,
		exec.Status, doc, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *PgStore) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM conduit_executions WHERE id = $1`, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("query execution: %w", err)
	}

	var exec model.Execution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return model.Execution{}, fmt.Errorf("unmarshal execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *PgStore) ListExecutions(ctx context.Context, filters ExecutionFilters) ([]model.Execution, error) {
	query := `SELECT document FROM conduit_executions WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filters.WorkflowID)
		argIdx++
	}
	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, filters.Statuses)
		argIdx++
	}

	query += " ORDER BY start_time DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var result []model.Execution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var exec model.Execution
		if err := json.Unmarshal(doc, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
