package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/workflow"
)

// InsertWorkflow persists a new workflow version with its step document.
func (s *Store) InsertWorkflow(ctx context.Context, w *workflow.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, name, status, version, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.Name, string(w.Status), w.Version, steps, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("workflow %s already exists", w.ID)
		}
		return fmt.Errorf("insert workflow %s: %w", w.ID, err)
	}
	return nil
}

const workflowColumns = `id, name, status, version, steps, created_at, updated_at`

func scanWorkflow(row pgxRow) (*workflow.Workflow, error) {
	var w workflow.Workflow
	var steps []byte
	if err := row.Scan(
		&w.ID, &w.Name, &w.Status, &w.Version, &steps, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &w.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &w, nil
}

// GetWorkflow retrieves a single workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, notFound(err, "workflow %s", id)
	}
	return w, nil
}

// ListWorkflows returns every workflow version, oldest first.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowStatus moves from→to, conflicting when the stored
// status changed underneath the caller.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, from, to workflow.Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflows SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update workflow %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("workflow %s is no longer %s", id, from)
	}
	return nil
}

// InsertExecution persists a new execution. The partial unique index on
// workflow_id over running executions keeps one run per workflow.
func (s *Store) InsertExecution(ctx context.Context, e *workflow.Execution) error {
	execCtx, retries, err := marshalExecutionDocs(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, status, current_step, context, step_retries,
			error_message, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkflowID, string(e.Status), e.CurrentStep, execCtx, retries,
		e.ErrorMessage, e.Version, e.CreatedAt, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("workflow %s already has a running execution", e.WorkflowID)
		}
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, current_step, context, step_retries,
	error_message, version, created_at, updated_at, completed_at`

func scanExecution(row pgxRow) (*workflow.Execution, error) {
	var e workflow.Execution
	var execCtx, retries []byte
	if err := row.Scan(
		&e.ID, &e.WorkflowID, &e.Status, &e.CurrentStep, &execCtx, &retries,
		&e.ErrorMessage, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(execCtx, &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	if err := json.Unmarshal(retries, &e.StepRetries); err != nil {
		return nil, fmt.Errorf("unmarshal step retries: %w", err)
	}
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	if e.StepRetries == nil {
		e.StepRetries = make(map[int]int)
	}
	return &e, nil
}

// GetExecution retrieves a single execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "execution %s", id)
	}
	return e, nil
}

// ActiveExecution returns the workflow's running execution.
func (s *Store) ActiveExecution(ctx context.Context, workflowID string) (*workflow.Execution, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE workflow_id = $1 AND status = 'running'`,
		workflowID)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "running execution for workflow %s", workflowID)
	}
	return e, nil
}

// UpdateExecution persists the execution guarded by expectedVersion and
// bumps the stored version by one.
func (s *Store) UpdateExecution(ctx context.Context, e *workflow.Execution, expectedVersion int64) error {
	execCtx, retries, err := marshalExecutionDocs(e)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $3, current_step = $4, context = $5, step_retries = $6,
			error_message = $7, version = version + 1, updated_at = $8, completed_at = $9
		WHERE id = $1 AND version = $2`,
		e.ID, expectedVersion,
		string(e.Status), e.CurrentStep, execCtx, retries,
		e.ErrorMessage, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("execution %s was updated concurrently", e.ID)
	}
	e.Version = expectedVersion + 1
	return nil
}

func marshalExecutionDocs(e *workflow.Execution) (execCtx, retries []byte, err error) {
	if execCtx, err = json.Marshal(e.Context); err != nil {
		return nil, nil, fmt.Errorf("marshal execution context: %w", err)
	}
	if retries, err = json.Marshal(e.StepRetries); err != nil {
		return nil, nil, fmt.Errorf("marshal step retries: %w", err)
	}
	return execCtx, retries, nil
}
