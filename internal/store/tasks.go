package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
)

// InsertTask persists a new task. The partial unique index on
// (workflow_id, step_order) over live statuses surfaces here as a
// fault.Conflict: at most one non-terminal task per workflow step.
func (s *Store) InsertTask(ctx context.Context, t *ledger.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (
			id, title, description, status, priority, assigned_agent_id,
			workflow_id, step_order, context, result, error_message, deadline,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.AssignedAgentID, t.WorkflowID, t.StepOrder,
		nullableJSON(t.Context), nullableJSON(t.Result), t.ErrorMessage,
		t.Deadline, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("workflow %s already has a live task at step %d", t.WorkflowID, t.StepOrder)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, title, description, status, priority, assigned_agent_id,
	workflow_id, step_order, COALESCE(context, 'null'::jsonb), COALESCE(result, 'null'::jsonb),
	error_message, deadline, created_at, started_at, completed_at, updated_at`

func scanTask(row pgxRow) (*ledger.Task, error) {
	var t ledger.Task
	var taskCtx, result []byte
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.AssignedAgentID,
		&t.WorkflowID, &t.StepOrder, &taskCtx, &result,
		&t.ErrorMessage, &t.Deadline, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if string(taskCtx) != "null" {
		t.Context = taskCtx
	}
	if string(result) != "null" {
		t.Result = result
	}
	return &t, nil
}

// GetTask retrieves a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*ledger.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task %s", id)
	}
	return t, nil
}

// ListTasksByWorkflow returns a workflow's tasks in step order, retries
// of the same step in creation order.
func (s *Store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*ledger.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = $1 ORDER BY step_order, created_at`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var tasks []*ledger.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AssignTask binds a pending task to an agent.
func (s *Store) AssignTask(ctx context.Context, id, agentID string, at time.Time) error {
	return s.moveTask(ctx, id, `
		UPDATE tasks SET assigned_agent_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, agentID, at)
}

// StartTask moves pending→in_progress.
func (s *Store) StartTask(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, at)
	if err != nil {
		return fmt.Errorf("start task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("task %s is not pending", id)
	}
	return nil
}

// CompleteTask moves in_progress→completed with its result.
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'completed', result = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'in_progress'`,
		id, nullableJSON(result), at)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("task %s is not in progress", id)
	}
	return nil
}

// FailTask moves in_progress→failed.
func (s *Store) FailTask(ctx context.Context, id, errorMessage string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'in_progress'`,
		id, errorMessage, at)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("task %s is not in progress", id)
	}
	return nil
}

// CancelTask absorbs a live task into cancelled.
func (s *Store) CancelTask(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'in_progress')`,
		id, at)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("task %s is already terminal", id)
	}
	return nil
}

func (s *Store) moveTask(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("move task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("task %s is not in the expected status", id)
	}
	return nil
}
