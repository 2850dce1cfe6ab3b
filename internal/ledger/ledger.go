// Package ledger records task state transitions. It enforces the task
// state machine (pending → in_progress → completed|failed, cancellation
// from any non-terminal state) independently of the workflow engine.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
)

// Store is the persistence surface for tasks. Every transition method
// is a conditional single-row update guarded by the expected current
// status; a guard miss returns a fault.Conflict.
type Store interface {
	// InsertTask persists a new task, failing with fault.Conflict when
	// another task already holds the same (workflow_id, step_order).
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*Task, error)
	AssignTask(ctx context.Context, id, agentID string, at time.Time) error
	StartTask(ctx context.Context, id string, at time.Time) error
	CompleteTask(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	FailTask(ctx context.Context, id, errorMessage string, at time.Time) error
	CancelTask(ctx context.Context, id string, at time.Time) error
}

// Ledger validates and performs all task mutations.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger backed by store.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// CreateRequest carries the fields of a new task. WorkflowID empty
// means a standalone task; StepOrder is only meaningful when bound.
type CreateRequest struct {
	Title       string
	Description string
	Priority    Priority
	WorkflowID  string
	StepOrder   int
	Context     json.RawMessage
	Deadline    *time.Time
}

// Create records a new pending task.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if req.Title == "" {
		return nil, fault.Validationf("task title is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !validPriority(req.Priority) {
		return nil, fault.Validationf("unknown task priority %q", req.Priority)
	}
	if req.WorkflowID == "" && req.StepOrder != 0 {
		return nil, fault.Validationf("step order requires a workflow id")
	}
	if req.WorkflowID != "" && req.StepOrder < 0 {
		return nil, fault.Validationf("step order must not be negative")
	}

	now := l.now()
	t := &Task{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusPending,
		Priority:    req.Priority,
		WorkflowID:  req.WorkflowID,
		StepOrder:   req.StepOrder,
		Context:     req.Context,
		Deadline:    req.Deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task %q: %w", req.Title, err)
	}
	l.logger.Info("task created",
		zap.String("task", t.ID),
		zap.String("title", t.Title),
		zap.String("workflow", t.WorkflowID),
		zap.Int("step", t.StepOrder))
	return t, nil
}

// Get returns one task by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Task, error) {
	return l.store.GetTask(ctx, id)
}

// ListByWorkflow returns a workflow's tasks in step order.
func (l *Ledger) ListByWorkflow(ctx context.Context, workflowID string) ([]*Task, error) {
	return l.store.ListTasksByWorkflow(ctx, workflowID)
}

// Assign binds a pending task to an agent.
func (l *Ledger) Assign(ctx context.Context, taskID, agentID string) error {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fault.Statef("task %s is %s, only pending tasks can be assigned", taskID, t.Status)
	}
	if err := l.store.AssignTask(ctx, taskID, agentID, l.now()); err != nil {
		return err
	}
	l.logger.Info("task assigned", zap.String("task", taskID), zap.String("agent", agentID))
	return nil
}

// Start moves a pending task to in_progress.
func (l *Ledger) Start(ctx context.Context, taskID string) error {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fault.Statef("task %s is %s, cannot start", taskID, t.Status)
	}
	return l.store.StartTask(ctx, taskID, l.now())
}

// Complete moves an in_progress task to completed with its result.
// Completing an already-completed task with an identical result is a
// no-op; any other terminal state is an error.
func (l *Ledger) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusCompleted:
		if bytes.Equal(normalizeJSON(t.Result), normalizeJSON(result)) {
			return nil
		}
		return fault.Statef("task %s already completed with a different result", taskID)
	case StatusFailed, StatusCancelled:
		return fault.Statef("task %s is %s, cannot complete", taskID, t.Status)
	case StatusPending:
		return fault.Statef("task %s has not been started", taskID)
	}
	if err := l.store.CompleteTask(ctx, taskID, result, l.now()); err != nil {
		return err
	}
	l.logger.Info("task completed", zap.String("task", taskID))
	return nil
}

// Fail moves an in_progress task to failed with a human-readable error.
// Re-failing with the same message is a no-op.
func (l *Ledger) Fail(ctx context.Context, taskID, errorMessage string) error {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusFailed:
		if t.ErrorMessage == errorMessage {
			return nil
		}
		return fault.Statef("task %s already failed with a different error", taskID)
	case StatusCompleted, StatusCancelled:
		return fault.Statef("task %s is %s, cannot fail", taskID, t.Status)
	case StatusPending:
		return fault.Statef("task %s has not been started", taskID)
	}
	if err := l.store.FailTask(ctx, taskID, errorMessage, l.now()); err != nil {
		return err
	}
	l.logger.Info("task failed", zap.String("task", taskID), zap.String("error", errorMessage))
	return nil
}

// Cancel aborts a pending or in_progress task.
func (l *Ledger) Cancel(ctx context.Context, taskID string) error {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fault.Statef("task %s is %s, cannot cancel", taskID, t.Status)
	}
	if err := l.store.CancelTask(ctx, taskID, l.now()); err != nil {
		return err
	}
	l.logger.Info("task cancelled", zap.String("task", taskID))
	return nil
}

// normalizeJSON compacts raw JSON so semantically identical results
// compare equal regardless of whitespace.
func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
