// Package workflow drives executions through their workflow's ordered
// step definitions: resolving capable agents, delegating tasks over the
// message channel and reacting to result/error messages. All engine
// reactions coordinate through the persisted execution record; cursor
// mutations are optimistic version-checked updates retried on conflict.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
)

// Store is the persistence surface for workflows and executions.
type Store interface {
	InsertWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	// UpdateWorkflowStatus moves from→to atomically, conflicting when
	// the stored status no longer matches from.
	UpdateWorkflowStatus(ctx context.Context, id string, from, to Status) error
	InsertExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ActiveExecution returns the workflow's running execution, or a
	// fault.NotFound when none is running.
	ActiveExecution(ctx context.Context, workflowID string) (*Execution, error)
	// UpdateExecution persists e guarded by expectedVersion and bumps
	// the stored version; a mismatch returns fault.Conflict.
	UpdateExecution(ctx context.Context, e *Execution, expectedVersion int64) error
}

const (
	// delegationMaxRetries is the channel retry budget for delegation
	// and cancellation messages the engine sends.
	delegationMaxRetries = 3
	// casAttempts bounds how often a reaction retries its optimistic
	// update before giving up.
	casAttempts = 5
)

// Engine coordinates workflow executions.
type Engine struct {
	store    Store
	registry *registry.Registry
	ledger   *ledger.Ledger
	channel  *channel.Channel
	// agentID is the orchestrator agent identity the engine sends
	// delegations as; executors address their replies to it.
	agentID string
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an engine acting as the given orchestrator agent.
func New(store Store, reg *registry.Registry, led *ledger.Ledger, ch *channel.Channel, agentID string, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: reg,
		ledger:   led,
		channel:  ch,
		agentID:  agentID,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateWorkflow records a new draft workflow at version 1.
func (e *Engine) CreateWorkflow(ctx context.Context, name string, steps []Step) (*Workflow, error) {
	if name == "" {
		return nil, fault.Validationf("workflow name is required")
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	now := e.now()
	w := &Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusDraft,
		Version:   1,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow %q: %w", name, err)
	}
	e.logger.Info("workflow created",
		zap.String("workflow", w.ID),
		zap.String("name", name),
		zap.Int("steps", len(steps)))
	return w, nil
}

// NewVersion copies a workflow into a fresh draft with version+1. The
// original definition stays immutable.
func (e *Engine) NewVersion(ctx context.Context, workflowID string, steps []Step) (*Workflow, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	prev, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	w := &Workflow{
		ID:        uuid.New().String(),
		Name:      prev.Name,
		Status:    StatusDraft,
		Version:   prev.Version + 1,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("version workflow %q: %w", prev.Name, err)
	}
	e.logger.Info("workflow versioned",
		zap.String("workflow", w.ID),
		zap.String("previous", prev.ID),
		zap.Int("version", w.Version))
	return w, nil
}

// Activate makes a draft workflow executable.
func (e *Engine) Activate(ctx context.Context, workflowID string) error {
	return e.moveWorkflow(ctx, workflowID, StatusDraft, StatusActive)
}

// Pause suspends an active workflow: running executions keep reacting,
// but no new execution may start.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	return e.moveWorkflow(ctx, workflowID, StatusActive, StatusPaused)
}

// Resume reactivates a paused workflow.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	return e.moveWorkflow(ctx, workflowID, StatusPaused, StatusActive)
}

// recordWorkflowOutcome mirrors a terminal execution onto its workflow,
// best effort: a workflow that is no longer active — paused meanwhile,
// or raced by another outcome — keeps its status.
func (e *Engine) recordWorkflowOutcome(ctx context.Context, workflowID string, to Status) {
	err := e.moveWorkflow(ctx, workflowID, StatusActive, to)
	if err == nil || fault.IsKind(err, fault.State) || fault.IsKind(err, fault.Conflict) {
		return
	}
	e.logger.Warn("record workflow outcome",
		zap.String("workflow", workflowID),
		zap.String("status", string(to)),
		zap.Error(err))
}

func (e *Engine) moveWorkflow(ctx context.Context, id string, from, to Status) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != from {
		return fault.Statef("workflow %s is %s, expected %s", id, w.Status, from)
	}
	return e.store.UpdateWorkflowStatus(ctx, id, from, to)
}

// GetWorkflow returns a workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns all workflow versions.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// GetExecution returns an execution by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// Start creates an execution at step 0 and delegates the first step
// set. The workflow must be active, and live step-order uniqueness
// allows only one running execution per workflow. When no capable agent
// exists for a first step the execution is returned already failed
// rather than queued indefinitely.
func (e *Engine) Start(ctx context.Context, workflowID string, initialContext map[string]any) (*Execution, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusActive {
		return nil, fault.Statef("workflow %s is %s, only active workflows can start", workflowID, w.Status)
	}
	if _, err := e.store.ActiveExecution(ctx, workflowID); err == nil {
		return nil, fault.Conflictf("workflow %s already has a running execution", workflowID)
	} else if !fault.IsKind(err, fault.NotFound) {
		return nil, err
	}

	execCtx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		execCtx[k] = v
	}
	now := e.now()
	exec := &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      ExecutionRunning,
		CurrentStep: 0,
		Context:     execCtx,
		StepRetries: make(map[int]int),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", workflowID, err)
	}
	e.logger.Info("execution started",
		zap.String("execution", exec.ID),
		zap.String("workflow", workflowID))

	if err := e.delegate(ctx, w, exec); err != nil {
		if ferr := e.failExecution(ctx, exec.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return e.store.GetExecution(ctx, exec.ID)
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// Run consumes the engine agent's inbox and reacts to each message
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, transport channel.Transport) error {
	inbox, err := transport.Subscribe(ctx, e.agentID)
	if err != nil {
		return fmt.Errorf("subscribe engine inbox: %w", err)
	}
	e.logger.Info("engine reactor started", zap.String("agent", e.agentID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-inbox:
			if !ok {
				return nil
			}
			e.react(ctx, m)
		}
	}
}

// react handles one inbound message and acknowledges it only once the
// reaction took hold. A message left unacknowledged after a transient
// failure comes back on the next redelivery; reactions are idempotent
// against the duplicates that follow a late acknowledgement.
func (e *Engine) react(ctx context.Context, m *channel.Message) {
	if err := e.HandleMessage(ctx, m); err != nil {
		e.logger.Warn("handle message",
			zap.String("message", m.ID),
			zap.String("type", string(m.Type)),
			zap.Error(err))
		return
	}
	if err := e.channel.Acknowledge(ctx, m.ID, e.agentID); err != nil && !fault.IsKind(err, fault.State) {
		e.logger.Warn("acknowledge inbound", zap.String("message", m.ID), zap.Error(err))
	}
}

// HandleMessage reacts to one inbound message. Result messages complete
// the correlated task and advance the execution; error messages —
// including the channel's delivery-failure notifications — fail the
// task and apply the step's failure policy.
func (e *Engine) HandleMessage(ctx context.Context, m *channel.Message) error {
	switch m.Type {
	case channel.TypeResult:
		return e.onResult(ctx, m)
	case channel.TypeError:
		return e.onError(ctx, m)
	case channel.TypeAck:
		return e.onWorkStarted(ctx, m)
	default:
		// Heartbeats and echoes of our own delegations need no reaction.
		return nil
	}
}

// onWorkStarted moves the correlated task to in_progress when an
// executor announces it picked the delegation up.
func (e *Engine) onWorkStarted(ctx context.Context, m *channel.Message) error {
	if m.CorrelationID == "" {
		return nil
	}
	t, err := e.ledger.Get(ctx, m.CorrelationID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil
		}
		return err
	}
	if t.Status != ledger.StatusPending {
		return nil
	}
	return e.ledger.Start(ctx, t.ID)
}

func (e *Engine) onResult(ctx context.Context, m *channel.Message) error {
	t, err := e.ledger.Get(ctx, m.CorrelationID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			e.logger.Debug("result for unknown task", zap.String("correlation", m.CorrelationID))
			return nil
		}
		return err
	}
	if t.Status.Terminal() {
		// At-least-once delivery: a duplicate of an already-absorbed result.
		return nil
	}
	if t.Status == ledger.StatusPending {
		if err := e.ledger.Start(ctx, t.ID); err != nil {
			return err
		}
	}
	if err := e.ledger.Complete(ctx, t.ID, m.Payload); err != nil {
		return err
	}
	if t.WorkflowID == "" {
		return nil
	}
	return e.advance(ctx, t, m.Payload)
}

func (e *Engine) onError(ctx context.Context, m *channel.Message) error {
	if m.CorrelationID == "" {
		return nil
	}
	t, err := e.ledger.Get(ctx, m.CorrelationID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil
		}
		return err
	}
	if t.Status.Terminal() {
		// Duplicate of an error already absorbed; reacting again would
		// double-count the step's retry budget.
		return nil
	}
	reason := errorReason(m.Payload)
	if t.Status == ledger.StatusPending {
		if err := e.ledger.Start(ctx, t.ID); err != nil {
			return err
		}
	}
	if err := e.ledger.Fail(ctx, t.ID, reason); err != nil {
		return err
	}
	if t.WorkflowID == "" {
		return nil
	}
	return e.branchOnFailure(ctx, t, reason)
}

// advance merges the result into the execution context and, once every
// step in the current set is completed, moves the cursor to the next
// step (branch predicates first, sequential order otherwise) or
// completes the execution.
func (e *Engine) advance(ctx context.Context, t *ledger.Task, payload json.RawMessage) error {
	w, exec, err := e.loadReaction(ctx, t)
	if err != nil || exec == nil {
		return err
	}

	var next int
	var finished, advanced bool
	err = e.mutate(ctx, exec.ID, func(x *Execution) (bool, error) {
		advanced, finished = false, false
		if x.Status != ExecutionRunning {
			return false, nil
		}
		group := stepGroup(w, x.CurrentStep)
		if !containsInt(group, t.StepOrder) {
			// A straggler from an earlier step set; its result is
			// already in the ledger, nothing to advance.
			return false, nil
		}
		mergeContext(x.Context, payload)

		done, failed, err := e.groupState(ctx, w, x, group)
		if err != nil {
			return false, err
		}
		if !done || failed {
			// Not all siblings are in yet, or a failure reaction owns
			// this set; persist the merged context only.
			return true, nil
		}

		next = nextStep(w, x.CurrentStep, group, x.Context)
		if next >= len(w.Steps) {
			now := e.now()
			x.Status = ExecutionCompleted
			x.CurrentStep = len(w.Steps)
			x.CompletedAt = &now
			finished = true
			return true, nil
		}
		x.CurrentStep = next
		advanced = true
		return true, nil
	})
	if err != nil {
		return err
	}

	if finished {
		e.recordWorkflowOutcome(ctx, w.ID, StatusCompleted)
		e.logger.Info("execution completed",
			zap.String("execution", exec.ID),
			zap.String("workflow", w.ID))
		return nil
	}
	if advanced {
		return e.delegateCurrent(ctx, w, exec.ID)
	}
	return nil
}

// branchOnFailure applies the failing step's policy: bounded re-delegation
// of the same step, a jump to the declared alternate step, or failing
// the whole execution. The first sibling failure fails the whole
// parallel set; remaining live sibling tasks are cancelled.
func (e *Engine) branchOnFailure(ctx context.Context, t *ledger.Task, reason string) error {
	w, exec, err := e.loadReaction(ctx, t)
	if err != nil || exec == nil {
		return err
	}

	var plan string // "retry", "jump" or "fail"
	err = e.mutate(ctx, exec.ID, func(x *Execution) (bool, error) {
		plan = ""
		if x.Status != ExecutionRunning {
			return false, nil
		}
		group := stepGroup(w, x.CurrentStep)
		if !containsInt(group, t.StepOrder) {
			return false, nil
		}
		leader := x.CurrentStep
		step := w.Steps[leader]
		allowed := DefaultStepRetries
		policy := step.OnFailure
		if policy != nil {
			allowed = policy.Retries
		}
		if x.StepRetries == nil {
			x.StepRetries = make(map[int]int)
		}
		switch {
		case x.StepRetries[leader] < allowed:
			x.StepRetries[leader]++
			plan = "retry"
		case policy != nil && policy.JumpTo != nil:
			x.CurrentStep = *policy.JumpTo
			plan = "jump"
		default:
			x.Status = ExecutionFailed
			x.ErrorMessage = fmt.Sprintf("step %d (%s) failed: %s", leader, step.Name, reason)
			plan = "fail"
		}
		return true, nil
	})
	if err != nil || plan == "" {
		return err
	}

	// Whatever the plan, stragglers of the failed set stop now.
	e.cancelGroupTasks(ctx, w, exec.WorkflowID, stepGroup(w, exec.CurrentStep), t.ID)

	switch plan {
	case "retry", "jump":
		e.logger.Info("execution rerouted after failure",
			zap.String("execution", exec.ID),
			zap.String("plan", plan),
			zap.String("reason", reason))
		return e.delegateCurrent(ctx, w, exec.ID)
	default:
		e.recordWorkflowOutcome(ctx, w.ID, StatusFailed)
		e.logger.Warn("execution failed",
			zap.String("execution", exec.ID),
			zap.String("workflow", w.ID),
			zap.String("reason", reason))
		return nil
	}
}

// Cancel marks the execution cancelled, cancels its live tasks and
// notifies — best effort — any agent holding an in-flight delegation.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	w, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	err = e.mutate(ctx, executionID, func(x *Execution) (bool, error) {
		if x.Status.Terminal() {
			return false, fault.Statef("execution %s is %s, cannot cancel", executionID, x.Status)
		}
		x.Status = ExecutionCancelled
		return true, nil
	})
	if err != nil {
		return err
	}
	e.cancelGroupTasks(ctx, w, exec.WorkflowID, nil, "")
	e.logger.Info("execution cancelled", zap.String("execution", executionID))
	return nil
}

// RetryFromStep restarts a failed execution at the given step. This is
// the only operation allowed to move the cursor backwards.
func (e *Engine) RetryFromStep(ctx context.Context, executionID string, step int) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	w, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	if step < 0 || step >= len(w.Steps) {
		return fault.Validationf("step %d out of range for workflow %s", step, w.ID)
	}
	err = e.mutate(ctx, executionID, func(x *Execution) (bool, error) {
		if x.Status != ExecutionFailed {
			return false, fault.Statef("execution %s is %s, only failed executions can be retried", executionID, x.Status)
		}
		x.Status = ExecutionRunning
		x.CurrentStep = step
		x.ErrorMessage = ""
		x.StepRetries = make(map[int]int)
		x.CompletedAt = nil
		return true, nil
	})
	if err != nil {
		return err
	}
	// The retried run makes the workflow's recorded failure stale.
	if w.Status == StatusFailed {
		if uerr := e.store.UpdateWorkflowStatus(ctx, w.ID, StatusFailed, StatusActive); uerr != nil && !fault.IsKind(uerr, fault.Conflict) {
			e.logger.Warn("reactivate workflow for retry", zap.String("workflow", w.ID), zap.Error(uerr))
		}
	}
	e.logger.Info("execution retrying",
		zap.String("execution", executionID),
		zap.Int("step", step))
	return e.delegateCurrent(ctx, w, executionID)
}

// --- internals ---

// loadReaction resolves the workflow and running execution behind a
// task-correlated message. A nil execution means the run is already
// terminal and the message needs no reaction.
func (e *Engine) loadReaction(ctx context.Context, t *ledger.Task) (*Workflow, *Execution, error) {
	exec, err := e.store.ActiveExecution(ctx, t.WorkflowID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	w, err := e.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return w, exec, nil
}

// mutate applies fn to a fresh copy of the execution and persists it
// under an optimistic version check, retrying on conflict. fn returning
// false skips the write.
func (e *Engine) mutate(ctx context.Context, executionID string, fn func(*Execution) (bool, error)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		x, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		changed, err := fn(x)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		x.UpdatedAt = e.now()
		err = e.store.UpdateExecution(ctx, x, x.Version)
		if err == nil {
			return nil
		}
		if !fault.IsKind(err, fault.Conflict) {
			return err
		}
	}
	return fault.Conflictf("execution %s: too many concurrent updates", executionID)
}

func (e *Engine) failExecution(ctx context.Context, executionID, reason string) error {
	var failed bool
	var workflowID string
	err := e.mutate(ctx, executionID, func(x *Execution) (bool, error) {
		failed = false
		if x.Status.Terminal() {
			return false, nil
		}
		x.Status = ExecutionFailed
		x.ErrorMessage = reason
		workflowID = x.WorkflowID
		failed = true
		return true, nil
	})
	if err == nil && failed {
		e.recordWorkflowOutcome(ctx, workflowID, StatusFailed)
	}
	return err
}

// delegateCurrent reloads the execution and delegates its current step
// set, failing the execution when delegation cannot proceed.
func (e *Engine) delegateCurrent(ctx context.Context, w *Workflow, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecutionRunning {
		return nil
	}
	if err := e.delegate(ctx, w, exec); err != nil {
		return e.failExecution(ctx, executionID, err.Error())
	}
	return nil
}

// delegatePayload is what a delegated agent receives.
type delegatePayload struct {
	TaskID     string         `json:"task_id"`
	Step       int            `json:"step"`
	StepName   string         `json:"step_name"`
	Capability string         `json:"capability"`
	Context    map[string]any `json:"context,omitempty"`
}

// delegate creates, assigns and dispatches a task for every step in the
// execution's current step set. No capable agent for any step is a
// fail-fast error: queueing indefinitely would only mask a capacity
// problem.
func (e *Engine) delegate(ctx context.Context, w *Workflow, exec *Execution) error {
	for _, idx := range stepGroup(w, exec.CurrentStep) {
		step := w.Steps[idx]
		agents, err := e.registry.FindCapable(ctx, step.Capability, step.MinConfidence)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			return fmt.Errorf("no capable agent for %q (min confidence %v) at step %d (%s)",
				step.Capability, step.MinConfidence, idx, step.Name)
		}
		agent := agents[0]

		ctxJSON, err := json.Marshal(exec.Context)
		if err != nil {
			return fmt.Errorf("marshal execution context: %w", err)
		}
		t, err := e.ledger.Create(ctx, ledger.CreateRequest{
			Title:       step.Name,
			Description: fmt.Sprintf("workflow %s step %d", w.Name, idx),
			Priority:    ledger.PriorityMedium,
			WorkflowID:  w.ID,
			StepOrder:   idx,
			Context:     ctxJSON,
		})
		if err != nil {
			return err
		}
		if err := e.ledger.Assign(ctx, t.ID, agent.ID); err != nil {
			return err
		}
		if err := e.registry.RecordUsage(ctx, agent.ID, step.Capability); err != nil {
			e.logger.Warn("record capability usage", zap.String("agent", agent.ID), zap.Error(err))
		}

		payload, _ := json.Marshal(delegatePayload{
			TaskID:     t.ID,
			Step:       idx,
			StepName:   step.Name,
			Capability: step.Capability,
			Context:    exec.Context,
		})
		if _, err := e.channel.Send(ctx, channel.SendRequest{
			SenderID:      e.agentID,
			RecipientID:   agent.ID,
			Type:          channel.TypeDelegate,
			Priority:      channel.PriorityHigh,
			Payload:       payload,
			CorrelationID: t.ID,
			MaxRetries:    delegationMaxRetries,
		}); err != nil {
			return fmt.Errorf("delegate step %d: %w", idx, err)
		}
		e.logger.Info("step delegated",
			zap.String("execution", exec.ID),
			zap.Int("step", idx),
			zap.String("task", t.ID),
			zap.String("agent", agent.ID))
	}
	return nil
}

// cancelGroupTasks cancels the workflow's live tasks — restricted to a
// step set when group is non-nil — and best-effort notifies agents that
// still hold a delegation. exceptTask skips the task whose failure
// triggered the cleanup.
func (e *Engine) cancelGroupTasks(ctx context.Context, w *Workflow, workflowID string, group []int, exceptTask string) {
	tasks, err := e.ledger.ListByWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Warn("list workflow tasks", zap.String("workflow", workflowID), zap.Error(err))
		return
	}
	for _, t := range tasks {
		if t.Status.Terminal() || t.ID == exceptTask {
			continue
		}
		if group != nil && !containsInt(group, t.StepOrder) {
			continue
		}
		if err := e.ledger.Cancel(ctx, t.ID); err != nil {
			e.logger.Warn("cancel task", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		if t.AssignedAgentID == "" {
			continue
		}
		// Notification only; the channel cannot make the agent stop.
		payload, _ := json.Marshal(map[string]string{"task_id": t.ID})
		if _, err := e.channel.Send(ctx, channel.SendRequest{
			SenderID:      e.agentID,
			RecipientID:   t.AssignedAgentID,
			Type:          channel.TypeCancel,
			Priority:      channel.PriorityHigh,
			Payload:       payload,
			CorrelationID: t.ID,
			MaxRetries:    delegationMaxRetries,
		}); err != nil {
			e.logger.Warn("send cancel", zap.String("task", t.ID), zap.Error(err))
		}
	}
}

// groupState reports whether every step in the set has a completed
// latest task, and whether any latest task failed.
func (e *Engine) groupState(ctx context.Context, w *Workflow, x *Execution, group []int) (done, failed bool, err error) {
	tasks, err := e.ledger.ListByWorkflow(ctx, x.WorkflowID)
	if err != nil {
		return false, false, err
	}
	latest := make(map[int]*ledger.Task, len(group))
	for _, t := range tasks {
		if !containsInt(group, t.StepOrder) {
			continue
		}
		if prev, ok := latest[t.StepOrder]; !ok || t.CreatedAt.After(prev.CreatedAt) {
			latest[t.StepOrder] = t
		}
	}
	done = true
	for _, idx := range group {
		t, ok := latest[idx]
		if !ok || t.Status != ledger.StatusCompleted {
			done = false
		}
		if ok && (t.Status == ledger.StatusFailed || t.Status == ledger.StatusCancelled) {
			failed = true
		}
	}
	return done, failed, nil
}

// stepGroup returns the concurrent step set led by leader: the leader
// itself plus its declared siblings, ascending.
func stepGroup(w *Workflow, leader int) []int {
	if leader < 0 || leader >= len(w.Steps) {
		return nil
	}
	group := append([]int{leader}, w.Steps[leader].Siblings...)
	sort.Ints(group)
	return group
}

// nextStep picks the step after a completed set: the first matching
// branch of the leader, or the step following the set.
func nextStep(w *Workflow, leader int, group []int, ctx map[string]any) int {
	for _, b := range w.Steps[leader].Branches {
		if b.When.evaluate(ctx) {
			return b.To
		}
	}
	max := leader
	for _, idx := range group {
		if idx > max {
			max = idx
		}
	}
	return max + 1
}

// mergeContext folds an object payload into the accumulated context.
// Non-object payloads carry no mergeable keys and are kept only on the
// task record.
func mergeContext(dst map[string]any, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return
	}
	for k, v := range m {
		dst[k] = v
	}
}

// errorReason extracts a human-readable reason from an error payload.
func errorReason(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "unknown error"
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err == nil {
		if r, ok := m["reason"].(string); ok && r != "" {
			return r
		}
		if r, ok := m["error"].(string); ok && r != "" {
			return r
		}
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil && s != "" {
		return s
	}
	return string(payload)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
