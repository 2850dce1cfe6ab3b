package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/workflow"
)

// Memory is an in-process implementation of every component store. It
// backs tests and single-node runs without PostgreSQL; the guarded
// transitions carry the same conflict semantics as the SQL layer.
type Memory struct {
	mu         sync.Mutex
	agents     map[string]*registry.Agent
	messages   map[string]*channel.Message
	tasks      map[string]*ledger.Task
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.Execution
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:     make(map[string]*registry.Agent),
		messages:   make(map[string]*channel.Message),
		tasks:      make(map[string]*ledger.Task),
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.Execution),
	}
}

// --- agents ---

func (m *Memory) InsertAgent(_ context.Context, a *registry.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return fault.Conflictf("agent %s already exists", a.ID)
	}
	m.agents[a.ID] = copyAgent(a)
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*registry.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fault.NotFoundf("agent %s", id)
	}
	return copyAgent(a), nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*registry.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*registry.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateAgentStatus(_ context.Context, id string, from, to registry.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status != from {
		return fault.Conflictf("agent %s is no longer %s", id, from)
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) TouchHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fault.NotFoundf("agent %s", id)
	}
	a.LastHeartbeat = at
	a.UpdatedAt = at
	return nil
}

func (m *Memory) TouchCapability(_ context.Context, id, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fault.NotFoundf("agent %s", id)
	}
	c, ok := a.Capabilities[name]
	if !ok {
		return fault.NotFoundf("agent %s capability %s", id, name)
	}
	c.LastUsed = at
	c.UsageCount++
	a.Capabilities[name] = c
	a.UpdatedAt = at
	return nil
}

// --- messages ---

func (m *Memory) InsertMessage(_ context.Context, msg *channel.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return fault.Conflictf("message %s already exists", msg.ID)
	}
	m.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*channel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fault.NotFoundf("message %s", id)
	}
	return copyMessage(msg), nil
}

func (m *Memory) DueMessages(_ context.Context, recipient string, now time.Time) ([]*channel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*channel.Message
	for _, msg := range m.messages {
		if msg.RecipientID == recipient && !msg.Status.Terminal() {
			live = append(live, msg)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	var due []*channel.Message
	for _, msg := range live {
		if msg.NextAttemptAt.After(now) {
			// A pending message still waiting out its backoff holds back
			// everything sent after it; one already handed off does not.
			if msg.Status == channel.StatusPending {
				break
			}
			continue
		}
		due = append(due, copyMessage(msg))
	}
	return due, nil
}

func (m *Memory) DueRecipients(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, msg := range m.messages {
		if !msg.Status.Terminal() && !msg.NextAttemptAt.After(now) && !seen[msg.RecipientID] {
			seen[msg.RecipientID] = true
			out = append(out, msg.RecipientID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ExpireOverdue(_ context.Context, now time.Time) ([]*channel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*channel.Message
	for _, msg := range m.messages {
		if !msg.Status.Terminal() && !msg.ExpiresAt.After(now) {
			msg.Status = channel.StatusExpired
			expired = append(expired, copyMessage(msg))
		}
	}
	return expired, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, nextAttempt time.Time) error {
	return m.moveMessage(id, channel.StatusSent, channel.StatusPending, func(msg *channel.Message) {
		msg.NextAttemptAt = nextAttempt
	})
}

func (m *Memory) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return m.moveMessage(id, channel.StatusDelivered, channel.StatusSent, func(msg *channel.Message) {
		msg.DeliveredAt = &at
	})
}

func (m *Memory) MarkAcknowledged(_ context.Context, id string, at time.Time) error {
	return m.moveMessage(id, channel.StatusAcknowledged, channel.StatusSent, func(msg *channel.Message) {
		msg.AcknowledgedAt = &at
	}, channel.StatusDelivered)
}

func (m *Memory) MarkFailed(_ context.Context, id string) error {
	return m.moveMessage(id, channel.StatusFailed,
		channel.StatusPending, nil, channel.StatusSent, channel.StatusDelivered)
}

func (m *Memory) BumpRetry(_ context.Context, id string, retryCount int, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status.Terminal() {
		return fault.Conflictf("message %s is already terminal", id)
	}
	msg.RetryCount = retryCount
	msg.NextAttemptAt = nextAttempt
	return nil
}

func (m *Memory) MessagesByCorrelation(_ context.Context, correlationID string) ([]*channel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*channel.Message
	for _, msg := range m.messages {
		if msg.CorrelationID == correlationID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MessagesForAgent(_ context.Context, agentID string, limit int) ([]*channel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*channel.Message
	for _, msg := range m.messages {
		if msg.SenderID == agentID || msg.RecipientID == agentID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) moveMessage(id string, to, from channel.Status, mutate func(*channel.Message), alsoFrom ...channel.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fault.Conflictf("message %s is not in the expected status", id)
	}
	allowed := msg.Status == from
	for _, s := range alsoFrom {
		allowed = allowed || msg.Status == s
	}
	if !allowed {
		return fault.Conflictf("message %s is not in the expected status", id)
	}
	msg.Status = to
	if mutate != nil {
		mutate(msg)
	}
	return nil
}

// --- tasks ---

func (m *Memory) InsertTask(_ context.Context, t *ledger.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fault.Conflictf("task %s already exists", t.ID)
	}
	if t.WorkflowID != "" {
		for _, other := range m.tasks {
			if other.WorkflowID == t.WorkflowID && other.StepOrder == t.StepOrder && !other.Status.Terminal() {
				return fault.Conflictf("workflow %s already has a live task at step %d", t.WorkflowID, t.StepOrder)
			}
		}
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*ledger.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fault.NotFoundf("task %s", id)
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*ledger.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Task
	for _, t := range m.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AssignTask(_ context.Context, id, agentID string, at time.Time) error {
	return m.moveTask(id, ledger.StatusPending, func(t *ledger.Task) {
		t.AssignedAgentID = agentID
		t.UpdatedAt = at
	})
}

func (m *Memory) StartTask(_ context.Context, id string, at time.Time) error {
	return m.moveTask(id, ledger.StatusPending, func(t *ledger.Task) {
		t.Status = ledger.StatusInProgress
		t.StartedAt = &at
		t.UpdatedAt = at
	})
}

func (m *Memory) CompleteTask(_ context.Context, id string, result json.RawMessage, at time.Time) error {
	return m.moveTask(id, ledger.StatusInProgress, func(t *ledger.Task) {
		t.Status = ledger.StatusCompleted
		t.Result = append(json.RawMessage(nil), result...)
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (m *Memory) FailTask(_ context.Context, id, errorMessage string, at time.Time) error {
	return m.moveTask(id, ledger.StatusInProgress, func(t *ledger.Task) {
		t.Status = ledger.StatusFailed
		t.ErrorMessage = errorMessage
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (m *Memory) CancelTask(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		return fault.Conflictf("task %s is already terminal", id)
	}
	t.Status = ledger.StatusCancelled
	t.CompletedAt = &at
	t.UpdatedAt = at
	return nil
}

func (m *Memory) moveTask(id string, from ledger.Status, mutate func(*ledger.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return fault.Conflictf("task %s is not in the expected status", id)
	}
	mutate(t)
	return nil
}

// --- workflows ---

func (m *Memory) InsertWorkflow(_ context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return fault.Conflictf("workflow %s already exists", w.ID)
	}
	m.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, fault.NotFoundf("workflow %s", id)
	}
	return copyWorkflow(w), nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateWorkflowStatus(_ context.Context, id string, from, to workflow.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.Status != from {
		return fault.Conflictf("workflow %s is no longer %s", id, from)
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) InsertExecution(_ context.Context, e *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fault.Conflictf("execution %s already exists", e.ID)
	}
	if e.Status == workflow.ExecutionRunning {
		for _, other := range m.executions {
			if other.WorkflowID == e.WorkflowID && other.Status == workflow.ExecutionRunning {
				return fault.Conflictf("workflow %s already has a running execution", e.WorkflowID)
			}
		}
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fault.NotFoundf("execution %s", id)
	}
	return copyExecution(e), nil
}

func (m *Memory) ActiveExecution(_ context.Context, workflowID string) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.WorkflowID == workflowID && e.Status == workflow.ExecutionRunning {
			return copyExecution(e), nil
		}
	}
	return nil, fault.NotFoundf("running execution for workflow %s", workflowID)
}

func (m *Memory) UpdateExecution(_ context.Context, e *workflow.Execution, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[e.ID]
	if !ok {
		return fault.NotFoundf("execution %s", e.ID)
	}
	if stored.Version != expectedVersion {
		return fault.Conflictf("execution %s was updated concurrently", e.ID)
	}
	next := copyExecution(e)
	next.Version = expectedVersion + 1
	m.executions[e.ID] = next
	e.Version = next.Version
	return nil
}

// --- copies ---

func copyAgent(a *registry.Agent) *registry.Agent {
	out := *a
	out.Capabilities = make(map[string]registry.Capability, len(a.Capabilities))
	for k, v := range a.Capabilities {
		out.Capabilities[k] = v
	}
	return &out
}

func copyMessage(m *channel.Message) *channel.Message {
	out := *m
	out.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.AcknowledgedAt != nil {
		t := *m.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return &out
}

func copyTask(t *ledger.Task) *ledger.Task {
	out := *t
	out.Context = append(json.RawMessage(nil), t.Context...)
	out.Result = append(json.RawMessage(nil), t.Result...)
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

func copyWorkflow(w *workflow.Workflow) *workflow.Workflow {
	out := *w
	out.Steps = append([]workflow.Step(nil), w.Steps...)
	return &out
}

func copyExecution(e *workflow.Execution) *workflow.Execution {
	out := *e
	out.Context = make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.StepRetries = make(map[int]int, len(e.StepRetries))
	for k, v := range e.StepRetries {
		out.StepRetries[k] = v
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
