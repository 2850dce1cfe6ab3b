package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
	"github.com/nidhogg/courier/internal/workflow"
)

type engineFixture struct {
	engine   *workflow.Engine
	registry *registry.Registry
	ledger   *ledger.Ledger
	channel  *channel.Channel
	orchID   string
	workers  map[string]string // capability -> agent id
}

// newEngineFixture wires an engine over in-memory stores with one
// executor per named capability.
func newEngineFixture(t *testing.T, capabilities ...string) *engineFixture {
	t.Helper()
	logger := zap.NewNop()
	mem := store.NewMemory()
	reg := registry.New(mem, logger)
	led := ledger.New(mem, logger)
	ch := channel.New(mem, reg, channel.NewInProcTransport(), logger)
	ctx := context.Background()

	orch, err := reg.Register(ctx, "engine", registry.TypeOrchestrator, nil)
	require.NoError(t, err)

	workers := make(map[string]string, len(capabilities))
	for i, cap := range capabilities {
		a, err := reg.Register(ctx, fmt.Sprintf("worker-%d", i), registry.TypeExecutor,
			map[string]registry.Capability{cap: {Confidence: 0.9}})
		require.NoError(t, err)
		workers[cap] = a.ID
	}

	return &engineFixture{
		engine:   workflow.New(mem, reg, led, ch, orch.ID, logger),
		registry: reg,
		ledger:   led,
		channel:  ch,
		orchID:   orch.ID,
		workers:  workers,
	}
}

// activeWorkflow creates and activates a workflow.
func (f *engineFixture) activeWorkflow(t *testing.T, steps []workflow.Step) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	w, err := f.engine.CreateWorkflow(ctx, "pipeline", steps)
	require.NoError(t, err)
	require.NoError(t, f.engine.Activate(ctx, w.ID))
	return w
}

// liveTask returns the workflow's single non-terminal task at a step.
func (f *engineFixture) liveTask(t *testing.T, workflowID string, step int) *ledger.Task {
	t.Helper()
	tasks, err := f.ledger.ListByWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.StepOrder == step && !task.Status.Terminal() {
			return task
		}
	}
	t.Fatalf("no live task at step %d", step)
	return nil
}

func (f *engineFixture) result(t *testing.T, task *ledger.Task, payload string) {
	t.Helper()
	err := f.engine.HandleMessage(context.Background(), &channel.Message{
		Type:          channel.TypeResult,
		CorrelationID: task.ID,
		SenderID:      task.AssignedAgentID,
		RecipientID:   f.orchID,
		Payload:       json.RawMessage(payload),
	})
	require.NoError(t, err)
}

func (f *engineFixture) failure(t *testing.T, task *ledger.Task, reason string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	err := f.engine.HandleMessage(context.Background(), &channel.Message{
		Type:          channel.TypeError,
		CorrelationID: task.ID,
		SenderID:      task.AssignedAgentID,
		RecipientID:   f.orchID,
		Payload:       payload,
	})
	require.NoError(t, err)
}

func linearSteps() []workflow.Step {
	return []workflow.Step{
		{Name: "fetch", Capability: "fetch"},
		{Name: "parse", Capability: "parse"},
		{Name: "write", Capability: "write"},
	}
}

func TestLinearExecution(t *testing.T) {
	f := newEngineFixture(t, "fetch", "parse", "write")
	ctx := context.Background()
	w := f.activeWorkflow(t, linearSteps())

	exec, err := f.engine.Start(ctx, w.ID, map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)
	assert.Equal(t, 0, exec.CurrentStep)

	// Step 0 was delegated: a live assigned task plus a high-priority
	// delegate message correlated to it.
	task0 := f.liveTask(t, w.ID, 0)
	assert.Equal(t, f.workers["fetch"], task0.AssignedAgentID)
	conv, err := f.channel.Conversation(ctx, task0.ID)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, channel.TypeDelegate, conv[0].Type)
	assert.Equal(t, channel.PriorityHigh, conv[0].Priority)

	f.result(t, task0, `{"doc": "raw html"}`)
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.CurrentStep)
	assert.Equal(t, "raw html", exec.Context["doc"])

	f.result(t, f.liveTask(t, w.ID, 1), `{"text": "clean"}`)
	f.result(t, f.liveTask(t, w.ID, 2), `{"stored": true}`)

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, len(w.Steps), exec.CurrentStep)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "clean", exec.Context["text"])
	assert.Equal(t, true, exec.Context["stored"])

	// The run's outcome is mirrored onto the workflow.
	w, err = f.engine.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, w.Status)
}

func TestDuplicateResultIsIgnored(t *testing.T) {
	f := newEngineFixture(t, "fetch", "parse", "write")
	ctx := context.Background()
	w := f.activeWorkflow(t, linearSteps())

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	task0 := f.liveTask(t, w.ID, 0)
	f.result(t, task0, `{"doc": "v1"}`)

	// At-least-once delivery: the same result shows up again.
	f.result(t, task0, `{"doc": "v1"}`)

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.CurrentStep)

	tasks, err := f.ledger.ListByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestConditionalBranching(t *testing.T) {
	steps := []workflow.Step{
		{Name: "triage", Capability: "triage", Branches: []workflow.Branch{
			{When: workflow.Condition{Key: "route", Op: "eq", Value: "escalate"}, To: 2},
		}},
		{Name: "standard", Capability: "standard"},
		{Name: "escalated", Capability: "escalated"},
	}

	t.Run("branch taken", func(t *testing.T) {
		f := newEngineFixture(t, "triage", "standard", "escalated")
		ctx := context.Background()
		w := f.activeWorkflow(t, steps)
		exec, err := f.engine.Start(ctx, w.ID, nil)
		require.NoError(t, err)

		f.result(t, f.liveTask(t, w.ID, 0), `{"route": "escalate"}`)
		exec, err = f.engine.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, exec.CurrentStep)
		f.liveTask(t, w.ID, 2)
	})

	t.Run("default order", func(t *testing.T) {
		f := newEngineFixture(t, "triage", "standard", "escalated")
		ctx := context.Background()
		w := f.activeWorkflow(t, steps)
		exec, err := f.engine.Start(ctx, w.ID, nil)
		require.NoError(t, err)

		f.result(t, f.liveTask(t, w.ID, 0), `{"route": "standard"}`)
		exec, err = f.engine.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, exec.CurrentStep)
	})
}

func TestFailurePolicyJump(t *testing.T) {
	fallback := 1
	steps := []workflow.Step{
		{Name: "primary", Capability: "primary", OnFailure: &workflow.FailurePolicy{Retries: 0, JumpTo: &fallback}},
		{Name: "fallback", Capability: "fallback"},
	}
	f := newEngineFixture(t, "primary", "fallback")
	ctx := context.Background()
	w := f.activeWorkflow(t, steps)

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	task0 := f.liveTask(t, w.ID, 0)
	f.failure(t, task0, "provider unreachable")

	got, err := f.ledger.Get(ctx, task0.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.ErrorMessage)

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep)
	f.liveTask(t, w.ID, 1)
}

func TestDefaultRetryThenFail(t *testing.T) {
	f := newEngineFixture(t, "fetch")
	ctx := context.Background()
	w := f.activeWorkflow(t, []workflow.Step{{Name: "fetch", Capability: "fetch"}})

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	// No policy means one re-delegation of the same step.
	first := f.liveTask(t, w.ID, 0)
	f.failure(t, first, "timeout")

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)
	retry := f.liveTask(t, w.ID, 0)
	assert.NotEqual(t, first.ID, retry.ID)

	// The second failure is unrecoverable.
	f.failure(t, retry, "timeout")
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "fetch")
	assert.Contains(t, exec.ErrorMessage, "timeout")

	w, err = f.engine.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, w.Status)
}

func TestDuplicateErrorDoesNotConsumeRetries(t *testing.T) {
	f := newEngineFixture(t, "fetch")
	ctx := context.Background()
	w := f.activeWorkflow(t, []workflow.Step{{Name: "fetch", Capability: "fetch"}})

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	first := f.liveTask(t, w.ID, 0)
	f.failure(t, first, "timeout")
	// Redelivered duplicate of the same error message.
	f.failure(t, first, "timeout")

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)
	f.liveTask(t, w.ID, 0)
}

func TestParallelStepSet(t *testing.T) {
	steps := []workflow.Step{
		{Name: "ocr", Capability: "ocr", Siblings: []int{1}},
		{Name: "classify", Capability: "classify"},
		{Name: "merge", Capability: "merge"},
	}
	f := newEngineFixture(t, "ocr", "classify", "merge")
	ctx := context.Background()
	w := f.activeWorkflow(t, steps)

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	// Both siblings were delegated up front.
	ocr := f.liveTask(t, w.ID, 0)
	classify := f.liveTask(t, w.ID, 1)

	// One result alone does not advance the set.
	f.result(t, ocr, `{"text": "scanned"}`)
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, exec.CurrentStep)
	assert.Equal(t, "scanned", exec.Context["text"])

	// The join completes once every sibling reports.
	f.result(t, classify, `{"label": "invoice"}`)
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.CurrentStep)
	assert.Equal(t, "invoice", exec.Context["label"])
	f.liveTask(t, w.ID, 2)
}

func TestParallelFailFast(t *testing.T) {
	steps := []workflow.Step{
		{Name: "ocr", Capability: "ocr", Siblings: []int{1},
			OnFailure: &workflow.FailurePolicy{Retries: 0}},
		{Name: "classify", Capability: "classify"},
		{Name: "merge", Capability: "merge"},
	}
	f := newEngineFixture(t, "ocr", "classify", "merge")
	ctx := context.Background()
	w := f.activeWorkflow(t, steps)

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	ocr := f.liveTask(t, w.ID, 0)
	classify := f.liveTask(t, w.ID, 1)
	f.failure(t, ocr, "unreadable scan")

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)

	// The in-flight sibling was cancelled, not left dangling.
	got, err := f.ledger.Get(ctx, classify.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)
}

func TestStartGuards(t *testing.T) {
	f := newEngineFixture(t, "fetch")
	ctx := context.Background()

	w, err := f.engine.CreateWorkflow(ctx, "draft-only", []workflow.Step{{Name: "fetch", Capability: "fetch"}})
	require.NoError(t, err)

	// Draft workflows cannot start.
	_, err = f.engine.Start(ctx, w.ID, nil)
	assert.True(t, fault.IsKind(err, fault.State))

	require.NoError(t, f.engine.Activate(ctx, w.ID))
	_, err = f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	// A workflow carries at most one running execution.
	_, err = f.engine.Start(ctx, w.ID, nil)
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// Paused workflows stop admitting new executions.
	require.NoError(t, f.engine.Pause(ctx, w.ID))
	_, err = f.engine.Start(ctx, w.ID, nil)
	assert.True(t, fault.IsKind(err, fault.State))
	require.NoError(t, f.engine.Resume(ctx, w.ID))
}

func TestNoCapableAgentFailsFast(t *testing.T) {
	f := newEngineFixture(t) // no executors at all
	ctx := context.Background()
	w := f.activeWorkflow(t, []workflow.Step{{Name: "fetch", Capability: "fetch"}})

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "no capable agent")
}

func TestCancelExecution(t *testing.T) {
	f := newEngineFixture(t, "fetch", "parse", "write")
	ctx := context.Background()
	w := f.activeWorkflow(t, linearSteps())

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)
	task0 := f.liveTask(t, w.ID, 0)

	require.NoError(t, f.engine.Cancel(ctx, exec.ID))

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)

	got, err := f.ledger.Get(ctx, task0.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)

	// The assigned agent was told to stop.
	conv, err := f.channel.Conversation(ctx, task0.ID)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, channel.TypeCancel, conv[1].Type)

	// Terminal executions reject further cancellation.
	err = f.engine.Cancel(ctx, exec.ID)
	assert.True(t, fault.IsKind(err, fault.State))
}

func TestRetryFromStep(t *testing.T) {
	f := newEngineFixture(t, "fetch", "parse", "write")
	ctx := context.Background()
	w := f.activeWorkflow(t, []workflow.Step{
		{Name: "fetch", Capability: "fetch"},
		{Name: "parse", Capability: "parse", OnFailure: &workflow.FailurePolicy{Retries: 0}},
		{Name: "write", Capability: "write"},
	})

	exec, err := f.engine.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	// Only failed executions are retryable.
	err = f.engine.RetryFromStep(ctx, exec.ID, 0)
	assert.True(t, fault.IsKind(err, fault.State))

	f.result(t, f.liveTask(t, w.ID, 0), `{"doc": "raw"}`)
	f.failure(t, f.liveTask(t, w.ID, 1), "parser crashed")

	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, exec.Status)
	w, err = f.engine.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, w.Status)

	err = f.engine.RetryFromStep(ctx, exec.ID, 5)
	assert.True(t, fault.IsKind(err, fault.Validation))

	require.NoError(t, f.engine.RetryFromStep(ctx, exec.ID, 1))
	// Retrying clears the workflow's recorded failure.
	w, err = f.engine.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusActive, w.Status)
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep)
	assert.Empty(t, exec.ErrorMessage)
	// The accumulated context survives the retry.
	assert.Equal(t, "raw", exec.Context["doc"])

	f.result(t, f.liveTask(t, w.ID, 1), `{"text": "ok"}`)
	f.result(t, f.liveTask(t, w.ID, 2), `{}`)
	exec, err = f.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	w, err = f.engine.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, w.Status)
}

func TestNewVersionLeavesOriginalUntouched(t *testing.T) {
	f := newEngineFixture(t, "fetch")
	ctx := context.Background()

	v1, err := f.engine.CreateWorkflow(ctx, "pipeline", []workflow.Step{{Name: "fetch", Capability: "fetch"}})
	require.NoError(t, err)

	v2, err := f.engine.NewVersion(ctx, v1.ID, []workflow.Step{
		{Name: "fetch", Capability: "fetch"},
		{Name: "verify", Capability: "fetch"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, v1.Name, v2.Name)
	assert.Equal(t, v1.Version+1, v2.Version)
	assert.Equal(t, workflow.StatusDraft, v2.Status)

	got, err := f.engine.GetWorkflow(ctx, v1.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func TestStepValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		steps []workflow.Step
	}{
		{"empty", nil},
		{"missing capability", []workflow.Step{{Name: "a"}}},
		{"confidence range", []workflow.Step{{Name: "a", Capability: "c", MinConfidence: 1.2}}},
		{"backward branch", []workflow.Step{
			{Name: "a", Capability: "c"},
			{Name: "b", Capability: "c", Branches: []workflow.Branch{
				{When: workflow.Condition{Key: "k", Op: "exists"}, To: 0},
			}},
		}},
		{"unknown branch op", []workflow.Step{
			{Name: "a", Capability: "c", Branches: []workflow.Branch{
				{When: workflow.Condition{Key: "k", Op: "matches"}, To: 1},
			}},
			{Name: "b", Capability: "c"},
		}},
		{"self sibling", []workflow.Step{
			{Name: "a", Capability: "c", Siblings: []int{0}},
		}},
		{"backward jump", []workflow.Step{
			{Name: "a", Capability: "c"},
			{Name: "b", Capability: "c", OnFailure: &workflow.FailurePolicy{JumpTo: intp(0)}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateWorkflow(ctx, "bad", tc.steps)
			assert.True(t, fault.IsKind(err, fault.Validation), "got %v", err)
		})
	}
}

func intp(v int) *int { return &v }

// stumblingTaskStore fails task lookups a set number of times before
// delegating to the real store.
type stumblingTaskStore struct {
	ledger.Store
	failures int
}

func (s *stumblingTaskStore) GetTask(ctx context.Context, id string) (*ledger.Task, error) {
	if s.failures > 0 {
		s.failures--
		return nil, fault.Transportf("task lookup unavailable")
	}
	return s.Store.GetTask(ctx, id)
}

func TestTransientFailureLeavesResultUnacknowledged(t *testing.T) {
	logger := zap.NewNop()
	mem := store.NewMemory()
	reg := registry.New(mem, logger)
	stumbling := &stumblingTaskStore{Store: mem}
	led := ledger.New(stumbling, logger)
	ch := channel.New(mem, reg, channel.NewInProcTransport(), logger)
	ctx := context.Background()

	orch, err := reg.Register(ctx, "engine", registry.TypeOrchestrator, nil)
	require.NoError(t, err)
	worker, err := reg.Register(ctx, "worker", registry.TypeExecutor,
		map[string]registry.Capability{"fetch": {Confidence: 0.9}})
	require.NoError(t, err)

	eng := workflow.New(mem, reg, led, ch, orch.ID, logger)
	w, err := eng.CreateWorkflow(ctx, "pipeline", []workflow.Step{{Name: "fetch", Capability: "fetch"}})
	require.NoError(t, err)
	require.NoError(t, eng.Activate(ctx, w.ID))
	exec, err := eng.Start(ctx, w.ID, nil)
	require.NoError(t, err)

	tasks, err := led.ListByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// The worker's result travels through the channel so the reactor
	// acknowledges real message state.
	reply, err := ch.Send(ctx, channel.SendRequest{
		SenderID: worker.ID, RecipientID: orch.ID,
		Type: channel.TypeResult, CorrelationID: tasks[0].ID,
		Payload: json.RawMessage(`{"stored": true}`),
	})
	require.NoError(t, err)
	require.NoError(t, ch.Process(ctx))

	// The store stumbles while the reactor handles the result: nothing
	// is mutated and the message stays unacknowledged, so the channel
	// will redeliver it.
	stumbling.failures = 1
	eng.React(ctx, reply)
	got, err := ch.Get(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusDelivered, got.Status)
	exec, err = eng.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, exec.Status)

	// Redelivery after the store heals completes the reaction.
	eng.React(ctx, reply)
	got, err = ch.Get(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusAcknowledged, got.Status)
	exec, err = eng.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
}
