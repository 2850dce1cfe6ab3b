package ledger_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/store"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(store.NewMemory(), zap.NewNop())
}

func TestTaskLifecycle(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	task, err := led.Create(ctx, ledger.CreateRequest{
		Title:       "translate chapter",
		Description: "ja -> en",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, task.Status)
	assert.Equal(t, ledger.PriorityMedium, task.Priority)

	require.NoError(t, led.Assign(ctx, task.ID, "agent-1"))
	require.NoError(t, led.Start(ctx, task.ID))
	require.NoError(t, led.Complete(ctx, task.ID, json.RawMessage(`{"pages": 12}`)))

	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, "agent-1", got.AssignedAgentID)
	assert.JSONEq(t, `{"pages": 12}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestCreateValidation(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	_, err := led.Create(ctx, ledger.CreateRequest{})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = led.Create(ctx, ledger.CreateRequest{Title: "x", Priority: "asap"})
	assert.True(t, fault.IsKind(err, fault.Validation))

	// Step order is only meaningful inside a workflow.
	_, err = led.Create(ctx, ledger.CreateRequest{Title: "x", StepOrder: 3})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = led.Create(ctx, ledger.CreateRequest{Title: "x", WorkflowID: "wf", StepOrder: -1})
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestCompleteIsIdempotent(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	task, err := led.Create(ctx, ledger.CreateRequest{Title: "summarize"})
	require.NoError(t, err)
	require.NoError(t, led.Start(ctx, task.ID))
	require.NoError(t, led.Complete(ctx, task.ID, json.RawMessage(`{"n": 1}`)))

	// A duplicate result, even with different whitespace, is a no-op.
	require.NoError(t, led.Complete(ctx, task.ID, json.RawMessage(`{ "n":  1 }`)))

	// A conflicting result is rejected.
	err = led.Complete(ctx, task.ID, json.RawMessage(`{"n": 2}`))
	assert.True(t, fault.IsKind(err, fault.State))
}

func TestFailIsIdempotent(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	task, err := led.Create(ctx, ledger.CreateRequest{Title: "summarize"})
	require.NoError(t, err)
	require.NoError(t, led.Start(ctx, task.ID))
	require.NoError(t, led.Fail(ctx, task.ID, "timeout"))
	require.NoError(t, led.Fail(ctx, task.ID, "timeout"))

	err = led.Fail(ctx, task.ID, "different reason")
	assert.True(t, fault.IsKind(err, fault.State))
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	task, err := led.Create(ctx, ledger.CreateRequest{Title: "review"})
	require.NoError(t, err)
	require.NoError(t, led.Start(ctx, task.ID))
	require.NoError(t, led.Complete(ctx, task.ID, nil))

	assert.True(t, fault.IsKind(led.Start(ctx, task.ID), fault.State))
	assert.True(t, fault.IsKind(led.Fail(ctx, task.ID, "oops"), fault.State))
	assert.True(t, fault.IsKind(led.Cancel(ctx, task.ID), fault.State))
	assert.True(t, fault.IsKind(led.Assign(ctx, task.ID, "agent"), fault.State))
}

func TestCancel(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	pending, err := led.Create(ctx, ledger.CreateRequest{Title: "a"})
	require.NoError(t, err)
	require.NoError(t, led.Cancel(ctx, pending.ID))

	running, err := led.Create(ctx, ledger.CreateRequest{Title: "b"})
	require.NoError(t, err)
	require.NoError(t, led.Start(ctx, running.ID))
	require.NoError(t, led.Cancel(ctx, running.ID))

	got, err := led.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)
}

func TestStepOrderUniqueAmongLiveTasks(t *testing.T) {
	led := newLedger(t)
	ctx := context.Background()

	first, err := led.Create(ctx, ledger.CreateRequest{
		Title: "fetch", WorkflowID: "wf-1", StepOrder: 0,
	})
	require.NoError(t, err)

	// A second live task cannot claim the same step.
	_, err = led.Create(ctx, ledger.CreateRequest{
		Title: "fetch again", WorkflowID: "wf-1", StepOrder: 0,
	})
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// Other steps and other workflows are unaffected.
	_, err = led.Create(ctx, ledger.CreateRequest{
		Title: "parse", WorkflowID: "wf-1", StepOrder: 1,
	})
	require.NoError(t, err)
	_, err = led.Create(ctx, ledger.CreateRequest{
		Title: "fetch", WorkflowID: "wf-2", StepOrder: 0,
	})
	require.NoError(t, err)

	// Once the original is terminal the step is claimable again, which
	// is what lets a failed step be re-delegated.
	require.NoError(t, led.Start(ctx, first.ID))
	require.NoError(t, led.Fail(ctx, first.ID, "worker died"))
	retry, err := led.Create(ctx, ledger.CreateRequest{
		Title: "fetch", WorkflowID: "wf-1", StepOrder: 0,
	})
	require.NoError(t, err)

	tasks, err := led.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	// Step order first, creation order within a step.
	assert.Equal(t, first.ID, tasks[0].ID)
	assert.Equal(t, retry.ID, tasks[1].ID)
	assert.Equal(t, 1, tasks[2].StepOrder)
}
