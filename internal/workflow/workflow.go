package workflow

import (
	"strconv"
	"time"

	"github.com/nidhogg/courier/internal/fault"
)

// Status is a workflow definition's lifecycle state. The step list is
// immutable once the workflow leaves draft; edits create a new version.
// Completed and failed mirror the outcome of the workflow's run; a
// failed workflow turns active again when its execution is retried.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExecutionStatus is one run's lifecycle state.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Condition is a declarative predicate over the execution's accumulated
// context. Branch selection uses only these predicates, keeping replays
// of the same message sequence deterministic.
type Condition struct {
	Key string `json:"key"`
	// Op is one of eq, ne, exists, absent. eq and ne compare the
	// context value's string form against Value.
	Op    string `json:"op"`
	Value string `json:"value,omitempty"`
}

// Branch routes the execution to step To when its condition holds after
// the step's task completes. Targets are forward-only.
type Branch struct {
	When Condition `json:"when"`
	To   int       `json:"to"`
}

// FailurePolicy decides what happens after a step's task fails. A nil
// policy on the step means one workflow-level retry, then the execution
// fails. These retries are distinct from the channel's transport-level
// retry budget.
type FailurePolicy struct {
	// Retries is how many times the same step is re-delegated.
	Retries int `json:"retries"`
	// JumpTo, when set, routes the execution to an alternate step once
	// retries are spent instead of failing it.
	JumpTo *int `json:"jump_to,omitempty"`
}

// DefaultStepRetries applies when a step declares no failure policy.
const DefaultStepRetries = 1

// Step is one unit of a workflow definition: the capability it needs,
// how to continue after success and what to do on failure. A step may
// name sibling steps that run concurrently with it; the execution only
// advances past the set once every sibling task is terminal.
type Step struct {
	Name          string         `json:"name"`
	Capability    string         `json:"capability"`
	MinConfidence float64        `json:"min_confidence"`
	Siblings      []int          `json:"siblings,omitempty"`
	Branches      []Branch       `json:"branches,omitempty"`
	OnFailure     *FailurePolicy `json:"on_failure,omitempty"`
}

// Workflow is an ordered, optionally conditional step specification.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is one run of a workflow: a progressing cursor plus the
// context accumulated from completed steps. Version guards every cursor
// mutation with optimistic concurrency so two reactions to overlapping
// results can never both advance the same execution.
type Execution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       ExecutionStatus `json:"status"`
	CurrentStep  int             `json:"current_step"`
	Context      map[string]any  `json:"context"`
	StepRetries  map[int]int     `json:"step_retries,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// validateSteps checks the definition shape once, at creation time, so
// the engine can trust indexes while executing.
func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fault.Validationf("workflow needs at least one step")
	}
	for i, s := range steps {
		if s.Name == "" {
			return fault.Validationf("step %d: name is required", i)
		}
		if s.Capability == "" {
			return fault.Validationf("step %d: capability is required", i)
		}
		if s.MinConfidence < 0 || s.MinConfidence > 1 {
			return fault.Validationf("step %d: min_confidence %v outside [0,1]", i, s.MinConfidence)
		}
		for _, sib := range s.Siblings {
			if sib <= i || sib >= len(steps) {
				return fault.Validationf("step %d: sibling %d out of range", i, sib)
			}
		}
		for _, b := range s.Branches {
			if b.To <= i || b.To > len(steps) {
				return fault.Validationf("step %d: branch target %d is not a later step", i, b.To)
			}
			switch b.When.Op {
			case "eq", "ne", "exists", "absent":
			default:
				return fault.Validationf("step %d: unknown branch op %q", i, b.When.Op)
			}
		}
		if s.OnFailure != nil {
			if s.OnFailure.Retries < 0 {
				return fault.Validationf("step %d: failure retries must not be negative", i)
			}
			if s.OnFailure.JumpTo != nil {
				if to := *s.OnFailure.JumpTo; to <= i || to >= len(steps) {
					return fault.Validationf("step %d: failure target %d is not a later step", i, to)
				}
			}
		}
	}
	return nil
}

// evaluate reports whether the condition holds over ctx.
func (c Condition) evaluate(ctx map[string]any) bool {
	v, ok := ctx[c.Key]
	switch c.Op {
	case "exists":
		return ok
	case "absent":
		return !ok
	case "eq":
		return ok && stringify(v) == c.Value
	case "ne":
		return !ok || stringify(v) != c.Value
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		// JSON numbers decode to float64; render integral values
		// without a fractional part so "3" matches 3.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return ""
}
