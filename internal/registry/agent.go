package registry

import (
	"time"

	"github.com/nidhogg/courier/internal/fault"
)

// Type distinguishes orchestrating agents from executing ones.
type Type string

const (
	TypeOrchestrator Type = "orchestrator"
	TypeExecutor     Type = "executor"
)

// Status is an agent's operational state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Capability is one skill an agent advertises, with a confidence score
// in [0,1] and usage counters the registry maintains.
type Capability struct {
	Confidence float64   `json:"confidence"`
	LastUsed   time.Time `json:"last_used"`
	UsageCount int       `json:"usage_count"`
}

// Agent is a registered actor capable of performing delegated work.
// Status and capability counters are mutated only through Registry
// operations, never set directly by callers.
type Agent struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Type          Type                  `json:"type"`
	Status        Status                `json:"status"`
	Capabilities  map[string]Capability `json:"capabilities"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Stale reports whether the agent's heartbeat is older than threshold.
// An external monitor uses this predicate to decide when to mark an
// agent offline; the registry never self-polls.
func (a *Agent) Stale(threshold time.Duration, now time.Time) bool {
	return now.Sub(a.LastHeartbeat) > threshold
}

// validStatusTransitions encodes the status policy: any state may move
// to error or offline; idle, active and busy are freely bidirectional;
// recovering from error or offline passes through idle or active first.
var validStatusTransitions = map[Status][]Status{
	StatusIdle:    {StatusActive, StatusBusy, StatusError, StatusOffline},
	StatusActive:  {StatusIdle, StatusBusy, StatusError, StatusOffline},
	StatusBusy:    {StatusIdle, StatusActive, StatusError, StatusOffline},
	StatusError:   {StatusIdle, StatusActive, StatusOffline},
	StatusOffline: {StatusIdle, StatusActive, StatusError},
}

// CheckTransition returns nil when from→to is a legal status move.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range validStatusTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fault.Statef("agent status %q cannot move to %q", from, to)
}

func validType(t Type) bool {
	return t == TypeOrchestrator || t == TypeExecutor
}

func validStatus(s Status) bool {
	switch s {
	case StatusIdle, StatusActive, StatusBusy, StatusError, StatusOffline:
		return true
	}
	return false
}
