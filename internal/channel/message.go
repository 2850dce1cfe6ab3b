package channel

import (
	"encoding/json"
	"time"
)

// Type classifies what a message means to its recipient.
type Type string

const (
	TypeDelegate  Type = "delegate"
	TypeAck       Type = "ack"
	TypeResult    Type = "result"
	TypeError     Type = "error"
	TypeHeartbeat Type = "heartbeat"
	TypeCancel    Type = "cancel"
)

// Priority orders delivery urgency and selects the acknowledgment timeout.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is a message's position in the delivery lattice. Transitions
// are monotonic: pending→sent→delivered→acknowledged, with failed and
// expired absorbing from any non-terminal state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// Terminal reports whether the status absorbs all further transitions.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusExpired
}

// Message is one unit of communication between two agents, tracked
// independently of both through its delivery lifecycle. Rows are never
// deleted by the channel; retention is an external policy.
type Message struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SenderID      string          `json:"sender_id"`
	RecipientID   string          `json:"recipient_id"`
	Type          Type            `json:"type"`
	Priority      Priority        `json:"priority"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ExpiresAt     time.Time       `json:"expires_at"`
	// NextAttemptAt is when the delivery loop reconsiders the message:
	// the first attempt for pending, the ack deadline once handed off.
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ackTimeouts map priority to how long the channel waits for an
// acknowledgment before re-attempting delivery.
var ackTimeouts = map[Priority]time.Duration{
	PriorityUrgent: 5 * time.Second,
	PriorityHigh:   15 * time.Second,
	PriorityNormal: 60 * time.Second,
	PriorityLow:    300 * time.Second,
}

// AckTimeout returns the per-priority acknowledgment deadline.
func AckTimeout(p Priority) time.Duration {
	if d, ok := ackTimeouts[p]; ok {
		return d
	}
	return ackTimeouts[PriorityNormal]
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the exponential re-attempt delay for the given retry
// ordinal (1 for the first retry).
func Backoff(retry int) time.Duration {
	d := backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func validMessageType(t Type) bool {
	switch t {
	case TypeDelegate, TypeAck, TypeResult, TypeError, TypeHeartbeat, TypeCancel:
		return true
	}
	return false
}

func validPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
