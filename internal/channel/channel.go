// Package channel implements the durable per-agent mailbox: at-least-once
// message delivery between registered agents with bounded retries,
// per-mailbox FIFO ordering and expiry.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/registry"
)

// DefaultTTL bounds a message's lifetime when the sender does not set one.
const DefaultTTL = 24 * time.Hour

// Store is the persistence surface for messages. Status updates must be
// conditional single-row updates so the lattice stays monotonic under
// concurrent workers.
type Store interface {
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// DueMessages returns the recipient's non-terminal messages whose
	// next_attempt_at has passed, in send (created_at) order. A pending
	// message that is not yet due holds back everything sent after it,
	// keeping per-sender hand-off order intact across backoff windows.
	DueMessages(ctx context.Context, recipient string, now time.Time) ([]*Message, error)
	// DueRecipients returns the distinct recipients with due messages.
	DueRecipients(ctx context.Context, now time.Time) ([]string, error)
	// ExpireOverdue marks every non-terminal message past its expiry as
	// expired and returns those it transitioned.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*Message, error)
	// MarkSent moves pending→sent and sets the next reconsideration time.
	MarkSent(ctx context.Context, id string, nextAttempt time.Time) error
	// MarkDelivered moves sent→delivered.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkAcknowledged moves sent|delivered→acknowledged.
	MarkAcknowledged(ctx context.Context, id string, at time.Time) error
	// MarkFailed absorbs a non-terminal message into failed.
	MarkFailed(ctx context.Context, id string) error
	// BumpRetry increments retry_count and reschedules the message
	// without touching its status.
	BumpRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) error
	// MessagesByCorrelation returns a conversation in send order.
	MessagesByCorrelation(ctx context.Context, correlationID string) ([]*Message, error)
	// MessagesForAgent returns recent messages sent or received by an
	// agent, newest first.
	MessagesForAgent(ctx context.Context, agentID string, limit int) ([]*Message, error)
}

// Channel validates, persists and asynchronously delivers messages.
type Channel struct {
	store     Store
	registry  *registry.Registry
	transport Transport
	logger    *zap.Logger
	now       func() time.Time

	poll time.Duration
	ttl  time.Duration

	// pumping guards one delivery worker per mailbox. It is a
	// rebuildable cache; the store rows stay authoritative.
	mu      sync.Mutex
	pumping map[string]bool
}

// New creates a channel. Delivery does not start until Run is called.
func New(store Store, reg *registry.Registry, transport Transport, logger *zap.Logger) *Channel {
	return &Channel{
		store:     store,
		registry:  reg,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		poll:      250 * time.Millisecond,
		ttl:       DefaultTTL,
		pumping:   make(map[string]bool),
	}
}

// SetDefaultTTL overrides the fallback message lifetime for sends that
// do not carry their own TTL.
func (c *Channel) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl = ttl
	}
}

// SendRequest carries everything needed to enqueue a message.
type SendRequest struct {
	SenderID      string
	RecipientID   string
	Type          Type
	Priority      Priority
	Payload       json.RawMessage
	CorrelationID string
	MaxRetries    int
	TTL           time.Duration
}

// Send validates both endpoints, persists the message as pending and
// returns immediately; delivery and retries happen in the delivery loop.
func (c *Channel) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if !validMessageType(req.Type) {
		return nil, fault.Validationf("unknown message type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !validPriority(req.Priority) {
		return nil, fault.Validationf("unknown message priority %q", req.Priority)
	}
	if req.MaxRetries < 0 {
		return nil, fault.Validationf("max_retries must not be negative")
	}
	if _, err := c.registry.Get(ctx, req.SenderID); err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	if _, err := c.registry.Get(ctx, req.RecipientID); err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	m := &Message{
		ID:            uuid.New().String(),
		CorrelationID: req.CorrelationID,
		SenderID:      req.SenderID,
		RecipientID:   req.RecipientID,
		Type:          req.Type,
		Priority:      req.Priority,
		Status:        StatusPending,
		Payload:       req.Payload,
		MaxRetries:    req.MaxRetries,
		ExpiresAt:     now.Add(ttl),
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := c.store.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	c.logger.Debug("message queued",
		zap.String("message", m.ID),
		zap.String("from", m.SenderID),
		zap.String("to", m.RecipientID),
		zap.String("type", string(m.Type)),
		zap.String("priority", string(m.Priority)))
	return m, nil
}

// Acknowledge records the recipient's receipt of a message.
func (c *Channel) Acknowledge(ctx context.Context, messageID, recipientID string) error {
	m, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.RecipientID != recipientID {
		return fault.Forbiddenf("agent %s is not the recipient of message %s", recipientID, messageID)
	}
	if m.Status.Terminal() {
		return fault.Statef("message %s is already %s", messageID, m.Status)
	}
	if m.Status == StatusPending {
		return fault.Statef("message %s has not been delivered yet", messageID)
	}
	if err := c.store.MarkAcknowledged(ctx, messageID, c.now()); err != nil {
		return err
	}
	c.logger.Debug("message acknowledged",
		zap.String("message", messageID),
		zap.String("recipient", recipientID))
	return nil
}

// Get returns one message by id.
func (c *Channel) Get(ctx context.Context, id string) (*Message, error) {
	return c.store.GetMessage(ctx, id)
}

// Conversation returns all messages sharing a correlation id, in send order.
func (c *Channel) Conversation(ctx context.Context, correlationID string) ([]*Message, error) {
	if correlationID == "" {
		return nil, fault.Validationf("correlation id is required")
	}
	return c.store.MessagesByCorrelation(ctx, correlationID)
}

// History returns an agent's recent messages, newest first.
func (c *Channel) History(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := c.registry.Get(ctx, agentID); err != nil {
		return nil, err
	}
	return c.store.MessagesForAgent(ctx, agentID, limit)
}
