package channel

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
)

// Run drives the delivery loop until ctx is cancelled. Each pass marks
// overdue messages expired, then pumps every mailbox with due messages.
// One worker runs per mailbox at a time so delivery within a mailbox —
// and therefore per sender-recipient pair — stays in send order.
func (c *Channel) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	c.logger.Info("delivery loop started", zap.Duration("poll", c.poll))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("delivery loop stopped")
			return ctx.Err()
		case <-ticker.C:
			c.sweepExpired(ctx)
			recipients, err := c.store.DueRecipients(ctx, c.now())
			if err != nil {
				c.logger.Warn("list due recipients", zap.Error(err))
				continue
			}
			for _, r := range recipients {
				if !c.acquireMailbox(r) {
					continue
				}
				go func(recipient string) {
					defer c.releaseMailbox(recipient)
					c.pump(ctx, recipient)
				}(r)
			}
		}
	}
}

// Process runs one synchronous delivery pass. Tests and shutdown
// draining use it to step the loop deterministically.
func (c *Channel) Process(ctx context.Context) error {
	c.sweepExpired(ctx)
	recipients, err := c.store.DueRecipients(ctx, c.now())
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if !c.acquireMailbox(r) {
			continue
		}
		c.pump(ctx, r)
		c.releaseMailbox(r)
	}
	return nil
}

func (c *Channel) acquireMailbox(recipient string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pumping[recipient] {
		return false
	}
	c.pumping[recipient] = true
	return true
}

func (c *Channel) releaseMailbox(recipient string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pumping, recipient)
}

// sweepExpired transitions every live message past its expiry. Expiry
// wins over remaining retry budget.
func (c *Channel) sweepExpired(ctx context.Context) {
	expired, err := c.store.ExpireOverdue(ctx, c.now())
	if err != nil {
		c.logger.Warn("expiry sweep", zap.Error(err))
		return
	}
	for _, m := range expired {
		c.logger.Info("message expired",
			zap.String("message", m.ID),
			zap.String("to", m.RecipientID),
			zap.Time("expired_at", m.ExpiresAt))
	}
}

// pump drains one mailbox's due messages in send order. A transport
// failure at the head stops the pass to preserve FIFO within the mailbox.
func (c *Channel) pump(ctx context.Context, recipient string) {
	due, err := c.store.DueMessages(ctx, recipient, c.now())
	if err != nil {
		c.logger.Warn("load due messages", zap.String("recipient", recipient), zap.Error(err))
		return
	}
	for _, m := range due {
		if !c.now().Before(m.ExpiresAt) {
			// The next sweep will absorb it into expired.
			continue
		}
		switch m.Status {
		case StatusPending:
			if !c.attempt(ctx, m) {
				return
			}
		case StatusSent, StatusDelivered:
			// Due again means the ack deadline (or backoff window) passed.
			if !c.retry(ctx, m) {
				return
			}
		}
	}
}

// attempt performs the first hand-off of a pending message.
func (c *Channel) attempt(ctx context.Context, m *Message) bool {
	now := c.now()
	if err := c.transport.Deliver(ctx, m); err != nil {
		c.logger.Warn("hand-off failed",
			zap.String("message", m.ID),
			zap.String("to", m.RecipientID),
			zap.Error(err))
		c.reschedule(ctx, m)
		return false
	}
	if err := c.store.MarkSent(ctx, m.ID, now.Add(AckTimeout(m.Priority))); err != nil {
		c.logger.Warn("mark sent", zap.String("message", m.ID), zap.Error(err))
		return false
	}
	if err := c.store.MarkDelivered(ctx, m.ID, now); err != nil {
		c.logger.Warn("mark delivered", zap.String("message", m.ID), zap.Error(err))
		return false
	}
	c.logger.Debug("message delivered",
		zap.String("message", m.ID),
		zap.String("to", m.RecipientID))
	return true
}

// retry re-attempts a delivered-but-unacknowledged message, or absorbs
// it into failed once the retry budget is spent.
func (c *Channel) retry(ctx context.Context, m *Message) bool {
	if m.RetryCount >= m.MaxRetries {
		c.fail(ctx, m)
		return true
	}
	now := c.now()
	retry := m.RetryCount + 1
	if err := c.transport.Deliver(ctx, m); err != nil {
		c.logger.Warn("retry hand-off failed",
			zap.String("message", m.ID),
			zap.Int("retry", retry),
			zap.Error(err))
		c.reschedule(ctx, m)
		return false
	}
	// The next reconsideration waits a full ack window plus the
	// exponential backoff for this retry ordinal.
	next := now.Add(AckTimeout(m.Priority) + Backoff(retry))
	if err := c.store.BumpRetry(ctx, m.ID, retry, next); err != nil {
		c.logger.Warn("bump retry", zap.String("message", m.ID), zap.Error(err))
		return false
	}
	c.logger.Info("message redelivered",
		zap.String("message", m.ID),
		zap.String("to", m.RecipientID),
		zap.Int("retry", retry),
		zap.Int("max_retries", m.MaxRetries))
	return true
}

// reschedule pushes a message whose hand-off failed to a later attempt,
// consuming retry budget, or fails it when the budget is spent.
func (c *Channel) reschedule(ctx context.Context, m *Message) {
	if m.RetryCount >= m.MaxRetries {
		c.fail(ctx, m)
		return
	}
	retry := m.RetryCount + 1
	next := c.now().Add(Backoff(retry))
	if err := c.store.BumpRetry(ctx, m.ID, retry, next); err != nil {
		c.logger.Warn("reschedule", zap.String("message", m.ID), zap.Error(err))
	}
}

// deliveryFailure is the payload of the error message the channel sends
// back to the original sender after exhausting retries.
type deliveryFailure struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient_id"`
	Reason    string `json:"reason"`
}

// fail absorbs the message into failed and notifies the original sender
// with a correlated error message so the workflow engine can react.
func (c *Channel) fail(ctx context.Context, m *Message) {
	if err := c.store.MarkFailed(ctx, m.ID); err != nil {
		c.logger.Warn("mark failed", zap.String("message", m.ID), zap.Error(err))
		return
	}
	c.logger.Warn("message failed",
		zap.String("message", m.ID),
		zap.String("to", m.RecipientID),
		zap.Int("retries", m.RetryCount))

	// Error messages never generate further notifications, otherwise two
	// unreachable agents would bounce failures back and forth forever.
	if m.Type == TypeError {
		return
	}
	payload, _ := json.Marshal(deliveryFailure{
		MessageID: m.ID,
		Recipient: m.RecipientID,
		Reason:    "delivery retries exhausted",
	})
	_, err := c.Send(ctx, SendRequest{
		SenderID:      m.RecipientID,
		RecipientID:   m.SenderID,
		Type:          TypeError,
		Priority:      m.Priority,
		Payload:       payload,
		CorrelationID: m.CorrelationID,
		MaxRetries:    m.MaxRetries,
	})
	if err != nil && !fault.IsKind(err, fault.NotFound) {
		c.logger.Warn("failure notification", zap.String("message", m.ID), zap.Error(err))
	}
}
