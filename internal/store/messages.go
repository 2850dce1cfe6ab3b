package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/fault"
)

// liveStatuses filters to messages the delivery loop still owns.
const liveStatuses = `('pending', 'sent', 'delivered')`

// InsertMessage persists a new message.
func (s *Store) InsertMessage(ctx context.Context, m *channel.Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_messages (
			id, correlation_id, sender_id, recipient_id, type, priority, status,
			payload, retry_count, max_retries, expires_at, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.CorrelationID, m.SenderID, m.RecipientID,
		string(m.Type), string(m.Priority), string(m.Status),
		nullableJSON(m.Payload), m.RetryCount, m.MaxRetries,
		m.ExpiresAt, m.NextAttemptAt, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("message %s already exists", m.ID)
		}
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

const messageColumns = `id, correlation_id, sender_id, recipient_id, type, priority, status,
	COALESCE(payload, 'null'::jsonb), retry_count, max_retries, expires_at, next_attempt_at,
	delivered_at, acknowledged_at, created_at`

func scanMessage(row pgxRow) (*channel.Message, error) {
	var m channel.Message
	var payload []byte
	if err := row.Scan(
		&m.ID, &m.CorrelationID, &m.SenderID, &m.RecipientID,
		&m.Type, &m.Priority, &m.Status,
		&payload, &m.RetryCount, &m.MaxRetries, &m.ExpiresAt, &m.NextAttemptAt,
		&m.DeliveredAt, &m.AcknowledgedAt, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	if string(payload) != "null" {
		m.Payload = payload
	}
	return &m, nil
}

// GetMessage retrieves a single message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*channel.Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM agent_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err, "message %s", id)
	}
	return m, nil
}

// DueMessages returns a recipient's live messages whose reconsideration
// time has passed, oldest send first. An undelivered pending message that
// is still waiting out its backoff holds back everything sent after it,
// so the mailbox never hands off newer messages around it.
func (s *Store) DueMessages(ctx context.Context, recipient string, now time.Time) ([]*channel.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM agent_messages m
		WHERE m.recipient_id = $1 AND m.status IN `+liveStatuses+` AND m.next_attempt_at <= $2
		AND NOT EXISTS (
			SELECT 1 FROM agent_messages b
			WHERE b.recipient_id = m.recipient_id AND b.status = 'pending'
			AND b.next_attempt_at > $2 AND b.created_at < m.created_at
		)
		ORDER BY m.created_at`,
		recipient, now)
	if err != nil {
		return nil, fmt.Errorf("due messages for %s: %w", recipient, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// DueRecipients returns the distinct recipients holding due messages.
func (s *Store) DueRecipients(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT recipient_id FROM agent_messages
		WHERE status IN `+liveStatuses+` AND next_attempt_at <= $1`,
		now)
	if err != nil {
		return nil, fmt.Errorf("due recipients: %w", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// ExpireOverdue absorbs every live message past its expiry into expired
// and returns the transitioned rows.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]*channel.Message, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE agent_messages SET status = 'expired'
		WHERE status IN `+liveStatuses+` AND expires_at <= $1
		RETURNING `+messageColumns,
		now)
	if err != nil {
		return nil, fmt.Errorf("expire messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MarkSent moves pending→sent and schedules the acknowledgement check.
func (s *Store) MarkSent(ctx context.Context, id string, nextAttempt time.Time) error {
	return s.moveMessage(ctx, id, `
		UPDATE agent_messages SET status = 'sent', next_attempt_at = $2
		WHERE id = $1 AND status = 'pending'`, nextAttempt)
}

// MarkDelivered moves sent→delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.moveMessage(ctx, id, `
		UPDATE agent_messages SET status = 'delivered', delivered_at = $2
		WHERE id = $1 AND status = 'sent'`, at)
}

// MarkAcknowledged moves sent|delivered→acknowledged.
func (s *Store) MarkAcknowledged(ctx context.Context, id string, at time.Time) error {
	return s.moveMessage(ctx, id, `
		UPDATE agent_messages SET status = 'acknowledged', acknowledged_at = $2
		WHERE id = $1 AND status IN ('sent', 'delivered')`, at)
}

// MarkFailed absorbs a live message into failed.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_messages SET status = 'failed'
		WHERE id = $1 AND status IN `+liveStatuses, id)
	if err != nil {
		return fmt.Errorf("fail message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("message %s is already terminal", id)
	}
	return nil
}

// BumpRetry reschedules a live message after a redelivery attempt.
func (s *Store) BumpRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_messages SET retry_count = $2, next_attempt_at = $3
		WHERE id = $1 AND status IN `+liveStatuses,
		id, retryCount, nextAttempt)
	if err != nil {
		return fmt.Errorf("bump retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("message %s is already terminal", id)
	}
	return nil
}

// MessagesByCorrelation returns a conversation in send order.
func (s *Store) MessagesByCorrelation(ctx context.Context, correlationID string) ([]*channel.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM agent_messages
		WHERE correlation_id = $1 ORDER BY created_at`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessagesForAgent returns an agent's recent traffic, newest first.
func (s *Store) MessagesForAgent(ctx context.Context, agentID string, limit int) ([]*channel.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM agent_messages
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages for %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) moveMessage(ctx context.Context, id, query string, at time.Time) error {
	tag, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("move message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("message %s is not in the expected status", id)
	}
	return nil
}

func collectMessages(rows pgx.Rows) ([]*channel.Message, error) {
	var out []*channel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// nullableJSON maps an empty raw document to SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
