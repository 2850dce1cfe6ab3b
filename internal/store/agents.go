package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/courier/internal/fault"
	"github.com/nidhogg/courier/internal/registry"
)

// InsertAgent persists a new agent.
func (s *Store) InsertAgent(ctx context.Context, a *registry.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, type, status, capabilities, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Name, string(a.Type), string(a.Status), caps,
		a.LastHeartbeat, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("agent %s already exists", a.ID)
		}
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

const agentColumns = `id, name, type, status, capabilities, last_heartbeat, created_at, updated_at`

func scanAgent(row pgxRow) (*registry.Agent, error) {
	var a registry.Agent
	var caps []byte
	if err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.Status, &caps,
		&a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFound(err, "agent %s", id)
	}
	return a, nil
}

// ListAgents returns all agents in registration order.
func (s *Store) ListAgents(ctx context.Context) ([]*registry.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus moves from→to, conflicting when the stored status
// changed underneath the caller.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, from, to registry.Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update agent %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("agent %s is no longer %s", id, from)
	}
	return nil
}

// TouchHeartbeat records an agent liveness signal.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET last_heartbeat = $2, updated_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("agent %s", id)
	}
	return nil
}

// TouchCapability bumps one capability's usage counters inside the
// capabilities document.
func (s *Store) TouchCapability(ctx context.Context, id, name string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET
			capabilities = jsonb_set(jsonb_set(capabilities,
				ARRAY[$2, 'last_used'], to_jsonb($3::timestamptz)),
				ARRAY[$2, 'usage_count'],
				to_jsonb(COALESCE((capabilities #>> ARRAY[$2, 'usage_count'])::int, 0) + 1)),
			updated_at = NOW()
		WHERE id = $1 AND capabilities ? $2`,
		id, name, at)
	if err != nil {
		return fmt.Errorf("touch capability %s/%s: %w", id, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("agent %s capability %s", id, name)
	}
	return nil
}
