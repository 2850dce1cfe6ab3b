// Package registry tracks known agents: identity, status, capability
// scores and heartbeats. It is the leaf dependency every other courier
// component resolves agents through.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
)

// Store is the persistence surface the registry needs. Implementations
// must make UpdateAgentStatus a conditional (compare-and-swap) update.
type Store interface {
	InsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// UpdateAgentStatus moves the agent from→to atomically and returns
	// a conflict when the stored status no longer matches from.
	UpdateAgentStatus(ctx context.Context, id string, from, to Status) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	// TouchCapability bumps usage_count and last_used for one capability.
	TouchCapability(ctx context.Context, id, name string, at time.Time) error
}

// Registry validates and performs all agent mutations.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry backed by store.
func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Register creates a new agent in status idle.
func (r *Registry) Register(ctx context.Context, name string, typ Type, capabilities map[string]Capability) (*Agent, error) {
	if name == "" {
		return nil, fault.Validationf("agent name is required")
	}
	if !validType(typ) {
		return nil, fault.Validationf("unknown agent type %q", typ)
	}
	caps := make(map[string]Capability, len(capabilities))
	for capName, c := range capabilities {
		if capName == "" {
			return nil, fault.Validationf("capability name is required")
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return nil, fault.Validationf("capability %q confidence %v outside [0,1]", capName, c.Confidence)
		}
		// Counters start clean regardless of what the caller sent.
		caps[capName] = Capability{Confidence: c.Confidence}
	}

	now := r.now()
	a := &Agent{
		ID:            uuid.New().String(),
		Name:          name,
		Type:          typ,
		Status:        StatusIdle,
		Capabilities:  caps,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("register agent %s: %w", name, err)
	}
	r.logger.Info("agent registered",
		zap.String("agent", a.ID),
		zap.String("name", name),
		zap.String("type", string(typ)),
		zap.Int("capabilities", len(caps)))
	return a, nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.store.ListAgents(ctx)
}

// Heartbeat records that the agent's own process is alive.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	if err := r.store.TouchHeartbeat(ctx, id, r.now()); err != nil {
		return err
	}
	r.logger.Debug("heartbeat", zap.String("agent", id))
	return nil
}

// SetStatus performs a validated status transition. The store-level
// compare-and-swap keeps concurrent transitions from clobbering each
// other: the loser sees a conflict and the caller re-reads.
func (r *Registry) SetStatus(ctx context.Context, id string, to Status) error {
	if !validStatus(to) {
		return fault.Validationf("unknown agent status %q", to)
	}
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckTransition(a.Status, to); err != nil {
		return err
	}
	if a.Status == to {
		return nil
	}
	if err := r.store.UpdateAgentStatus(ctx, id, a.Status, to); err != nil {
		return err
	}
	r.logger.Info("agent status changed",
		zap.String("agent", id),
		zap.String("from", string(a.Status)),
		zap.String("to", string(to)))
	return nil
}

// FindCapable returns agents advertising capability name at or above
// minConfidence, best first: descending confidence, ties broken by the
// least recently used capability. The tie-break spreads load across
// equally capable agents without a separate balancer. Offline agents
// are never returned.
func (r *Registry) FindCapable(ctx context.Context, name string, minConfidence float64) ([]*Agent, error) {
	if name == "" {
		return nil, fault.Validationf("capability name is required")
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("find capable %q: %w", name, err)
	}

	var capable []*Agent
	for _, a := range agents {
		if a.Status == StatusOffline {
			continue
		}
		if c, ok := a.Capabilities[name]; ok && c.Confidence >= minConfidence {
			capable = append(capable, a)
		}
	}
	sort.SliceStable(capable, func(i, j int) bool {
		ci, cj := capable[i].Capabilities[name], capable[j].Capabilities[name]
		if ci.Confidence != cj.Confidence {
			return ci.Confidence > cj.Confidence
		}
		return ci.LastUsed.Before(cj.LastUsed)
	})
	return capable, nil
}

// RecordUsage bumps an agent's usage counters for one capability,
// typically right after the engine delegates a step to it.
func (r *Registry) RecordUsage(ctx context.Context, id, capability string) error {
	return r.store.TouchCapability(ctx, id, capability, r.now())
}

// Stale returns agents whose heartbeat is older than threshold. The
// external monitor decides what to do with them (usually SetStatus
// offline).
func (r *Registry) Stale(ctx context.Context, threshold time.Duration) ([]*Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var stale []*Agent
	for _, a := range agents {
		if a.Status != StatusOffline && a.Stale(threshold, now) {
			stale = append(stale, a)
		}
	}
	return stale, nil
}
