package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
	"github.com/nidhogg/courier/internal/workflow"
)

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *store.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("courier_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// stack is one fully wired courier instance over the shared Postgres
// and a fresh Redis transport.
type stack struct {
	registry  *registry.Registry
	channel   *channel.Channel
	ledger    *ledger.Ledger
	engine    *workflow.Engine
	transport *channel.RedisTransport
	engineID  string
}

// newStack wires registry, channel, ledger and engine over the shared
// containers. The caller owns ctx; delivery and engine loops stop with it.
func newStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()

	transport, err := channel.NewRedisTransport(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("redis transport: %v", err)
	}
	t.Cleanup(func() { transport.Close() })

	reg := registry.New(testStore, testLogger)
	led := ledger.New(testStore, testLogger)
	ch := channel.New(testStore, reg, transport, testLogger)

	orch, err := reg.Register(ctx, fmt.Sprintf("engine-%d", time.Now().UnixNano()), registry.TypeOrchestrator, nil)
	if err != nil {
		t.Fatalf("register engine agent: %v", err)
	}
	eng := workflow.New(testStore, reg, led, ch, orch.ID, testLogger)

	return &stack{
		registry:  reg,
		channel:   ch,
		ledger:    led,
		engine:    eng,
		transport: transport,
		engineID:  orch.ID,
	}
}

// runExecutor simulates a worker agent: it subscribes to its inbox,
// acknowledges delegations and replies with the given result payload.
func (s *stack) runExecutor(ctx context.Context, t *testing.T, agentID string, result map[string]interface{}) {
	t.Helper()
	inbox, err := s.transport.Subscribe(ctx, agentID)
	if err != nil {
		t.Fatalf("subscribe %s: %v", agentID, err)
	}
	go func() {
		for m := range inbox {
			if m.Type != channel.TypeDelegate {
				continue
			}
			_ = s.channel.Acknowledge(ctx, m.ID, agentID)
			payload, _ := json.Marshal(result)
			_, _ = s.channel.Send(ctx, channel.SendRequest{
				SenderID:      agentID,
				RecipientID:   m.SenderID,
				Type:          channel.TypeResult,
				Priority:      channel.PriorityHigh,
				Payload:       payload,
				CorrelationID: m.CorrelationID,
				MaxRetries:    3,
			})
		}
	}()
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
