package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
	"github.com/nidhogg/courier/internal/workflow"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	// Run migrations
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestCourierFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStack(t, ctx)

	t.Run("Registry", func(t *testing.T) {
		a, err := s.registry.Register(ctx, "pg-scraper", registry.TypeExecutor,
			map[string]registry.Capability{"scrape": {Confidence: 0.85}})
		if err != nil {
			t.Fatalf("register: %v", err)
		}

		got, err := s.registry.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != registry.StatusIdle {
			t.Errorf("expected idle, got %q", got.Status)
		}

		if err := s.registry.SetStatus(ctx, a.ID, registry.StatusBusy); err != nil {
			t.Fatalf("idle->busy: %v", err)
		}
		if err := s.registry.SetStatus(ctx, a.ID, registry.StatusError); err != nil {
			t.Fatalf("busy->error: %v", err)
		}
		if err := s.registry.SetStatus(ctx, a.ID, registry.StatusBusy); err == nil {
			t.Error("error->busy should be rejected")
		}
		if err := s.registry.SetStatus(ctx, a.ID, registry.StatusIdle); err != nil {
			t.Fatalf("error->idle: %v", err)
		}

		if err := s.registry.Heartbeat(ctx, a.ID); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if err := s.registry.RecordUsage(ctx, a.ID, "scrape"); err != nil {
			t.Fatalf("record usage: %v", err)
		}
		got, _ = s.registry.Get(ctx, a.ID)
		if got.Capabilities["scrape"].UsageCount != 1 {
			t.Errorf("expected usage count 1, got %d", got.Capabilities["scrape"].UsageCount)
		}

		capable, err := s.registry.FindCapable(ctx, "scrape", 0.5)
		if err != nil {
			t.Fatalf("find capable: %v", err)
		}
		if len(capable) == 0 {
			t.Fatal("expected at least one capable agent")
		}
	})

	t.Run("Messaging", func(t *testing.T) {
		sender, err := s.registry.Register(ctx, "pg-sender", registry.TypeExecutor, nil)
		if err != nil {
			t.Fatalf("register sender: %v", err)
		}
		recipient, err := s.registry.Register(ctx, "pg-recipient", registry.TypeExecutor, nil)
		if err != nil {
			t.Fatalf("register recipient: %v", err)
		}

		// Subscribe before sending; the stream reader only sees new entries.
		inbox, err := s.transport.Subscribe(ctx, recipient.ID)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		time.Sleep(300 * time.Millisecond)

		sent, err := s.channel.Send(ctx, channel.SendRequest{
			SenderID:      sender.ID,
			RecipientID:   recipient.ID,
			Type:          channel.TypeDelegate,
			Priority:      channel.PriorityHigh,
			Payload:       []byte(`{"job": "fetch"}`),
			CorrelationID: "e2e-conv",
			MaxRetries:    3,
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}

		if err := s.channel.Process(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}

		select {
		case got := <-inbox:
			if got.ID != sent.ID {
				t.Errorf("expected message %s, got %s", sent.ID, got.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("message never reached the redis inbox")
		}

		if err := s.channel.Acknowledge(ctx, sent.ID, recipient.ID); err != nil {
			t.Fatalf("acknowledge: %v", err)
		}
		got, err := s.channel.Get(ctx, sent.ID)
		if err != nil {
			t.Fatalf("get message: %v", err)
		}
		if got.Status != channel.StatusAcknowledged {
			t.Errorf("expected acknowledged, got %q", got.Status)
		}

		conv, err := s.channel.Conversation(ctx, "e2e-conv")
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		if len(conv) != 1 {
			t.Errorf("expected 1 message in conversation, got %d", len(conv))
		}
	})

	t.Run("Workflow", func(t *testing.T) {
		fetcher, err := s.registry.Register(ctx, "pg-fetcher", registry.TypeExecutor,
			map[string]registry.Capability{"fetch": {Confidence: 0.9}})
		if err != nil {
			t.Fatalf("register fetcher: %v", err)
		}
		parser, err := s.registry.Register(ctx, "pg-parser", registry.TypeExecutor,
			map[string]registry.Capability{"parse": {Confidence: 0.9}})
		if err != nil {
			t.Fatalf("register parser: %v", err)
		}

		// Wire the reactive side before starting the run: background
		// delivery loop, the engine's inbox and both simulated executors.
		go s.channel.Run(ctx)
		go s.engine.Run(ctx, s.transport)
		s.runExecutor(ctx, t, fetcher.ID, map[string]interface{}{"doc": "raw html"})
		s.runExecutor(ctx, t, parser.ID, map[string]interface{}{"text": "clean"})
		time.Sleep(500 * time.Millisecond)

		w, err := s.engine.CreateWorkflow(ctx, "e2e-crawl", []workflow.Step{
			{Name: "fetch", Capability: "fetch"},
			{Name: "parse", Capability: "parse"},
		})
		if err != nil {
			t.Fatalf("create workflow: %v", err)
		}
		if err := s.engine.Activate(ctx, w.ID); err != nil {
			t.Fatalf("activate: %v", err)
		}

		exec, err := s.engine.Start(ctx, w.ID, map[string]interface{}{"url": "https://example.com"})
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		waitFor(t, 30*time.Second, "execution to complete", func() bool {
			got, err := s.engine.GetExecution(ctx, exec.ID)
			return err == nil && got.Status == workflow.ExecutionCompleted
		})

		got, err := s.engine.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if got.Context["doc"] != "raw html" || got.Context["text"] != "clean" {
			t.Errorf("context not accumulated: %#v", got.Context)
		}

		tasks, err := s.ledger.ListByWorkflow(ctx, w.ID)
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(tasks) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(tasks))
		}
		for _, task := range tasks {
			if task.Status != ledger.StatusCompleted {
				t.Errorf("task %s (step %d): expected completed, got %q", task.ID, task.StepOrder, task.Status)
			}
		}
	})
}
