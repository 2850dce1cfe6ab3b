package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/api"
	"github.com/nidhogg/courier/internal/channel"
	"github.com/nidhogg/courier/internal/config"
	"github.com/nidhogg/courier/internal/ledger"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
	"github.com/nidhogg/courier/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Courier...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/courier.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Persistence: PostgreSQL when configured, in-memory otherwise.
	var (
		registryStore registry.Store
		channelStore  channel.Store
		ledgerStore   ledger.Store
		workflowStore workflow.Store
		pgStore       *store.Store
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		registryStore, channelStore, ledgerStore, workflowStore = ps, ps, ps, ps
	} else {
		logger.Warn("no PostgreSQL DSN configured, state will not survive restarts")
		mem := store.NewMemory()
		registryStore, channelStore, ledgerStore, workflowStore = mem, mem, mem, mem
	}

	// Transport: Redis Streams when configured, in-process otherwise.
	var transport channel.Transport
	if cfg.Database.Redis.URL != "" {
		rt, rErr := channel.NewRedisTransport(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Fatal("Redis unavailable", zap.Error(rErr))
		}
		transport = rt
	} else {
		logger.Warn("no Redis URL configured, using in-process transport")
		transport = channel.NewInProcTransport()
	}

	reg := registry.New(registryStore, logger)
	led := ledger.New(ledgerStore, logger)
	ch := channel.New(channelStore, reg, transport, logger)
	ch.SetDefaultTTL(cfg.Courier.MessageTTL())

	// The engine participates as an orchestrator agent; reuse its
	// identity across restarts.
	engineID, err := resolveEngineAgent(context.Background(), reg, cfg.Courier.EngineAgentName)
	if err != nil {
		logger.Fatal("resolve engine agent", zap.Error(err))
	}
	eng := workflow.New(workflowStore, reg, led, ch, engineID, logger)

	runCtx, stop := context.WithCancel(context.Background())
	go func() {
		if err := ch.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("delivery loop stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := eng.Run(runCtx, transport); err != nil && runCtx.Err() == nil {
			logger.Error("engine reactor stopped", zap.Error(err))
		}
	}()
	if timeout := cfg.Courier.HeartbeatTimeout(); timeout > 0 {
		go monitorHeartbeats(runCtx, reg, timeout, logger)
	}

	// Build HTTP handler
	handler := api.NewHandler(reg, ch, led, eng, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Courier listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Courier...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	transport.Close()
	if pgStore != nil {
		pgStore.Close()
	}
}

// resolveEngineAgent finds the orchestrator agent by name or registers
// a fresh one.
func resolveEngineAgent(ctx context.Context, reg *registry.Registry, name string) (string, error) {
	agents, err := reg.List(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if a.Name == name && a.Type == registry.TypeOrchestrator {
			return a.ID, nil
		}
	}
	a, err := reg.Register(ctx, name, registry.TypeOrchestrator, nil)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// monitorHeartbeats periodically marks silent agents offline.
func monitorHeartbeats(ctx context.Context, reg *registry.Registry, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := reg.Stale(ctx, timeout)
			if err != nil {
				logger.Warn("stale agent scan", zap.Error(err))
				continue
			}
			for _, a := range stale {
				if err := reg.SetStatus(ctx, a.ID, registry.StatusOffline); err != nil {
					logger.Warn("mark agent offline", zap.String("agent", a.ID), zap.Error(err))
					continue
				}
				logger.Info("agent marked offline", zap.String("agent", a.ID), zap.String("name", a.Name))
			}
		}
	}
}
