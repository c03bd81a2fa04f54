package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockpilot/worker/cmd/worker/agent"
	"github.com/blockpilot/worker/cmd/worker/blocks"
	"github.com/blockpilot/worker/cmd/worker/engine"
	"github.com/blockpilot/worker/cmd/worker/llm"
	"github.com/blockpilot/worker/cmd/worker/mcp"
	"github.com/blockpilot/worker/cmd/worker/sandbox"
	"github.com/blockpilot/worker/common/bootstrap"
	"github.com/blockpilot/worker/common/breaker"
	"github.com/blockpilot/worker/common/clients"
	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/queue"
	"github.com/blockpilot/worker/common/ratelimit"
	"github.com/blockpilot/worker/common/repository"
	"github.com/blockpilot/worker/common/security"
	"github.com/blockpilot/worker/common/server"
	"github.com/blockpilot/worker/common/template"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "execution-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("execution worker starting",
		"worker_id", components.Config.Service.WorkerID)

	// Initialize dependencies
	deps, err := initializeDependencies(components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	// Create all worker components
	workerComponents := createWorkerComponents(deps, components)

	// Start all components
	errChan := startComponents(ctx, workerComponents, components)

	components.Logger.Info("execution worker started",
		"stream", components.Config.Engine.StreamName,
		"group", components.Config.Engine.ConsumerGroup,
		"blocks", deps.registry.Kinds())

	// Wait for shutdown signal or error
	waitForShutdown(ctx, cancel, errChan, components)

	// Drain the pieces the cancelled context does not stop on its own:
	// in-flight ops requests, tool-server children and buffered logs.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := workerComponents.ops.Shutdown(shutdownCtx); err != nil {
		components.Logger.Warn("ops server shutdown error", "error", err)
	}
	if err := deps.supervisor.Shutdown(shutdownCtx); err != nil {
		components.Logger.Warn("tool supervisor shutdown error", "error", err)
	}
	deps.logs.Close()

	components.Logger.Info("execution worker shutting down gracefully")
}

// dependencies holds the shared collaborators the worker components are
// built from.
type dependencies struct {
	store      *repository.ExecutionRepository
	breaker    *breaker.Breaker
	publisher  events.Publisher
	logs       *engine.LogWriter
	registry   *blocks.Registry
	supervisor *mcp.Supervisor
}

// workerComponents holds the long-running pieces of the worker.
type workerComponents struct {
	consumer       *engine.Consumer
	reaper         *engine.Reaper
	cancelListener *engine.CancelListener
	ops            *server.Ops
}

// initializeDependencies sets up repositories, the circuit breaker, the
// event publisher, the log writer and the block handler registry.
func initializeDependencies(components *bootstrap.Components) (*dependencies, error) {
	cfg := components.Config
	logger := components.Logger

	store := repository.NewExecutionRepository(components.DB)

	brk := breaker.New(repository.NewBreakerRepository(components.DB), logger).
		WithThreshold(cfg.Engine.BreakerThreshold).
		WithCooldown(cfg.Engine.BreakerCooldown)

	// Terminal and node-level events go out over Redis pub/sub; the
	// fanout service bridges them to WebSocket clients.
	publisher := events.NewRedisBridge(components.Redis, logger)

	logs := engine.NewLogWriter(store, publisher, logger,
		cfg.Engine.LogBatchSize, cfg.Engine.LogBatchFlush)

	registry, supervisor, err := buildRegistry(components, store)
	if err != nil {
		return nil, err
	}

	return &dependencies{
		store:      store,
		breaker:    brk,
		publisher:  publisher,
		logs:       logs,
		registry:   registry,
		supervisor: supervisor,
	}, nil
}

// buildRegistry wires every block handler the worker serves.
func buildRegistry(components *bootstrap.Components, transcripts blocks.TranscriptStore) (*blocks.Registry, *mcp.Supervisor, error) {
	cfg := components.Config
	logger := components.Logger

	tpl := template.NewProcessor()
	guard := security.NewURLGuard(cfg.Engine.AllowPrivateHosts, cfg.Engine.BlockedHosts)
	httpClient := clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, logger)

	condition, err := blocks.NewConditionHandler(tpl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build condition handler: %w", err)
	}

	pool := llm.FromConfig(cfg.Providers, logger)
	supervisor := mcp.FromConfig(cfg.Agent, logger)
	chainTools := agent.NewHTTPBlockchainTools(httpClient,
		getEnv("BLOCKCHAIN_OPS_URL", "http://localhost:8085"), logger)
	notifier := blocks.NewHTTPNotifier(httpClient,
		getEnv("EMAIL_SERVICE_URL", "http://localhost:8086"))

	registry := blocks.NewRegistryBuilder().
		Register(blocks.NewHTTPHandler(tpl, guard, logger)).
		Register(blocks.NewWebhookHandler(tpl)).
		Register(blocks.NewScheduleHandler(tpl)).
		Register(condition).
		Register(blocks.NewTransformHandler(tpl)).
		Register(blocks.NewCustomHandler(tpl,
			repository.NewUserCodeRepository(components.DB),
			sandbox.NewSubprocess(logger))).
		Register(blocks.NewEmailHandler(tpl, notifier)).
		Register(blocks.NewPriceMonitorHandler(tpl, logger)).
		Register(blocks.NewAgentHandler(tpl, blocks.AgentDeps{
			Engine:     agent.NewEngine(pool, repository.NewSubscriptionRepository(components.DB), logger),
			Supervisor: supervisor,
			Catalogue:  agent.NewCatalogue(),
			Blockchain: chainTools,
			Screener:   security.NewScreener(),
			Store:      transcripts,
			Logger:     logger,
		})).
		Register(blocks.NewBlockchainHandler(tpl, chainTools, models.KindDefiLiquidity)).
		Register(blocks.NewBlockchainHandler(tpl, chainTools, models.KindDefiYield)).
		Register(blocks.NewBlockchainHandler(tpl, chainTools, models.KindPortfolioBalance)).
		Build()

	return registry, supervisor, nil
}

// createWorkerComponents initializes the execution engine and the
// long-running components around it.
func createWorkerComponents(deps *dependencies, components *bootstrap.Components) *workerComponents {
	cfg := components.Config

	workflows := engine.NewRedisWorkflows(components.Redis)

	eng := engine.New(cfg.Service.WorkerID, engine.Deps{
		Store:     deps.store,
		Workflows: workflows,
		Registry:  deps.registry,
		Breaker:   deps.breaker,
		Publisher: deps.publisher,
		Outputs:   components.Cache,
		Logs:      deps.logs,
		Logger:    components.Logger,
	}).
		WithMaxParallel(cfg.Engine.MaxParallelNodes).
		WithNodeTimeout(cfg.Engine.NodeTimeout).
		WithMaxRetries(cfg.Engine.MaxRetries).
		WithBackoff(blocks.Backoff{
			Base:   cfg.Engine.RetryBaseDelay,
			Factor: 2,
			Cap:    cfg.Engine.RetryMaxDelay,
			Jitter: 0.1,
		}).
		WithOutputCacheTTL(cfg.Engine.OutputCacheTTL)

	producer := queue.NewProducer(components.Redis, cfg.Engine.StreamName)

	return &workerComponents{
		consumer: engine.NewConsumer(components.Redis, producer, eng, components.Logger,
			cfg.Engine.StreamName, cfg.Engine.ConsumerGroup, cfg.Service.WorkerID).
			WithAdmission(ratelimit.NewLimiter(components.Redis, components.Logger), workflows),
		reaper: engine.NewReaper(deps.store, deps.publisher, components.Logger,
			cfg.Engine.ReaperInterval, cfg.Engine.StaleAfter),
		cancelListener: engine.NewCancelListener(components.Redis, eng, components.Logger),
		ops:            server.NewOps("execution-worker", cfg.Service.Port, components.Logger, components, deps.breaker),
	}
}

// startComponents starts all worker components in goroutines
func startComponents(ctx context.Context, wc *workerComponents, components *bootstrap.Components) chan error {
	errChan := make(chan error, 2)

	// Start stream consumer
	go func() {
		components.Logger.Info("starting stream consumer")
		if err := wc.consumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("stream consumer error: %w", err)
		}
	}()

	// Start stale execution reaper
	go func() {
		components.Logger.Info("starting stale execution reaper")
		wc.reaper.Start(ctx)
	}()

	// Start cancellation listener
	go func() {
		components.Logger.Info("starting cancellation listener")
		wc.cancelListener.Start(ctx)
	}()

	// Start ops server
	go func() {
		if err := wc.ops.Start(); err != nil {
			errChan <- err
		}
	}()

	return errChan
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}

// getEnv gets an environment variable or returns a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
