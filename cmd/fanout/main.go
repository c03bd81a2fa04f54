package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockpilot/worker/common/bootstrap"
	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/middleware"
	"github.com/blockpilot/worker/common/ratelimit"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The fanout bridge only needs Redis and the logger; it keeps no
	// state of its own.
	components, err := bootstrap.Setup(ctx, "event-fanout",
		bootstrap.WithoutDB(),
		bootstrap.WithoutCache())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	bus := events.NewBus(0)
	sub := newSubscriber(components.Redis, bus, components.Logger)
	srv := newServer(bus, components.Logger)

	// Admission windows throttle connection churn, not concurrency:
	// they count upgrade attempts per minute.
	limiter := ratelimit.NewLimiter(components.Redis, components.Logger)
	wsHandler := middleware.GlobalAdmission(limiter, ratelimit.DefaultGlobalConfig.Limit,
		middleware.UserAdmission(limiter, ratelimit.TierSimple, srv.handleWebSocket))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/healthz", srv.handleHealth)

	addr := fmt.Sprintf(":%d", components.Config.Service.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
		// WebSocket connections are long-lived; read and write
		// timeouts would kill active streams.
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)

	go sub.Start(ctx)

	go func() {
		components.Logger.Info("event fanout listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		components.Logger.Warn("http server shutdown error", "error", err)
	}
	bus.Close()

	components.Logger.Info("event fanout shutting down gracefully")
}
