// fleetd gateway daemon — spawns and supervises coding-agent PTY
// sessions, runs headless jobs, and serves the WebSocket wire protocol.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codefleet/fleetd/pkg/cleanup"
	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/database"
	"github.com/codefleet/fleetd/pkg/gateway"
	"github.com/codefleet/fleetd/pkg/jobs"
	"github.com/codefleet/fleetd/pkg/outbox"
	"github.com/codefleet/fleetd/pkg/sessions"
	"github.com/codefleet/fleetd/pkg/store"
	"github.com/codefleet/fleetd/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg := config.Load()

	slog.Info("Starting fleetd",
		"version", version.Full(),
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port,
		"agent_command", cfg.Pty.AgentCommand)

	ctx := context.Background()

	// 1. Database (connects, runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 2. Repositories and registries
	outboxStore := store.NewOutboxStore(dbClient.DB())
	jobStore := store.NewJobStore(dbClient.DB())
	sessionStore := sessions.NewStore()

	// 3. Background services
	tailer := outbox.NewTailer(outboxStore, cfg.Outbox)
	jobManager := jobs.NewManager(jobStore, cfg.Jobs, cfg.Pty.AgentCommand)
	retention := cleanup.NewService(cfg.Retention, outboxStore, jobStore)

	// 4. Gateway (owns the PTY bridge and the commander)
	server := gateway.NewServer(gateway.Deps{
		Config:       cfg,
		DB:           dbClient.DB(),
		SessionStore: sessionStore,
		Tailer:       tailer,
		Jobs:         jobManager,
		Outbox:       outboxStore,
	})
	if err := server.Start(ctx); err != nil {
		slog.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}

	retention.Start(ctx)

	slog.Info("fleetd started successfully")

	// 5. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 6. Graceful shutdown
	retention.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
}
