package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sibyl-dev/sibyl/internal/adapter/agentcli"
	"github.com/sibyl-dev/sibyl/internal/logger"
	"github.com/sibyl-dev/sibyl/internal/runner"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := runner.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("runner starting",
		"name", cfg.Name,
		"server", cfg.ServerURL,
		"slots", cfg.MaxConcurrentAgents,
		"agent_command", cfg.AgentCommand[0],
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := agentcli.New(cfg.AgentCommand, log)
	client := runner.NewClient(cfg, runtime, log)

	if err := client.Run(ctx); err != nil {
		return err
	}
	log.Info("runner stopped")
	return nil
}
