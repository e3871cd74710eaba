// Package main hosts the fleet worker agent entrypoint.
//
// The agent dials the control plane's gateway, authenticates with the shared
// token, and executes assignments for its advertised capability. It reconnects
// with a fixed delay when the connection drops, up to the configured attempt
// ceiling (zero means retry forever).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/agent"
	"github.com/growthscout/fleetd/internal/config"
	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/logging"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "fleet-worker",
		Short: "Scraping worker agent for the fleet control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fleet-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	a := agent.New(agent.Config{
		Endpoint:          cfg.Agent.Endpoint,
		Token:             cfg.Agent.Token,
		Capability:        fleet.Capability(cfg.Agent.Capability),
		WorkerName:        cfg.Agent.WorkerName,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval(),
		ReconnectDelay:    cfg.Agent.ReconnectDelay(),
		MaxReconnects:     cfg.Agent.MaxReconnects,
	}, agent.EchoExecutor{}, logger.Named("agent"))

	return a.Run(ctx)
}
