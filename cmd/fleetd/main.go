// Package main wires together the fleet control-plane binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/api"
	"github.com/growthscout/fleetd/internal/clock/system"
	"github.com/growthscout/fleetd/internal/config"
	"github.com/growthscout/fleetd/internal/dispatch"
	"github.com/growthscout/fleetd/internal/enrich"
	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/gateway"
	"github.com/growthscout/fleetd/internal/id/uuid"
	"github.com/growthscout/fleetd/internal/logging"
	"github.com/growthscout/fleetd/internal/metrics"
	"github.com/growthscout/fleetd/internal/registry"
	"github.com/growthscout/fleetd/internal/relay"
	memorystore "github.com/growthscout/fleetd/internal/store/memory"
	redisstore "github.com/growthscout/fleetd/internal/store/redis"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Control plane for the scraping worker fleet",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
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

	metrics.Init()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close error", zap.Error(closeErr))
		}
	}()

	clock := system.New()
	idGen := uuid.New()

	reg := registry.New(store, clock, registry.Config{
		HeartbeatTimeout: cfg.Heartbeat.Timeout(),
	}, logger.Named("registry"))

	disp := dispatch.New(store, reg, idGen, clock, dispatch.Config{
		Interval:    cfg.Dispatch.Interval(),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		QueuedTTL:   cfg.Dispatch.QueuedTTL(),
	}, logger.Named("dispatch"))
	reg.SetEvictionHandler(disp)

	statusRelay := relay.New(relay.Config{
		URL:           cfg.Relay.URL,
		FlushInterval: cfg.Relay.FlushInterval(),
		BufferLimit:   cfg.Relay.BufferLimit,
		Logger:        logger.Named("relay"),
	})

	enricher := enrich.New(disp, statusRelay, idGen, clock, logger.Named("enrich"))
	disp.AddObserver(enricher)

	gw := gateway.New(gateway.Config{
		AuthToken: cfg.Gateway.AuthToken,
	}, reg, disp, statusRelay, idGen, clock, logger.Named("gateway"))
	disp.SetSender(gw)

	apiServer := api.NewServer(store, disp, enricher, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		logger.Info("registry sweeper started")
		reg.Run(runCtx)
	}()

	go func() {
		logger.Info("dispatcher started")
		disp.Run(runCtx)
	}()

	go func() {
		logger.Info("gateway started", zap.String("addr", cfg.Gateway.Addr))
		if err := gw.Serve(runCtx, ln); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("gateway error", zap.Error(err))
			cancel()
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-runCtx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := statusRelay.Stop(shutdownCtx); err != nil {
		logger.Error("relay shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newStore(ctx context.Context, cfg config.Config) (fleet.Store, error) {
	switch cfg.Store.Provider {
	case "redis":
		return redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	case "memory":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
}
