package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-sh/drydock/pkg/api"
	"github.com/drydock-sh/drydock/pkg/config"
	"github.com/drydock-sh/drydock/pkg/dispatcher"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/metrics"
	"github.com/drydock-sh/drydock/pkg/router"
	"github.com/drydock-sh/drydock/pkg/scheduler"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/tunnel"
	"github.com/drydock-sh/drydock/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: API, claim loop, and host health probing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Redact:     cfg.RedactLogs,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url must be set (or DRYDOCK_DB_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pg, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	cancel()
	metrics.RegisterComponent("store", true, "")

	tunnels := tunnel.NewManager(tunnel.Config{
		PortMin: cfg.SSHPortMin,
		PortMax: cfg.SSHPortMax,
	})
	connector := router.NewConnector(tunnels)
	rt := router.New(pg, connector, router.Config{
		StalenessThreshold: cfg.StalenessThreshold.Std(),
		HealthPeriod:       cfg.HealthPeriod.Std(),
		HealthTimeout:      cfg.HealthTimeout.Std(),
	})
	rt.StartHealthLoop()

	memBytes, err := cfg.WorkerMemoryBytes()
	if err != nil {
		return err
	}
	instance, _ := os.Hostname()
	if instance == "" {
		instance = "drydock"
	}
	disp := dispatcher.New(pg, rt,
		func(h *types.WorkerHost) (dispatcher.Runtime, error) {
			return connector.ClientFor(h)
		},
		dispatcher.Config{
			ArtifactRoot: cfg.ArtifactRoot,
			UploadRoot:   cfg.UploadRoot,
			JobTimeout:   cfg.JobTimeout.Std(),
			MemoryBytes:  memBytes,
			Instance:     instance,
		})

	sched := scheduler.New(pg, disp, scheduler.Config{
		PollInterval: cfg.PollInterval.Std(),
		ClaimTTL:     cfg.ClaimTTL.Std(),
		ClaimBatch:   cfg.ClaimBatch,
		Backoff:      cfg.Backoff.Std(),
	})

	// Runs stuck in running survive only a process death; sweep them before
	// accepting new work.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	cleaned, err := sched.CleanupOrphans(cleanupCtx, 2*cfg.JobTimeout.Std())
	cancelCleanup()
	if err != nil {
		logger.Warn().Err(err).Msg("orphan cleanup failed")
	} else if cleaned > 0 {
		logger.Warn().Int("cleaned", cleaned).Msg("orphaned runs marked failed")
	}

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 30*time.Second)
	swept, err := disp.CleanupContainers(sweepCtx)
	cancelSweep()
	if err != nil {
		logger.Warn().Err(err).Msg("container cleanup failed")
	} else if swept > 0 {
		logger.Info().Int("removed", swept).Msg("stale worker containers removed")
	}

	sched.Start()
	metrics.RegisterComponent("scheduler", true, "")

	collector := metrics.NewCollector(pg)
	collector.Start()

	apiServer := api.NewServer(api.Config{
		ListenAddr:   cfg.ListenAddr,
		ArtifactRoot: cfg.ArtifactRoot,
		ModelCosts:   cfg.ModelCosts,
	}, pg, launcher.New(pg), rt)
	metrics.RegisterComponent("api", true, "")

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown did not drain cleanly")
	}
	sched.Stop()
	collector.Stop()
	rt.Stop()
	connector.Close()
	if err := pg.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close database")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
