package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nubla/slicer/pkg/api"
	"github.com/nubla/slicer/pkg/auth"
	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/driver/linux"
	"github.com/nubla/slicer/pkg/driver/openstack"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/images"
	"github.com/nubla/slicer/pkg/lifecycle"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/metrics"
	"github.com/nubla/slicer/pkg/placement"
	"github.com/nubla/slicer/pkg/planner"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/secgroup"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/telemetry"
	"github.com/nubla/slicer/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slicer",
	Short: "Slicer - multi-tenant network slice orchestrator",
	Long: `Slicer deploys user-defined virtual network topologies as isolated
slices across a linux KVM cluster and an OpenStack cluster: VLAN-backed
links, telemetry-driven VM placement, security groups and a shared
image registry, behind one HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Slicer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().String("config", "slicer.yaml", "Path to the YAML configuration file")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: the HTTP API, the per-zone pipeline
consumers (VLAN mapping and VM placement), the metrics endpoint and the
periodic state collector.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Msg("starting slicer")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		queues, err := queue.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open queues: %w", err)
		}
		defer queues.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		tel, err := telemetry.New(cfg.Telemetry.URL)
		if err != nil {
			return fmt.Errorf("failed to build telemetry client: %w", err)
		}

		linuxDriver := linux.New(cfg.Zone(types.ZoneLinux), cfg.Catalog, store)
		osDriver := openstack.New(cfg.Zone(types.ZoneOpenStack))
		facade := driver.NewFacade(cfg.Timeouts, linuxDriver, osDriver)

		secgroups := secgroup.New(store, facade)
		lc := lifecycle.New(store, facade, broker)
		registry := images.New(cfg, store, linuxDriver, osDriver, broker)
		pl := planner.New(cfg, store, queues, broker, secgroups)
		engine := placement.New(cfg, store, queues, broker, tel, facade)

		verifier := auth.NewVerifier(cfg.TokenSecret)
		server := api.New(cfg, store, queues, broker, verifier, lc, secgroups, registry)

		collector := metrics.NewCollector(store, queues)
		collector.Start()
		defer collector.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error { return pl.Run(ctx) })
		group.Go(func() error { return engine.Run(ctx) })
		group.Go(func() error {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
			if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
			return apiServer.Shutdown(shutdownCtx)
		})

		if err := group.Wait(); err != nil {
			return err
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
