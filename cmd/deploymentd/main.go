// Command deploymentd runs the Deployment Coordinator and the Fan-out
// Server, backed by a shared Store, Allocator, and Event Bus, plus the
// background Health Sampler. deploymentd serve is the long-running daemon;
// deploymentd migrate applies the schema and exits, for use in a deploy
// step ahead of the first start.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/coordinator"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/fanout"
	"github.com/vorsengineer/cw-rpi-deployment/internal/health"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/logging"
	"github.com/vorsengineer/cw-rpi-deployment/internal/metrics"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "deploymentd",
		Short: "RPi fleet imaging daemon: deployment coordinator, fan-out server, health sampler",
	}

	root.PersistentFlags().StringVar(&cfg.DatabasePath, "database-path", cfg.DatabasePath, "path to the SQLite database file")
	root.PersistentFlags().StringVar(&cfg.ImagesDir, "images-dir", cfg.ImagesDir, "directory holding master image files")
	root.PersistentFlags().StringVar(&cfg.LogsDir, "logs-dir", cfg.LogsDir, "directory for application and status logs")
	root.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level name")

	root.AddCommand(newServeCmd(&cfg))
	root.AddCommand(newMigrateCmd(&cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Coordinator and Fan-out Server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.DeploymentAddr, "deployment-addr", cfg.DeploymentAddr, "bind address for the deployment-network Coordinator")
	cmd.Flags().StringVar(&cfg.ManagementAddr, "management-addr", cfg.ManagementAddr, "bind address for the management-network Fan-out Server")
	cmd.Flags().StringVar(&cfg.PublicServerIP, "public-server-ip", cfg.PublicServerIP, "address embedded in image_url responses")
	cmd.Flags().StringSliceVar(&cfg.MonitoredServices, "monitored-services", cfg.MonitoredServices, "systemd unit names the Health Sampler polls")
	cmd.Flags().StringVar(&cfg.DiskUsagePath, "disk-usage-path", cfg.DiskUsagePath, "filesystem path statfs'd for disk usage")
	cmd.Flags().StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed origins for the management REST API")
	return cmd
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(cfg.LogsDir, "migrate", cfg.LogFormat, cfg.LogLevel)
			st, err := store.Open(cfg.DatabasePath, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			return st.Close()
		},
	}
}

// runServe wires every component (spec.md §4) and runs the Coordinator, the
// Fan-out Server, and the Health Sampler concurrently until ctx is
// cancelled by SIGINT/SIGTERM, then shuts each down in turn via errgroup.
func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New(cfg.LogsDir, "deploymentd", cfg.LogFormat, cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	st.SetMaxRetries(cfg.AllocatorMaxRetries)

	alloc := hostnames.New(st, log)
	bus := eventbus.New()
	reg := metrics.New()
	imagesFs := afero.NewBasePathFs(afero.NewOsFs(), cfg.ImagesDir)

	sampler := health.New(cfg, st, bus, log)

	coord := coordinator.New(cfg, alloc, st, bus, imagesFs, log, reg)
	fan := fanout.New(cfg, alloc, st, bus, sampler, log, reg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx, cfg.DeploymentAddr) })
	g.Go(func() error { return fan.Run(ctx, cfg.ManagementAddr) })
	g.Go(func() error { sampler.Run(ctx); return nil })

	log.Info("deploymentd started")
	err = g.Wait()
	log.Info("deploymentd stopped")
	return err
}
