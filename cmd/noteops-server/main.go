package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"noteops/internal/clock"
	"noteops/internal/config"
	"noteops/internal/dispatcher"
	"noteops/internal/license"
	"noteops/internal/logcollect"
	"noteops/internal/observability"
	"noteops/internal/paths"
	"noteops/internal/runner"
	"noteops/internal/server"
	"noteops/internal/sidecar"
)

var (
	cyan = color.New(color.FgCyan).SprintFunc()
	gray = color.New(color.FgHiBlack).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "noteops-server",
		Short:        "Multi-account note operations orchestrator",
		Long:         "noteops-server schedules and runs automated note operations across accounts,\nexposing an HTTP control plane for the desktop UI.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(server.Version)
		},
	})

	return root
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	layout := paths.New(cfg.DataDir)
	collector := logcollect.New(layout.LogsDir(), logger)
	metrics := observability.NewMetrics()

	lic := license.NewManager(license.Options{
		ConfigPath: layout.LicenseFile(),
		KeyPath:    layout.LicenseKeyFile(),
		VerifyURL:  cfg.License.VerifyURL,
		ProductID:  cfg.License.ProductID,
		Logger:     logger,
	})

	process := sidecar.NewManager(sidecar.ManagerOptions{
		BinDir:     cfg.Sidecar.BinDir,
		Host:       cfg.Sidecar.Host,
		Port:       cfg.Sidecar.Port,
		ServiceURL: cfg.Sidecar.ServiceURL,
		Logger:     logger,
	})
	client := sidecar.NewClient(cfg.Sidecar.APIURL,
		time.Duration(cfg.Sidecar.LoginCacheTTL)*time.Second, logger)
	courier := sidecar.NewCourier(layout, logger)

	factory := runner.NewFactory(runner.Deps{
		Layout:    layout,
		Clock:     clock.System{},
		Logger:    logger,
		Collector: collector,
		Process:   process,
		Login:     client,
		Courier:   courier,
		Agent:     runner.NewSidecarAgent(client, logger),
	})

	sched, err := dispatcher.NewScheduler(dispatcher.Options{
		Store:     dispatcher.NewStore(layout.DispatcherConfigFile(), logger),
		Clock:     clock.System{},
		Logger:    logger,
		Metrics:   metrics,
		Factory:   factory,
		LogPurger: collector,
	})
	if err != nil {
		return fmt.Errorf("restore scheduler state: %w", err)
	}

	srv := server.New(server.Deps{
		Scheduler: sched,
		License:   lic,
		Collector: collector,
		Sidecar:   client,
		Layout:    layout,
		Logger:    logger,
		Metrics:   metrics,
	})

	banner(cfg)

	if err := sched.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(cfg.Server.Host, cfg.Server.Port)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// Leave headroom for an in-flight run to drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		return sched.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func banner(cfg *config.Config) {
	fmt.Printf("%s %s\n", bold(cyan("noteops-server")), gray("v"+server.Version))
	fmt.Printf("  control plane  %s\n", cyan(fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)))
	fmt.Printf("  data dir       %s\n", gray(paths.New(cfg.DataDir).Root))
	fmt.Printf("  sidecar        %s\n", gray(cfg.Sidecar.APIURL))
}
