package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hearth-dev/hearth/internal/build"
	"github.com/hearth-dev/hearth/internal/cache"
	"github.com/hearth-dev/hearth/internal/config"
	"github.com/hearth-dev/hearth/internal/content"
	hearth "github.com/hearth-dev/hearth/internal/errors"
	"github.com/hearth-dev/hearth/internal/logging"
	"github.com/hearth-dev/hearth/internal/server"
	"github.com/hearth-dev/hearth/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development server with live reload",
	Long: `Start the development server. The server performs an initial full build,
then watches the content and template directories for changes, rebuilds only
the affected artifacts, and pushes a reload signal to connected browsers
whenever an artifact's output actually changed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	bindServeFlags(serveCmd.Flags())
}

func bindServeFlags(flags *pflag.FlagSet) {
	flags.IntP("port", "p", 0, "server port")
	flags.String("host", "", "server host")
	flags.Bool("poll", false, "force the polling watcher instead of native notification")

	viper.BindPFlag("server.port", flags.Lookup("port"))
	viper.BindPFlag("server.host", flags.Lookup("host"))
	viper.BindPFlag("watch.use_polling", flags.Lookup("poll"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := cache.NewDependencyCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	store.SetSweepInterval(cfg.Cache.SweepInterval)

	renderer, err := content.NewTemplateRenderer(cfg.Site.TemplatesDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	site := content.NewSite(cfg.Site.ContentDir, cfg.Site.TemplatesDir,
		content.NewFrontMatterParser(), renderer, cfg.Build.ReadTimeout)

	srv := server.New(cfg, store, site, logger)

	orchestrator := build.New(store, site, site, srv, logger, build.Options{
		Workers:     cfg.Build.Workers,
		ChunkSize:   cfg.Build.ChunkSize,
		TaskTimeout: cfg.Build.TaskTimeout,
	})

	logger.Info(ctx, "Building site", "content_dir", cfg.Site.ContentDir)
	result, err := orchestrator.BuildAll(ctx)
	if err != nil {
		return fmt.Errorf("initial build failed: %w", err)
	}
	logger.Info(ctx, "Initial build complete",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"duration", result.Duration)

	w, err := watcher.New(watcher.Options{
		UsePolling:   cfg.Watch.UsePolling,
		PollInterval: cfg.Watch.PollInterval,
		Filters:      []watcher.PathFilter{watcher.ExcludeGlobs(cfg.Site.Exclude)},
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Stop()

	records, err := w.Start(ctx, cfg.Site.WatchRoots)
	if err != nil {
		// Watch setup failures are fatal: a dev server that silently stops
		// noticing changes is worse than one that refuses to start.
		if hearth.IsWatchSetup(err) {
			logger.Error(ctx, err, "Watch setup failed", "roots", cfg.Site.WatchRoots)
		}
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	debouncer := watcher.NewDebouncer(cfg.Watch.Settle, cfg.Watch.MaxHold)
	go debouncer.Run(ctx, records)
	go orchestrator.Process(ctx, debouncer.Batches())

	logger.Info(ctx, "Development server starting",
		"address", srv.Addr(),
		"watch_roots", cfg.Site.WatchRoots)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, err, "Graceful shutdown incomplete")
	}

	logger.Info(context.Background(), "Shutdown complete")
	return nil
}

// newLogger builds the process logger from the persistent log flags.
func newLogger() logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(viper.GetString("log-level")),
		Format: viper.GetString("log-format"),
		Output: os.Stderr,
	})
}
