package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearth-dev/hearth/internal/build"
	"github.com/hearth-dev/hearth/internal/cache"
	"github.com/hearth-dev/hearth/internal/config"
	"github.com/hearth-dev/hearth/internal/content"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the whole site once",
	Long: `Build every page and index artifact once and report the outcome.
No watcher or reload server is started; a per-page failure is reported but
does not abort the remaining work.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger()
	ctx := context.Background()

	store := cache.NewDependencyCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	store.SetSweepInterval(cfg.Cache.SweepInterval)

	renderer, err := content.NewTemplateRenderer(cfg.Site.TemplatesDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	site := content.NewSite(cfg.Site.ContentDir, cfg.Site.TemplatesDir,
		content.NewFrontMatterParser(), renderer, cfg.Build.ReadTimeout)

	orchestrator := build.New(store, site, site, nil, logger, build.Options{
		Workers:     cfg.Build.Workers,
		ChunkSize:   cfg.Build.ChunkSize,
		TaskTimeout: cfg.Build.TaskTimeout,
	})

	result, err := orchestrator.BuildAll(ctx)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	for i := range result.Failed {
		fe := &result.Failed[i]
		logger.Error(ctx, fe.Err, "Build failure", "path", fe.Path)
	}
	logger.Info(ctx, "Build complete",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"duration", result.Duration)

	if len(result.Failed) > 0 {
		return fmt.Errorf("%d of %d artifacts failed to build",
			len(result.Failed), len(result.Failed)+len(result.Succeeded))
	}
	return nil
}
