// Package cmd defines the CLI commands for the story-pipeline executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/config"
	"github.com/JakeFAU/story-pipeline/internal/scraper"
	"github.com/JakeFAU/story-pipeline/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of application services the commands use. Tests inject a
// fake through newApp.
type App interface {
	Run(ctx context.Context) error
	ScanAll(ctx context.Context) (int, error)
	ScanOne(ctx context.Context, id string) error
	ScanInline(ctx context.Context, id string) ([]scraper.Report, error)
	Consume(ctx context.Context, queueName string, forever bool) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story-pipeline",
		Short: "Scrapes news sources and rewrites them into articles.",
		Long: `story-pipeline collects candidate stories from websites, feeds, and social
search, publishes them as raw items, and rewrites each raw item into a
finished article with a generative language model.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env PIPELINE_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newConsumeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
