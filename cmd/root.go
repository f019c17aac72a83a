// Package cmd wires the queuekeeper CLI. The root command loads
// configuration and builds the application container; subcommands pull
// the built app out of the command context.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmalvern/queuekeeper/internal/app"
	"github.com/jmalvern/queuekeeper/internal/config"
	"github.com/jmalvern/queuekeeper/internal/worker"
)

type contextKey string

const appKey contextKey = "queuekeeper.app"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "queuekeeper",
	Short: "Durable crawl-work queue with lease recovery and health monitoring",
	Long: `queuekeeper keeps a crawl backlog honest: it leases items to workers,
reclaims stale locks, retries transient failures, retires hopeless items,
and restarts workers when the queue goes idle with work pending.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var extractor worker.Extractor
		if cfg.Workers.ExtractURL != "" {
			extractor, err = worker.NewHTTPExtractor(cfg.Workers.ExtractURL, cfg.ExtractTimeout())
			if err != nil {
				return fmt.Errorf("build extractor: %w", err)
			}
		}

		a, err := app.New(cmd.Context(), cfg, extractor)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}

		cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		if a := appFrom(cmd); a != nil {
			a.Close()
		}
	},
}

func appFrom(cmd *cobra.Command) *app.App {
	a, _ := cmd.Context().Value(appKey).(*app.App)
	return a
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (yaml)")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
