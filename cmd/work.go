package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run only the worker pool against the configured queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a := appFrom(cmd)
		pool := a.Dispatcher()
		if pool == nil {
			return errors.New("no worker pool configured: set workers.extract_url")
		}

		a.Logger().Info("starting worker pool")
		pool.Run(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}
