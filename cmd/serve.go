package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, monitor loop, and worker pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a := appFrom(cmd)
		a.Logger().Info("starting queuekeeper")
		return a.RunServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
