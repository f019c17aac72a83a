package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var tickForce bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single monitor pass and print the run record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a := appFrom(cmd)

		rec, err := a.Loop().Tick(cmd.Context(), tickForce)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	tickCmd.Flags().BoolVar(&tickForce, "force", false, "run recovery and alert even when the queue is healthy")
	rootCmd.AddCommand(tickCmd)
}
