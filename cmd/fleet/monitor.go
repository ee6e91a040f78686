package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/tui"
)

var monitorRefresh time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal view of tasks, workers, and runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.Run(tui.NewClient(apiAddr), monitorRefresh)
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorRefresh, "refresh", 2*time.Second, "Poll interval")
}
