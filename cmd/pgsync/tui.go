package main

import (
	"github.com/spf13/cobra"

	"github.com/jcovali/pgsync/internal/tui"
)

var tuiAPIAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch terminal dashboard",
	Long: `TUI starts a Bubble Tea terminal dashboard for monitoring jobs on a
running pgsync instance. It polls the instance's HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.Run(tuiAPIAddr)
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAPIAddr, "api-addr", "http://localhost:8000", "Address of the pgsync API")
	rootCmd.AddCommand(tuiCmd)
}
