package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "evtelemd",
	Short: "EV telemetry daemon - battery and charging analytics over a serial OBD adapter",
	Long: `evtelemd polls an electric vehicle's diagnostic bus through an
ELM327-compatible serial adapter, decodes battery telemetry and derives
charging sessions (boundaries, AC/DC classification, delivered energy).

Snapshots and session events are exposed over HTTP and WebSocket, and
can be recorded to CSV.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)
}
