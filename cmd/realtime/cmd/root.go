package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vitaglow/realtime/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Realtime session synchronization engine",
	Long: `realtime is the client engine for live presence and chat:
a websocket transport with reconnection, a presence tracker with heartbeats
and staleness detection, and a room-scoped chat session with receipts and
typing indicators.

Available commands:
  serve      Run the loopback broker for local development
  chat       Join a room and chat from the terminal
  presence   Track presence and print status transitions

Use "realtime [command] --help" for more information about a command.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.New()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
