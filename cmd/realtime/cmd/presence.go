package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitaglow/realtime/internal/config"
	"github.com/vitaglow/realtime/presence"
	"github.com/vitaglow/realtime/transport"
)

var (
	presenceUser string
	presenceName string
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Track presence and print status transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.New()

		conn := transport.New(cfg.EndpointURL,
			transport.WithBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
			transport.WithMaxAttempts(cfg.MaxReconnectAttempts),
		)
		defer conn.Destroy()

		tracker := presence.NewTracker(conn,
			presence.WithHeartbeatInterval(cfg.HeartbeatInterval),
			presence.WithStaleCheckInterval(cfg.StaleCheckInterval),
		)
		defer tracker.Destroy()

		conn.OnConnected(func() {
			fmt.Println("-- connected")
		})
		conn.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "!! %v\n", err)
		})
		conn.Connect()

		tracker.StartTracking(presenceUser, presenceName, presence.Handlers{
			OnUserOnline: func(p presence.UserPresence) {
				fmt.Printf("++ %s is online\n", p.UserName)
			},
			OnUserAway: func(p presence.UserPresence) {
				fmt.Printf("~~ %s is away\n", p.UserName)
			},
			OnUserOffline: func(p presence.UserPresence) {
				fmt.Printf("-- %s went offline (%s)\n", p.UserName, tracker.FormatLastSeen(p.UserID))
			},
		})
		tracker.StartStaleCheck()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit

		tracker.StopTracking()
		return nil
	},
}

func init() {
	presenceCmd.Flags().StringVar(&presenceUser, "user", "", "user id")
	presenceCmd.Flags().StringVar(&presenceName, "name", "", "display name")
	presenceCmd.MarkFlagRequired("user")
	presenceCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(presenceCmd)
}
