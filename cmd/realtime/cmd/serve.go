package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaglow/realtime/internal/broker"
	"github.com/vitaglow/realtime/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback broker for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.New()
		b := broker.New()

		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			slog.Info("shutting down broker")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.Shutdown(ctx); err != nil {
				slog.Error("broker shutdown failed", "error", err)
			}
		}()

		slog.Info("broker listening", "addr", cfg.ListenAddr)
		return b.Start(cfg.ListenAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
