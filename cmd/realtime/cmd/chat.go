package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vitaglow/realtime/chat"
	"github.com/vitaglow/realtime/internal/config"
	"github.com/vitaglow/realtime/transport"
)

var (
	chatRoom string
	chatUser string
	chatName string
	chatRole string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room and chat from the terminal",
	Long: `Connects to the realtime endpoint, joins a room, and relays stdin
lines as chat messages. Incoming messages, receipts and typing indicators
are printed as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.New()

		handlers := chat.Handlers{
			OnMessage: func(m chat.Message) {
				if m.System {
					fmt.Printf("-- %s\n", m.Content)
					return
				}
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.SenderName, m.Content)
			},
			OnMessageUpdate: func(m chat.Message) {
				fmt.Printf("** message %s delivered=%v read=%v\n", m.ID, m.Delivered, m.Read)
			},
			OnTyping: func(ev chat.TypingEvent) {
				if ev.IsTyping {
					fmt.Printf("-- %s is typing…\n", ev.UserName)
				}
			},
			OnConnected:    func() { fmt.Println("-- connected") },
			OnDisconnected: func() { fmt.Println("-- disconnected") },
			OnError:        func(err error) { fmt.Fprintf(os.Stderr, "!! %v\n", err) },
		}

		session := chat.NewSession(cfg.EndpointURL, handlers,
			chat.WithTypingTimeout(cfg.TypingTimeout),
			chat.WithCacheGrace(cfg.CacheGrace),
			chat.WithTransportOptions(
				transport.WithBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
				transport.WithMaxAttempts(cfg.MaxReconnectAttempts),
			),
		)
		defer session.Destroy()

		session.JoinRoom(chatRoom, chatUser, chatName, chatRole)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			session.SendTyping(false)
			session.SendMessage(line, chatUser, chatName, chatRole)
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatRoom, "room", "lobby", "room to join")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id")
	chatCmd.Flags().StringVar(&chatName, "name", "", "display name")
	chatCmd.Flags().StringVar(&chatRole, "role", "client", "user role")
	chatCmd.MarkFlagRequired("user")
	chatCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(chatCmd)
}
