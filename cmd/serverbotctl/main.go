// Command serverbotctl drives a serverbotd daemon: it loads specs and
// guilds, sends interactions and tails lifecycle notifications.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL string
	natsURL   string
	verbose   bool
	log       = zap.NewNop()
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serverbotctl",
		Short:         "serverbotctl - game server bot admin tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !verbose {
				return nil
			}
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			log = l
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SERVERBOT_URL", "http://localhost:8080"), "serverbotd HTTP address")
	cmd.PersistentFlags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS address for watch")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests")

	for _, c := range commands() {
		cmd.AddCommand(c)
	}
	return cmd
}()

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
