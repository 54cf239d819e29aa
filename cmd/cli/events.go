package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"handoff/internal/config"
	"handoff/internal/services"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print ticket events published on the redis channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		pub := services.NewRedisPublisher(cfg.Redis, logrus.StandardLogger())
		defer pub.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := json.NewEncoder(cmd.OutOrStdout())
		err := pub.Subscribe(ctx, func(_ context.Context, ev services.TicketEvent) error {
			return out.Encode(ev)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tail ticket events: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
