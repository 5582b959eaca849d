package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/go-relay/env"
	"github.com/agentuity/go-relay/eventing"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func formatEvent(e eventing.Event) string {
	line := fmt.Sprintf("%s %-20s %s", e.Timestamp.Local().Format(time.RFC3339), e.Kind, e.SessionID)
	if e.ParticipantID != "" {
		line += " participant=" + e.ParticipantID
	}
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	return line
}

func printEvents(w io.Writer) eventing.EventCallback {
	return func(_ context.Context, e eventing.Event) {
		fmt.Fprintln(w, formatEvent(e))
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session lifecycle events published by a relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redisURL := env.FlagOrEnv(cmd, "redis-url", "RELAY_REDIS_URL", "")
			if redisURL == "" {
				return errors.New("--redis-url or RELAY_REDIS_URL is required")
			}
			channel := env.FlagOrEnv(cmd, "channel", "RELAY_EVENT_CHANNEL", eventing.DefaultChannel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedisClient(ctx, redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			log := env.NewLogger(cmd, "console")
			sub, err := eventing.Subscribe(ctx, log, rdb, channel, printEvents(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer sub.Close()
			log.Info("watching %s", channel)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("redis-url", "", "redis the relay publishes to (env RELAY_REDIS_URL)")
	cmd.Flags().String("channel", "", "event channel (env RELAY_EVENT_CHANNEL, default "+eventing.DefaultChannel+")")
	return cmd
}
