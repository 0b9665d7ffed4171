package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/livehub/internal/queue"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail lifecycle events from NATS until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is not configured")
		}

		sub, err := queue.NewSubscriber(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer sub.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		err = sub.ConsumeEvents(ctx, "livehubctl-"+uuid.NewString()[:8], mustGetBool(cmd, "replay"), func(ctx context.Context, ev queue.Event) error {
			if jsonOutput {
				return json.NewEncoder(out).Encode(ev)
			}
			_, err := fmt.Fprintf(out, "%s %-22s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, describe(ev))
			return err
		})
		if err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

func describe(ev queue.Event) string {
	s := ""
	if ev.TaskID != nil {
		s += fmt.Sprintf(" task=%s kind=%s", ev.TaskID, ev.Kind)
	}
	if ev.ImageID != nil {
		s += fmt.Sprintf(" image=%s faces=%d", ev.ImageID, ev.Faces)
	}
	if ev.UserID != nil {
		s += fmt.Sprintf(" user=%s", ev.UserID)
	}
	if ev.Matched > 0 {
		s += fmt.Sprintf(" matched=%d", ev.Matched)
	}
	if ev.Error != "" {
		s += " error=" + ev.Error
	}
	return s
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().Bool("replay", false, "start from the first retained event")
}
