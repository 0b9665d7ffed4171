package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/queue"
)

var enqueueBackfillCmd = &cobra.Command{
	Use:   "enqueue-backfill <user-id>",
	Short: "Queue a backfill of unassigned faces against a user's reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		priority, err := models.ParsePriority(mustGetString(cmd, "priority"))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openStores(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		var waker queue.Waker
		if s.cfg.NATS.URL != "" {
			if p, err := queue.NewPublisher(s.cfg.NATS.URL); err == nil {
				defer p.Close()
				waker = p
			}
		}

		task, err := queue.New(s.db, waker).Enqueue(ctx, models.UserBackfillPayload{UserID: userID}, priority)
		if err != nil {
			return err
		}
		return printResult(cmd, task, fmt.Sprintf("enqueued %s task %s (%s)", task.Kind, task.ID, task.Priority))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task, or the queue and image backlog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStores(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()
		q := queue.New(s.db, nil)

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			task, err := q.Status(ctx, id)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("%s %s: %s", task.Kind, task.ID, task.Status)
			if task.Error != "" {
				text += " (" + task.Error + ")"
			}
			return printResult(cmd, task, text)
		}

		pending, err := q.PendingDepth(ctx)
		if err != nil {
			return err
		}
		awaiting, err := s.db.CountAwaitingImages(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd,
			map[string]int{"pending_tasks": pending, "awaiting_images": awaiting},
			fmt.Sprintf("pending tasks: %d\nawaiting images: %d", pending, awaiting))
	},
}

func init() {
	rootCmd.AddCommand(enqueueBackfillCmd, statusCmd)
	enqueueBackfillCmd.Flags().String("priority", "normal", "task priority: low, normal or high")
}

func mustGetString(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(err)
	}
	return v
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(err)
	}
	return v
}
