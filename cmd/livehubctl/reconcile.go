package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/livehub/internal/backfill"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user-id>",
	Short: "Run the backfill for a user now, without the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		ctx := cmd.Context()
		s, err := openStores(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		matched, err := s.reconciler().ReconcileOwner(ctx, userID, nil)
		if err != nil {
			return err
		}
		return printResult(cmd, map[string]any{"user_id": userID, "matched": matched},
			fmt.Sprintf("assigned %d faces to %s", matched, userID))
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Re-derive index owner payloads from the record store",
	Long: `repair scans every face point in the index and rewrites its owner from the
record store, then re-projects missing reference points.

--delete-orphans also removes points with no record. Points of images being
processed look orphaned too, so stop all workers first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStores(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.reconciler().Repair(ctx, backfill.RepairOptions{
			DeleteOrphans: mustGetBool(cmd, "delete-orphans"),
		})
		if err != nil {
			return err
		}
		return printResult(cmd, report, fmt.Sprintf("scanned %d, fixed %d, orphans %d, deleted %d",
			report.Scanned, report.Fixed, report.Orphans, report.Deleted))
	},
}

var rebuildReferencesCmd = &cobra.Command{
	Use:   "rebuild-references",
	Short: "Re-project every stored reference embedding into the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStores(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.idx.EnsureCollections(ctx); err != nil {
			return fmt.Errorf("ensure collections: %w", err)
		}
		n, err := s.reconciler().RebuildReferences(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, map[string]int{"rebuilt": n}, fmt.Sprintf("rebuilt %d references", n))
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, repairCmd, rebuildReferencesCmd)
	repairCmd.Flags().Bool("delete-orphans", false, "delete index points without a record (stop workers first)")
}
