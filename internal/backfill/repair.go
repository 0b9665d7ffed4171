package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/observability"
)

// RepairOptions tunes a Repair run.
type RepairOptions struct {
	// DeleteOrphans removes index points that no record references. Points of
	// work in flight look orphaned too, so only enable it with workers stopped.
	DeleteOrphans bool
}

type RepairReport struct {
	Scanned int `json:"scanned"`
	Fixed   int `json:"fixed"`
	Orphans int `json:"orphans"`
	Deleted int `json:"deleted"`
}

// Repair re-derives every face point's owner payload from the record store,
// which is authoritative. It never writes to the record store.
func (r *Reconciler) Repair(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	var report RepairReport
	start := time.Now()

	cursor := ""
	for {
		page, err := r.index.Scroll(ctx, index.Faces, index.Filter{}, cursor, r.batchSize)
		if err != nil {
			return report, fmt.Errorf("scroll faces: %w", err)
		}
		if err := r.repairBatch(ctx, opts, page.Points, &report); err != nil {
			return report, err
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	if err := r.repairReferences(ctx, opts, &report); err != nil {
		return report, err
	}

	observability.StageDuration.WithLabelValues("repair").Observe(time.Since(start).Seconds())
	r.logger.Info("repair complete",
		"scanned", report.Scanned, "fixed", report.Fixed, "orphans", report.Orphans, "deleted", report.Deleted)
	return report, nil
}

func (r *Reconciler) repairBatch(ctx context.Context, opts RepairOptions, points []index.Point, report *RepairReport) error {
	ids := make([]uuid.UUID, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.ID)
	}
	owners, err := r.store.FaceOwnersByPoints(ctx, ids)
	if err != nil {
		return fmt.Errorf("load face owners: %w", err)
	}

	var orphans []uuid.UUID
	for _, p := range points {
		report.Scanned++
		want, ok := owners[p.ID]
		if !ok {
			report.Orphans++
			orphans = append(orphans, p.ID)
			continue
		}
		if p.Owner == want {
			continue
		}
		if err := r.index.SetOwner(ctx, index.Faces, p.ID, want); err != nil {
			return fmt.Errorf("fix owner of point %s: %w", p.ID, err)
		}
		report.Fixed++
	}

	if opts.DeleteOrphans && len(orphans) > 0 {
		if err := r.index.Delete(ctx, index.Faces, orphans...); err != nil {
			return fmt.Errorf("delete orphan face points: %w", err)
		}
		report.Deleted += len(orphans)
	}
	return nil
}

// repairReferences makes the reference collection hold exactly the current
// reference of every user: missing points are re-projected from the stored
// embedding and, with DeleteOrphans, superseded leftovers are dropped.
func (r *Reconciler) repairReferences(ctx context.Context, opts RepairOptions, report *RepairReport) error {
	refs, err := r.store.ListReferences(ctx)
	if err != nil {
		return fmt.Errorf("list references: %w", err)
	}
	current := make(map[uuid.UUID]uuid.UUID, len(refs))
	for _, ref := range refs {
		current[ref.PointID] = ref.UserID
	}

	seen := make(map[uuid.UUID]bool, len(refs))
	cursor := ""
	for {
		page, err := r.index.Scroll(ctx, index.References, index.Filter{}, cursor, r.batchSize)
		if err != nil {
			return fmt.Errorf("scroll references: %w", err)
		}
		var orphans []uuid.UUID
		for _, p := range page.Points {
			report.Scanned++
			owner, ok := current[p.ID]
			if !ok {
				report.Orphans++
				orphans = append(orphans, p.ID)
				continue
			}
			seen[p.ID] = true
			if p.Owner != owner {
				if err := r.index.SetOwner(ctx, index.References, p.ID, owner); err != nil {
					return fmt.Errorf("fix owner of reference point %s: %w", p.ID, err)
				}
				report.Fixed++
			}
		}
		if opts.DeleteOrphans && len(orphans) > 0 {
			if err := r.index.Delete(ctx, index.References, orphans...); err != nil {
				return fmt.Errorf("delete orphan reference points: %w", err)
			}
			report.Deleted += len(orphans)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	for _, ref := range refs {
		if seen[ref.PointID] || len(ref.Embedding) == 0 {
			continue
		}
		if err := r.upsertReference(ctx, ref.PointID, ref.UserID, ref.Embedding); err != nil {
			return err
		}
		report.Fixed++
	}
	return nil
}

// RebuildReferences re-projects every stored reference into the index, for
// example after the collection was recreated. Returns the number written.
func (r *Reconciler) RebuildReferences(ctx context.Context) (int, error) {
	refs, err := r.store.ListReferences(ctx)
	if err != nil {
		return 0, fmt.Errorf("list references: %w", err)
	}
	n := 0
	for _, ref := range refs {
		if len(ref.Embedding) == 0 {
			r.logger.Warn("reference has no stored embedding", "user_id", ref.UserID)
			continue
		}
		if err := r.upsertReference(ctx, ref.PointID, ref.UserID, ref.Embedding); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Info("references rebuilt", "count", n)
	return n, nil
}

func (r *Reconciler) upsertReference(ctx context.Context, pointID, owner uuid.UUID, embedding []float32) error {
	err := r.index.Upsert(ctx, index.References, index.Point{ID: pointID, Vector: embedding, Owner: owner})
	if err != nil {
		return fmt.Errorf("upsert reference point %s: %w", pointID, err)
	}
	return nil
}
