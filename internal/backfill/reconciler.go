// Package backfill retroactively matches the unassigned face backlog against
// a user's reference and repairs drift between the index and the record store.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/observability"
)

const DefaultBatchSize = 100

type Store interface {
	AssignFace(ctx context.Context, pointID, owner uuid.UUID, similarity float32) (bool, error)
	GetReference(ctx context.Context, userID uuid.UUID) (*models.UserReference, error)
	ListReferences(ctx context.Context) ([]models.UserReference, error)
	FaceOwnersByPoints(ctx context.Context, pointIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
}

type Reconciler struct {
	store     Store
	index     index.Index
	engine    *matching.Engine
	batchSize int
	logger    *slog.Logger
}

func NewReconciler(store Store, idx index.Index, engine *matching.Engine, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{
		store:     store,
		index:     idx,
		engine:    engine,
		batchSize: batchSize,
		logger:    slog.Default().With("component", "backfill"),
	}
}

// Reconcile scans every unassigned face point and assigns those whose
// similarity to reference clears the threshold to owner, index first, then
// the face row. Faces whose row already has an owner are never reassigned,
// so a second run right after the first assigns nothing. Any batch failure aborts
// the run; the error is returned together with the matches made so far.
func (r *Reconciler) Reconcile(ctx context.Context, owner uuid.UUID, reference []float32) (int, error) {
	if owner == uuid.Nil {
		return 0, fmt.Errorf("reconcile: owner is required")
	}
	if _, ok := matching.CosineSimilarity(reference, reference); !ok {
		return 0, fmt.Errorf("reconcile: reference embedding has zero norm")
	}

	logger := r.logger.With("owner", owner)
	start := time.Now()
	matched, scanned, batches := 0, 0, 0

	cursor := ""
	for {
		page, err := r.index.Scroll(ctx, index.Faces, index.Filter{UnassignedOnly: true}, cursor, r.batchSize)
		if err != nil {
			return matched, fmt.Errorf("scroll batch %d: %w", batches+1, err)
		}
		batches++
		scanned += len(page.Points)

		n, err := r.reconcileBatch(ctx, logger, owner, reference, page.Points)
		matched += n
		if err != nil {
			return matched, fmt.Errorf("batch %d: %w", batches, err)
		}

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	observability.FacesMatched.WithLabelValues(observability.SourceBackfill).Add(float64(matched))
	observability.StageDuration.WithLabelValues("backfill").Observe(time.Since(start).Seconds())
	logger.Info("backfill complete", "matched", matched, "scanned", scanned, "batches", batches)
	return matched, nil
}

// reconcileBatch works from the face rows behind the batch. A point without
// a row is skipped: its image is still being processed or was deleted, and
// Repair deals with orphans. A point whose row already has an owner gets that
// owner written back to the index instead of being matched.
func (r *Reconciler) reconcileBatch(ctx context.Context, logger *slog.Logger, owner uuid.UUID, reference []float32, points []index.Point) (int, error) {
	ids := make([]uuid.UUID, 0, len(points))
	for _, p := range points {
		if p.Owner == uuid.Nil {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	rows, err := r.store.FaceOwnersByPoints(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load face owners: %w", err)
	}

	matched := 0
	for _, p := range points {
		if p.Owner != uuid.Nil {
			continue
		}
		rowOwner, ok := rows[p.ID]
		if !ok {
			logger.Debug("point has no face row", "point_id", p.ID)
			continue
		}
		if rowOwner != uuid.Nil {
			if err := r.index.SetOwner(ctx, index.Faces, p.ID, rowOwner); err != nil {
				return matched, fmt.Errorf("restore owner of point %s: %w", p.ID, err)
			}
			continue
		}

		score, ok := r.engine.Compare(p.Vector, reference)
		if !ok {
			continue
		}
		if err := r.index.SetOwner(ctx, index.Faces, p.ID, owner); err != nil {
			return matched, fmt.Errorf("set owner of point %s: %w", p.ID, err)
		}
		assigned, err := r.store.AssignFace(ctx, p.ID, owner, matching.ClampSimilarity(score))
		if err != nil {
			return matched, fmt.Errorf("assign face of point %s: %w", p.ID, err)
		}
		if !assigned {
			// The row changed since it was read: take whatever it holds now.
			if err := r.syncPointOwner(ctx, p.ID); err != nil {
				return matched, err
			}
			continue
		}
		matched++
	}
	return matched, nil
}

// syncPointOwner copies the row's owner onto the index point. A point whose
// row disappeared is left for Repair.
func (r *Reconciler) syncPointOwner(ctx context.Context, pointID uuid.UUID) error {
	rows, err := r.store.FaceOwnersByPoints(ctx, []uuid.UUID{pointID})
	if err != nil {
		return fmt.Errorf("reload owner of point %s: %w", pointID, err)
	}
	rowOwner, ok := rows[pointID]
	if !ok {
		return nil
	}
	if err := r.index.SetOwner(ctx, index.Faces, pointID, rowOwner); err != nil {
		return fmt.Errorf("restore owner of point %s: %w", pointID, err)
	}
	return nil
}

// ReconcileOwner runs Reconcile for the user's reference. referencePointID
// pins a specific reference point; without it the user's current reference
// from the record store is used.
func (r *Reconciler) ReconcileOwner(ctx context.Context, owner uuid.UUID, referencePointID *uuid.UUID) (int, error) {
	embedding, err := r.resolveReference(ctx, owner, referencePointID)
	if err != nil {
		return 0, err
	}
	return r.Reconcile(ctx, owner, embedding)
}

func (r *Reconciler) resolveReference(ctx context.Context, owner uuid.UUID, pointID *uuid.UUID) ([]float32, error) {
	if pointID != nil {
		p, err := r.index.Retrieve(ctx, index.References, *pointID)
		if err != nil {
			return nil, fmt.Errorf("retrieve reference point: %w", err)
		}
		if p != nil && p.Owner == owner && len(p.Vector) > 0 {
			return p.Vector, nil
		}
	}

	ref, err := r.store.GetReference(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("get reference: %w", err)
	}
	if ref == nil {
		return nil, fmt.Errorf("user %s: %w", owner, models.ErrReferenceNotFound)
	}
	if len(ref.Embedding) > 0 {
		return ref.Embedding, nil
	}

	p, err := r.index.Retrieve(ctx, index.References, ref.PointID)
	if err != nil {
		return nil, fmt.Errorf("retrieve reference point: %w", err)
	}
	if p == nil || len(p.Vector) == 0 {
		return nil, fmt.Errorf("user %s: %w", owner, models.ErrReferenceNotFound)
	}
	return p.Vector, nil
}
