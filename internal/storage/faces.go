package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/livehub/internal/models"
)

const faceColumns = `id, image_id, bbox_x, bbox_y, bbox_width, bbox_height, confidence, owner_id, similarity, assigned_by, point_id, created_at`

func scanFace(row pgx.Row) (*models.Face, error) {
	var f models.Face
	err := row.Scan(&f.ID, &f.ImageID, &f.BBox.X, &f.BBox.Y, &f.BBox.Width, &f.BBox.Height,
		&f.Confidence, &f.OwnerID, &f.Similarity, &f.AssignedBy, &f.PointID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListFacesByImage(ctx context.Context, imageID uuid.UUID) ([]models.Face, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE image_id = $1 ORDER BY created_at, id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list faces: %w", unavailable(err))
	}
	defer rows.Close()

	var faces []models.Face
	for rows.Next() {
		f, err := scanFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, *f)
	}
	return faces, rows.Err()
}

func (s *PostgresStore) GetFace(ctx context.Context, id uuid.UUID) (*models.Face, error) {
	f, err := scanFace(s.pool.QueryRow(ctx, `SELECT `+faceColumns+` FROM faces WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get face: %w", unavailable(err))
	}
	return f, nil
}

// AssignFace records an automatic match for the unowned face backed by
// pointID. It reports false when no unowned face row references the point:
// the image was deleted, the pipeline has not committed it yet, or the face
// already has an owner.
func (s *PostgresStore) AssignFace(ctx context.Context, pointID, owner uuid.UUID, similarity float32) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE faces SET owner_id = $2, similarity = $3, assigned_by = $4 WHERE point_id = $1 AND owner_id IS NULL`,
		pointID, owner, similarity, models.AssignedByAuto)
	if err != nil {
		return false, fmt.Errorf("assign face: %w", unavailable(err))
	}
	return tag.RowsAffected() > 0, nil
}

// SetFaceOwner is the manual override. A nil owner clears the assignment.
// Similarity is always cleared since no score backs a manual decision.
func (s *PostgresStore) SetFaceOwner(ctx context.Context, faceID uuid.UUID, owner *uuid.UUID, assignedBy string) (*models.Face, error) {
	var by *string
	if owner != nil {
		by = &assignedBy
	}
	f, err := scanFace(s.pool.QueryRow(ctx,
		`UPDATE faces SET owner_id = $2, similarity = NULL, assigned_by = $3 WHERE id = $1 RETURNING `+faceColumns,
		faceID, owner, by))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("set face owner: %w", unavailable(err))
	}
	return f, nil
}

// FaceOwnersByPoints maps index point ids to the owner recorded in the
// relational store. Unassigned faces map to uuid.Nil; points with no face row
// are absent from the result.
func (s *PostgresStore) FaceOwnersByPoints(ctx context.Context, pointIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	out := make(map[uuid.UUID]uuid.UUID, len(pointIDs))
	if len(pointIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT point_id, owner_id FROM faces WHERE point_id = ANY($1)`, pointIDs)
	if err != nil {
		return nil, fmt.Errorf("face owners: %w", unavailable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pointID uuid.UUID
			owner   *uuid.UUID
		)
		if err := rows.Scan(&pointID, &owner); err != nil {
			return nil, fmt.Errorf("scan face owner: %w", err)
		}
		if owner != nil {
			out[pointID] = *owner
		} else {
			out[pointID] = uuid.Nil
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFace(ctx context.Context, id uuid.UUID) (*models.Face, error) {
	f, err := scanFace(s.pool.QueryRow(ctx, `DELETE FROM faces WHERE id = $1 RETURNING `+faceColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delete face: %w", unavailable(err))
	}
	return f, nil
}
