package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/livehub/internal/models"
)

const imageColumns = `id, uploader_id, filename, storage_key, status, placeholder, error_message, created_at, updated_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.UploaderID, &img.Filename, &img.StorageKey, &img.Status,
		&img.Placeholder, &img.ErrorMessage, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img *models.Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.Status == "" {
		img.Status = models.ImageStatusAwaiting
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (id, uploader_id, filename, storage_key, status) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		img.ID, img.UploaderID, img.Filename, img.StorageKey, img.Status,
	).Scan(&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create image: %w", unavailable(err))
	}
	return nil
}

// ClaimNextImage leases the oldest Awaiting image that no other worker holds.
// The status stays Awaiting; the lease only hides the row from other claimers
// until it expires, so an image whose worker died is picked up again.
func (s *PostgresStore) ClaimNextImage(ctx context.Context, lease time.Duration) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `
		UPDATE images SET claimed_at = NOW()
		WHERE id = (
			SELECT id FROM images
			WHERE status = 'awaiting'
			  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $1))
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+imageColumns, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim image: %w", unavailable(err))
	}
	return img, nil
}

// ClaimImage leases one specific Awaiting image. It returns nil, nil when the
// image is missing, no longer Awaiting, or leased by someone else.
func (s *PostgresStore) ClaimImage(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `
		UPDATE images SET claimed_at = NOW()
		WHERE id = $1 AND status = 'awaiting'
		  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
		RETURNING `+imageColumns, id, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim image %s: %w", id, unavailable(err))
	}
	return img, nil
}

func (s *PostgresStore) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get image: %w", unavailable(err))
	}
	return img, nil
}

// CompleteImage persists the whole face set and flips the image to Ready in
// one transaction. It fails with ErrImageNotAwaiting if the image left the
// Awaiting state in the meantime (deleted or finished by another worker).
func (s *PostgresStore) CompleteImage(ctx context.Context, imageID uuid.UUID, faces []models.Face, placeholder string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete image: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE images SET status = 'ready', error_message = '', claimed_at = NULL, updated_at = NOW(),
		        placeholder = CASE WHEN placeholder = '' THEN $2 ELSE placeholder END
		 WHERE id = $1 AND status = 'awaiting'`,
		imageID, placeholder)
	if err != nil {
		return fmt.Errorf("mark image ready: %w", unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrImageNotAwaiting
	}

	batch := &pgx.Batch{}
	for _, f := range faces {
		batch.Queue(
			`INSERT INTO faces (id, image_id, bbox_x, bbox_y, bbox_width, bbox_height, confidence, owner_id, similarity, assigned_by, point_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			f.ID, imageID, f.BBox.X, f.BBox.Y, f.BBox.Width, f.BBox.Height, f.Confidence,
			f.OwnerID, f.Similarity, f.AssignedBy, f.PointID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert faces: %w", unavailable(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete image: %w", unavailable(err))
	}
	return nil
}

// FailImage moves an Awaiting image to Error. An image that already left
// Awaiting keeps its state and yields ErrImageNotAwaiting, so a late failure
// never overwrites a committed face set.
func (s *PostgresStore) FailImage(ctx context.Context, imageID uuid.UUID, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET status = 'error', error_message = $2, claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'awaiting'`,
		imageID, msg)
	if err != nil {
		return fmt.Errorf("fail image: %w", unavailable(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, imageID).Scan(&exists); err != nil {
		return fmt.Errorf("fail image: %w", unavailable(err))
	}
	if exists {
		return models.ErrImageNotAwaiting
	}
	return models.ErrNotFound
}

// ResetImage returns an Error image to Awaiting for an explicit retry.
// Awaiting images are left alone; Ready images are rejected.
func (s *PostgresStore) ResetImage(ctx context.Context, imageID uuid.UUID) error {
	var status models.ImageStatus
	err := s.pool.QueryRow(ctx,
		`UPDATE images SET status = CASE WHEN status = 'error' THEN 'awaiting' ELSE status END,
		        error_message = CASE WHEN status = 'error' THEN '' ELSE error_message END,
		        updated_at = NOW()
		 WHERE id = $1
		 RETURNING status`, imageID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("reset image: %w", unavailable(err))
	}
	if status != models.ImageStatusAwaiting {
		return models.ErrImageNotAwaiting
	}
	return nil
}

// DeleteImage removes the image; its faces go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `DELETE FROM images WHERE id = $1 RETURNING `+imageColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delete image: %w", unavailable(err))
	}
	return img, nil
}

func (s *PostgresStore) CountAwaitingImages(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM images WHERE status = 'awaiting'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count awaiting images: %w", unavailable(err))
	}
	return n, nil
}
