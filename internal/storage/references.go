package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/livehub/internal/models"
)

// SaveReference stores ref as the user's only reference and returns the one
// it superseded, if any. Re-registrations of the same user serialise on the
// lock of the existing row.
func (s *PostgresStore) SaveReference(ctx context.Context, ref *models.UserReference) (*models.UserReference, error) {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin save reference: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev *models.UserReference
	old := &models.UserReference{}
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, point_id, created_at FROM user_references WHERE user_id = $1 FOR UPDATE`, ref.UserID,
	).Scan(&old.ID, &old.UserID, &old.PointID, &old.CreatedAt)
	switch {
	case err == nil:
		prev = old
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("load previous reference: %w", unavailable(err))
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO user_references (id, user_id, point_id, embedding) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET id = EXCLUDED.id, point_id = EXCLUDED.point_id, embedding = EXCLUDED.embedding, created_at = NOW()
		 RETURNING created_at`,
		ref.ID, ref.UserID, ref.PointID, pgvector.NewVector(ref.Embedding),
	).Scan(&ref.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save reference: %w", unavailable(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit save reference: %w", unavailable(err))
	}
	return prev, nil
}

func scanReference(row pgx.Row) (*models.UserReference, error) {
	var (
		ref models.UserReference
		vec pgvector.Vector
	)
	if err := row.Scan(&ref.ID, &ref.UserID, &ref.PointID, &vec, &ref.CreatedAt); err != nil {
		return nil, err
	}
	ref.Embedding = vec.Slice()
	return &ref, nil
}

func (s *PostgresStore) GetReference(ctx context.Context, userID uuid.UUID) (*models.UserReference, error) {
	ref, err := scanReference(s.pool.QueryRow(ctx,
		`SELECT id, user_id, point_id, embedding, created_at FROM user_references WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reference: %w", unavailable(err))
	}
	return ref, nil
}

func (s *PostgresStore) ListReferences(ctx context.Context) ([]models.UserReference, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, point_id, embedding, created_at FROM user_references ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", unavailable(err))
	}
	defer rows.Close()

	var refs []models.UserReference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, *ref)
	}
	return refs, rows.Err()
}
