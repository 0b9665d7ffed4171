package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/livehub/internal/models"
)

const taskColumns = `id, kind, status, payload, priority, error, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t        models.Task
		raw      []byte
		priority int16
	)
	if err := row.Scan(&t.ID, &t.Kind, &t.Status, &raw, &priority, &t.Error,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	// An undecodable payload still yields the row so a claimed task can be
	// failed instead of staying in processing forever.
	if payload, err := models.DecodePayload(t.Kind, raw); err == nil {
		t.Payload = payload
	}
	return &t, nil
}

// EnqueueTask inserts a Pending task. ID and CreatedAt are filled in.
func (s *PostgresStore) EnqueueTask(ctx context.Context, t *models.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	t.Status = models.TaskStatusPending
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, kind, status, payload, priority) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		t.ID, t.Kind, t.Status, raw, int16(t.Priority),
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", unavailable(err))
	}
	return nil
}

// ClaimNextTask moves the highest priority, oldest Pending task to Processing
// in a single statement and returns it. Concurrent callers never receive the
// same row: SKIP LOCKED makes a competing claimer move on to the next
// candidate instead of waiting. Returns nil, nil when nothing is pending.
func (s *PostgresStore) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", unavailable(err))
	}
	return t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return s.finishTask(ctx, id, models.TaskStatusCompleted, "")
}

func (s *PostgresStore) FailTask(ctx context.Context, id uuid.UUID, msg string) error {
	return s.finishTask(ctx, id, models.TaskStatusFailed, msg)
}

func (s *PostgresStore) finishTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, error = $2, completed_at = NOW() WHERE id = $3 AND status = 'processing'`,
		status, msg, id)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish task %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", unavailable(err))
	}
	return t, nil
}

func (s *PostgresStore) CountPendingTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", unavailable(err))
	}
	return n, nil
}
