// Package queue is the durable priority task queue and the NATS plumbing
// around it: lifecycle events and worker wakeups.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
)

// TaskStore is the durable backing of the queue. ClaimNextTask must move one
// Pending task to Processing atomically.
type TaskStore interface {
	EnqueueTask(ctx context.Context, t *models.Task) error
	ClaimNextTask(ctx context.Context) (*models.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) error
	FailTask(ctx context.Context, id uuid.UUID, msg string) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	CountPendingTasks(ctx context.Context) (int, error)
}

// Waker nudges idle workers after an enqueue.
type Waker interface {
	Wake(ctx context.Context) error
}

type Queue struct {
	store TaskStore
	waker Waker
}

// New returns a queue over store. waker may be nil; workers then only see new
// tasks on their next poll.
func New(store TaskStore, waker Waker) *Queue {
	return &Queue{store: store, waker: waker}
}

// Enqueue validates payload and stores it as a Pending task. Tasks are ordered
// by priority, then by creation time.
func (q *Queue) Enqueue(ctx context.Context, payload models.Payload, priority models.Priority) (*models.Task, error) {
	if payload == nil {
		return nil, fmt.Errorf("enqueue: payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", payload.Kind(), err)
	}
	if priority < models.PriorityLow || priority > models.PriorityHigh {
		return nil, fmt.Errorf("enqueue: invalid priority %d", priority)
	}

	t := &models.Task{
		ID:       uuid.New(),
		Kind:     payload.Kind(),
		Payload:  payload,
		Priority: priority,
	}
	if err := q.store.EnqueueTask(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", t.Kind, err)
	}

	if q.waker != nil {
		if err := q.waker.Wake(ctx); err != nil {
			slog.Warn("wake workers", "task_id", t.ID, "error", err)
		}
	}
	slog.Debug("task enqueued", "task_id", t.ID, "kind", t.Kind, "priority", t.Priority)
	return t, nil
}

// ClaimNext returns the next task, now Processing, or nil when none is pending.
func (q *Queue) ClaimNext(ctx context.Context) (*models.Task, error) {
	return q.store.ClaimNextTask(ctx)
}

func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	return q.store.CompleteTask(ctx, id)
}

// Fail marks the task Failed. Failed tasks are never retried implicitly.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	return q.store.FailTask(ctx, id, msg)
}

func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return q.store.GetTask(ctx, id)
}

func (q *Queue) PendingDepth(ctx context.Context) (int, error) {
	return q.store.CountPendingTasks(ctx)
}
