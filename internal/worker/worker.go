// Package worker is the sequential poll loop that drains the task queue and
// the backlog of Awaiting images.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/observability"
	"github.com/your-org/livehub/internal/pipeline"
	"github.com/your-org/livehub/internal/queue"
)

// settleTimeout bounds the writes that record the outcome of a unit of work.
// They run on a fresh context so an expired unit timeout still ends in a
// terminal status.
const settleTimeout = 10 * time.Second

type ImageStore interface {
	ClaimNextImage(ctx context.Context, lease time.Duration) (*models.Image, error)
	ClaimImage(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ResetImage(ctx context.Context, id uuid.UUID) error
	CountAwaitingImages(ctx context.Context) (int, error)
}

type ImageProcessor interface {
	Process(ctx context.Context, img *models.Image) (*pipeline.Result, error)
}

type Registrar interface {
	Register(ctx context.Context, userID uuid.UUID, embedding []float32) (*models.UserReference, error)
}

type Backfiller interface {
	Reconcile(ctx context.Context, owner uuid.UUID, reference []float32) (int, error)
	ReconcileOwner(ctx context.Context, owner uuid.UUID, referencePointID *uuid.UUID) (int, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev queue.Event) error
}

// Deps are the collaborators of a Worker. Events and Wakeups are optional.
type Deps struct {
	Queue     *queue.Queue
	Images    ImageStore
	Pipeline  ImageProcessor
	Registrar Registrar
	Backfill  Backfiller
	Events    EventPublisher
	Wakeups   <-chan struct{}
}

type Worker struct {
	Deps
	cfg    config.WorkerConfig
	logger *slog.Logger
}

func New(deps Deps, cfg config.WorkerConfig) *Worker {
	return &Worker{
		Deps:   deps,
		cfg:    cfg,
		logger: slog.Default().With("component", "worker"),
	}
}

// Run polls until ctx is cancelled. Explicit tasks are drained before any
// Awaiting image is picked up. A unit of work already started is allowed to
// finish after cancellation, bounded by the task timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker loop started",
		"poll_interval", w.cfg.PollInterval,
		"task_timeout", w.cfg.TaskTimeout,
	)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker loop stopped")
			return nil
		}

		worked, err := w.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("poll failed", "error", err, "backoff", w.cfg.ErrorBackoff)
			w.sleep(ctx, w.cfg.ErrorBackoff, false)
		case worked:
		default:
			w.sleep(ctx, w.cfg.PollInterval, true)
		}
	}
}

// RunOnce claims and processes at most one task or, failing that, one image.
// It reports whether anything was processed. Errors returned are poll errors;
// failures of the unit itself are recorded on the task or image.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.Queue.ClaimNext(ctx)
	if err != nil {
		observability.WorkerErrors.WithLabelValues("claim_task").Inc()
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task != nil {
		w.handleTask(ctx, task)
		return true, nil
	}

	img, err := w.Images.ClaimNextImage(ctx, w.cfg.ImageLease)
	if err != nil {
		observability.WorkerErrors.WithLabelValues("claim_image").Inc()
		return false, fmt.Errorf("claim image: %w", err)
	}
	if img != nil {
		w.handleImage(ctx, img)
		return true, nil
	}
	return false, nil
}

// unitContext detaches a unit of work from shutdown and bounds it instead.
func (w *Worker) unitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TaskTimeout)
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (w *Worker) handleTask(ctx context.Context, task *models.Task) {
	ctx, cancel := w.unitContext(ctx)
	defer cancel()

	logger := w.logger.With("task_id", task.ID, "kind", task.Kind)
	start := time.Now()

	ev, err := w.dispatch(ctx, logger, task)

	sctx, scancel := settleContext(ctx)
	defer scancel()

	if err != nil {
		logger.Warn("task failed", "error", err)
		if ferr := w.Queue.Fail(sctx, task.ID, err.Error()); ferr != nil {
			logger.Error("mark task failed", "error", ferr)
		}
		observability.TasksProcessed.WithLabelValues(string(task.Kind), string(models.TaskStatusFailed)).Inc()
		w.publish(sctx, queue.Event{Type: queue.EventTaskFailed, TaskID: &task.ID, Kind: string(task.Kind), Error: err.Error()})
		return
	}

	if cerr := w.Queue.Complete(sctx, task.ID); cerr != nil {
		logger.Error("mark task completed", "error", cerr)
	}
	observability.TasksProcessed.WithLabelValues(string(task.Kind), string(models.TaskStatusCompleted)).Inc()
	observability.StageDuration.WithLabelValues("task").Observe(time.Since(start).Seconds())
	logger.Info("task completed", "duration", time.Since(start))

	if ev != nil {
		w.publish(sctx, *ev)
	}
	w.publish(sctx, queue.Event{Type: queue.EventTaskCompleted, TaskID: &task.ID, Kind: string(task.Kind)})
}

// dispatch runs the component selected by the task kind and returns the
// domain event to announce on success.
func (w *Worker) dispatch(ctx context.Context, logger *slog.Logger, task *models.Task) (*queue.Event, error) {
	switch p := task.Payload.(type) {
	case models.ImageProcessingPayload:
		return w.retryImage(ctx, p.ImageID)

	case models.FaceRegistrationPayload:
		ref, err := w.Registrar.Register(ctx, p.UserID, p.Embedding)
		if err != nil {
			return nil, err
		}
		matched, err := w.Backfill.Reconcile(ctx, p.UserID, ref.Embedding)
		if err != nil {
			return nil, fmt.Errorf("backfill: %w", err)
		}
		logger.Info("reference registered", "user_id", p.UserID, "backfilled", matched)
		return &queue.Event{Type: queue.EventReferenceAdded, UserID: &p.UserID, Matched: matched}, nil

	case models.UserBackfillPayload:
		matched, err := w.Backfill.ReconcileOwner(ctx, p.UserID, p.ReferencePointID)
		if err != nil {
			return nil, err
		}
		return &queue.Event{Type: queue.EventBackfillCompleted, UserID: &p.UserID, Matched: matched}, nil

	case nil:
		return nil, fmt.Errorf("task payload could not be decoded")

	default:
		return nil, fmt.Errorf("unsupported task kind %q", task.Kind)
	}
}

// retryImage moves a failed image back to Awaiting, takes its lease and
// processes it in this task, so the caller learns the outcome from the task
// status. An image leased by another worker is left to that worker.
func (w *Worker) retryImage(ctx context.Context, imageID uuid.UUID) (*queue.Event, error) {
	if err := w.Images.ResetImage(ctx, imageID); err != nil {
		if errors.Is(err, models.ErrImageNotAwaiting) {
			return nil, fmt.Errorf("image %s is already processed", imageID)
		}
		return nil, fmt.Errorf("reset image: %w", err)
	}
	img, err := w.Images.ClaimImage(ctx, imageID, w.cfg.ImageLease)
	if err != nil {
		return nil, fmt.Errorf("claim image: %w", err)
	}
	if img == nil {
		cur, err := w.Images.GetImage(ctx, imageID)
		switch {
		case err != nil:
			return nil, fmt.Errorf("load image: %w", err)
		case cur == nil:
			return nil, fmt.Errorf("image %s: %w", imageID, models.ErrNotFound)
		case cur.Status != models.ImageStatusAwaiting:
			return nil, fmt.Errorf("image %s is already processed", imageID)
		default:
			return nil, fmt.Errorf("image %s is being processed by another worker", imageID)
		}
	}

	res, err := w.Pipeline.Process(ctx, img)
	if err != nil {
		return nil, err
	}
	return &queue.Event{Type: queue.EventImageReady, ImageID: &img.ID, Faces: len(res.Faces), Matched: res.Matched}, nil
}

func (w *Worker) handleImage(ctx context.Context, img *models.Image) {
	ctx, cancel := w.unitContext(ctx)
	defer cancel()

	res, err := w.Pipeline.Process(ctx, img)

	sctx, scancel := settleContext(ctx)
	defer scancel()
	if err != nil {
		w.publish(sctx, queue.Event{Type: queue.EventImageError, ImageID: &img.ID, Error: err.Error()})
		return
	}
	w.publish(sctx, queue.Event{Type: queue.EventImageReady, ImageID: &img.ID, Faces: len(res.Faces), Matched: res.Matched})
}

// publish is best effort; events are notifications, the stores hold the state.
func (w *Worker) publish(ctx context.Context, ev queue.Event) {
	if w.Events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := w.Events.PublishEvent(ctx, ev); err != nil {
		w.logger.Warn("publish event", "type", ev.Type, "error", err)
	}
}

// sleep waits for d, ctx cancellation or, when wakeable, a wakeup.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = w.Wakeups
	}
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// ReportDepth refreshes the backlog gauges every interval until ctx ends.
func (w *Worker) ReportDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Queue.PendingDepth(ctx); err == nil {
				observability.PendingTasks.Set(float64(n))
			} else {
				observability.WorkerErrors.WithLabelValues("pending_depth").Inc()
			}
			if n, err := w.Images.CountAwaitingImages(ctx); err == nil {
				observability.AwaitingImages.Set(float64(n))
			} else {
				observability.WorkerErrors.WithLabelValues("awaiting_depth").Inc()
			}
		}
	}
}
