package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/pipeline"
	"github.com/your-org/livehub/internal/queue"
	"github.com/your-org/livehub/internal/registration"
	"github.com/your-org/livehub/internal/storage/mock"
)

type fakeDetector struct {
	detections []models.Detection
}

func (f *fakeDetector) Detect(ctx context.Context, data []byte) ([]models.Detection, error) {
	return f.detections, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []queue.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queue.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	store    *mock.Store
	index    *mock.Index
	objects  *mock.Objects
	detector *fakeDetector
	queue    *queue.Queue
	events   *recordingPublisher
	worker   *Worker
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		PollInterval: time.Hour,
		ErrorBackoff: time.Hour,
		TaskTimeout:  time.Minute,
		ImageLease:   time.Minute,
	}
}

func newFixture(t *testing.T, wakeups <-chan struct{}) *fixture {
	t.Helper()
	f := &fixture{
		store:    mock.NewStore(),
		index:    mock.NewIndex(),
		objects:  mock.NewObjects(),
		detector: &fakeDetector{},
		events:   &recordingPublisher{},
	}
	engine := matching.NewEngine(f.index, 0.6, 3)
	f.queue = queue.New(f.store, nil)
	f.worker = New(Deps{
		Queue:  f.queue,
		Images: f.store,
		Pipeline: pipeline.New(f.store, f.index, engine, f.detector, f.objects,
			func([]byte) (string, error) { return "", nil }),
		Registrar: registration.NewService(f.store, f.index, f.detector),
		Backfill:  backfill.NewReconciler(f.store, f.index, engine, 10),
		Events:    f.events,
		Wakeups:   wakeups,
	}, testConfig())
	return f
}

func (f *fixture) upload(t *testing.T) *models.Image {
	t.Helper()
	img := &models.Image{UploaderID: uuid.New(), StorageKey: "uploads/" + uuid.NewString() + ".jpg"}
	require.NoError(t, f.store.CreateImage(context.Background(), img))
	require.NoError(t, f.objects.PutObject(context.Background(), img.StorageKey, []byte("jpeg"), "image/jpeg"))
	return img
}

func face(embedding ...float32) models.Detection {
	return models.Detection{
		BBox:       models.BoundingBox{X: 1, Y: 1, Width: 40, Height: 40},
		Confidence: 0.9,
		Embedding:  embedding,
	}
}

func TestRunOnceProcessesBacklogThenRegistration(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.detector.detections = []models.Detection{face(0.8, 0.6, 0)}
	img := f.upload(t)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	faces, err := f.store.ListFacesByImage(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Nil(t, faces[0].OwnerID, "no reference registered yet")

	alice := uuid.New()
	task, err := f.queue.Enqueue(ctx, models.FaceRegistrationPayload{UserID: alice, Embedding: []float32{1, 0, 0}}, models.PriorityHigh)
	require.NoError(t, err)

	worked, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	faces, err = f.store.ListFacesByImage(ctx, img.ID)
	require.NoError(t, err)
	require.NotNil(t, faces[0].OwnerID)
	assert.Equal(t, alice, *faces[0].OwnerID)

	pt, ok := f.index.Get(index.Faces, *faces[0].PointID)
	require.True(t, ok)
	assert.Equal(t, alice, pt.Owner)

	worked, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	assert.Equal(t, []queue.EventType{
		queue.EventImageReady,
		queue.EventReferenceAdded,
		queue.EventTaskCompleted,
	}, f.events.types())
}

func TestTasksBeforeImages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	img := f.upload(t)
	task, err := f.queue.Enqueue(ctx, models.UserBackfillPayload{UserID: uuid.New()}, models.PriorityLow)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())

	stored, err := f.store.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusAwaiting, stored.Status)
}

func TestBackfillWithoutReferenceFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, models.UserBackfillPayload{UserID: uuid.New()}, models.PriorityNormal)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Contains(t, f.events.types(), queue.EventTaskFailed)
}

func TestUndecodablePayloadFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	task := &models.Task{Kind: models.TaskKindUserBackfill, Priority: models.PriorityNormal}
	require.NoError(t, f.store.EnqueueTask(ctx, task))

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "could not be decoded")
}

func TestImageProcessingTaskRetriesFailedImage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	img := f.upload(t)
	require.NoError(t, f.store.FailImage(ctx, img.ID, "detector offline"))

	f.detector.detections = []models.Detection{face(0, 1, 0)}
	task, err := f.queue.Enqueue(ctx, models.ImageProcessingPayload{ImageID: img.ID}, models.PriorityNormal)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	stored, err := f.store.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusReady, stored.Status)
	assert.Empty(t, stored.ErrorMessage)

	t.Run("ready image is not reprocessed", func(t *testing.T) {
		task, err := f.queue.Enqueue(ctx, models.ImageProcessingPayload{ImageID: img.ID}, models.PriorityNormal)
		require.NoError(t, err)

		_, err = f.worker.RunOnce(ctx)
		require.NoError(t, err)

		got, err := f.queue.Status(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusFailed, got.Status)
		assert.Contains(t, got.Error, "already processed")
	})

	t.Run("missing image", func(t *testing.T) {
		task, err := f.queue.Enqueue(ctx, models.ImageProcessingPayload{ImageID: uuid.New()}, models.PriorityNormal)
		require.NoError(t, err)

		_, err = f.worker.RunOnce(ctx)
		require.NoError(t, err)

		got, err := f.queue.Status(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusFailed, got.Status)
	})
}

func TestRunOncePollErrors(t *testing.T) {
	t.Run("claim task", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.ClaimTaskError = models.ErrStoreUnavailable

		worked, err := f.worker.RunOnce(context.Background())
		assert.False(t, worked)
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	})

	t.Run("claim image", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.ClaimImageError = models.ErrStoreUnavailable

		worked, err := f.worker.RunOnce(context.Background())
		assert.False(t, worked)
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	})
}

type ctxCheckingProcessor struct {
	sawCancelled bool
	hasDeadline  bool
}

func (p *ctxCheckingProcessor) Process(ctx context.Context, img *models.Image) (*pipeline.Result, error) {
	p.sawCancelled = ctx.Err() != nil
	_, p.hasDeadline = ctx.Deadline()
	return &pipeline.Result{}, nil
}

func TestUnitOfWorkSurvivesShutdown(t *testing.T) {
	f := newFixture(t, nil)
	proc := &ctxCheckingProcessor{}
	f.worker.Pipeline = proc
	f.upload(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	assert.False(t, proc.sawCancelled)
	assert.True(t, proc.hasDeadline)
}

type failingPublisher struct{}

func (failingPublisher) PublishEvent(ctx context.Context, ev queue.Event) error {
	return errors.New("nats: no responders")
}

func TestPublishFailureDoesNotFailTask(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.Events = failingPublisher{}
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, models.FaceRegistrationPayload{UserID: uuid.New(), Embedding: []float32{1, 0, 0}}, models.PriorityHigh)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestRunWakesOnSignal(t *testing.T) {
	wakeups := make(chan struct{}, 1)
	f := newFixture(t, wakeups)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	task, err := f.queue.Enqueue(context.Background(), models.FaceRegistrationPayload{UserID: uuid.New(), Embedding: []float32{0, 1, 0}}, models.PriorityHigh)
	require.NoError(t, err)
	wakeups <- struct{}{}

	require.Eventually(t, func() bool {
		got, err := f.queue.Status(context.Background(), task.ID)
		return err == nil && got.Status == models.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

// deadlineStore rejects terminal writes on a done context, as pgx does.
type deadlineStore struct{ *mock.Store }

func (s deadlineStore) CompleteTask(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteTask(ctx, id)
}

func (s deadlineStore) FailTask(ctx context.Context, id uuid.UUID, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailTask(ctx, id, msg)
}

func (s deadlineStore) CompleteImage(ctx context.Context, id uuid.UUID, faces []models.Face, placeholder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteImage(ctx, id, faces, placeholder)
}

func (s deadlineStore) FailImage(ctx context.Context, id uuid.UUID, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailImage(ctx, id, msg)
}

type blockingBackfiller struct{}

func (blockingBackfiller) Reconcile(ctx context.Context, owner uuid.UUID, reference []float32) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (blockingBackfiller) ReconcileOwner(ctx context.Context, owner uuid.UUID, referencePointID *uuid.UUID) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type blockingDetector struct{}

func (blockingDetector) Detect(ctx context.Context, data []byte) ([]models.Detection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimedOutTaskIsFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.worker.cfg.TaskTimeout = 20 * time.Millisecond
	f.worker.Queue = queue.New(deadlineStore{f.store}, nil)
	f.worker.Backfill = blockingBackfiller{}

	task, err := f.queue.Enqueue(ctx, models.UserBackfillPayload{UserID: uuid.New()}, models.PriorityNormal)
	require.NoError(t, err)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "deadline exceeded")
	assert.Equal(t, []queue.EventType{queue.EventTaskFailed}, f.events.types())
}

func TestTimedOutImageIsFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.worker.cfg.TaskTimeout = 20 * time.Millisecond
	f.worker.Pipeline = pipeline.New(deadlineStore{f.store}, f.index, matching.NewEngine(f.index, 0.6, 3),
		blockingDetector{}, f.objects, nil)
	img := f.upload(t)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	stored, err := f.store.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "deadline exceeded")
	assert.Equal(t, []queue.EventType{queue.EventImageError}, f.events.types())
}

func TestImageProcessingTaskLeavesLeasedImage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	img := f.upload(t)
	leased, err := f.store.ClaimNextImage(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, img.ID, leased.ID)

	f.detector.detections = []models.Detection{face(0, 1, 0)}
	task, err := f.queue.Enqueue(ctx, models.ImageProcessingPayload{ImageID: img.ID}, models.PriorityNormal)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.queue.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "being processed by another worker")

	faces, err := f.store.ListFacesByImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Empty(t, faces, "the lease holder writes the face set")

	stored, err := f.store.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusAwaiting, stored.Status)
}
