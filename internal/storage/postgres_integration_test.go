//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/livehub/internal/models"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "livehub",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/livehub?sslmode=disable", host, port.Port())
	store, err := NewPostgresStoreFromDSN(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	t.Run("migrate is idempotent", func(t *testing.T) {
		require.NoError(t, store.Migrate(ctx))
		applied, err := store.MigrationsApplied(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"001_init.sql"}, applied)
	})

	t.Run("task priority order", func(t *testing.T) {
		enqueue := func(p models.Priority) uuid.UUID {
			task := &models.Task{Kind: models.TaskKindUserBackfill, Payload: models.UserBackfillPayload{UserID: uuid.New()}, Priority: p}
			require.NoError(t, store.EnqueueTask(ctx, task))
			return task.ID
		}
		low := enqueue(models.PriorityLow)
		normal1 := enqueue(models.PriorityNormal)
		high := enqueue(models.PriorityHigh)
		normal2 := enqueue(models.PriorityNormal)

		for _, want := range []uuid.UUID{high, normal1, normal2, low} {
			got, err := store.ClaimNextTask(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, models.TaskStatusProcessing, got.Status)
			require.IsType(t, models.UserBackfillPayload{}, got.Payload)
			require.NoError(t, store.CompleteTask(ctx, got.ID))
		}

		none, err := store.ClaimNextTask(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)

		err = store.CompleteTask(ctx, high)
		assert.ErrorIs(t, err, models.ErrNotFound, "finished tasks cannot be finished again")
	})

	t.Run("concurrent claims are exclusive", func(t *testing.T) {
		const tasks, workers = 40, 8
		for i := 0; i < tasks; i++ {
			require.NoError(t, store.EnqueueTask(ctx, &models.Task{
				Kind:     models.TaskKindUserBackfill,
				Payload:  models.UserBackfillPayload{UserID: uuid.New()},
				Priority: models.PriorityNormal,
			}))
		}

		var (
			mu      sync.Mutex
			claimed = map[uuid.UUID]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := store.ClaimNextTask(ctx)
					if err != nil || task == nil {
						return
					}
					mu.Lock()
					claimed[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, tasks)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "task %s claimed more than once", id)
		}
	})

	t.Run("undecodable payload still claims", func(t *testing.T) {
		_, err := store.pool.Exec(ctx,
			`INSERT INTO tasks (id, kind, payload, priority) VALUES ($1, 'user_backfill', '{"user_id": 7}', 2)`, uuid.New())
		require.NoError(t, err)

		task, err := store.ClaimNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Nil(t, task.Payload)
		require.NoError(t, store.FailTask(ctx, task.ID, "bad payload"))

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusFailed, got.Status)
		assert.Equal(t, "bad payload", got.Error)
	})

	t.Run("image lifecycle", func(t *testing.T) {
		img := &models.Image{UploaderID: uuid.New(), Filename: "a.jpg", StorageKey: "images/a.jpg"}
		require.NoError(t, store.CreateImage(ctx, img))

		claimed, err := store.ClaimNextImage(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, img.ID, claimed.ID)

		again, err := store.ClaimNextImage(ctx, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "leased image is hidden from other claimers")

		owner := uuid.New()
		sim := float32(0.72)
		auto := models.AssignedByAuto
		p1, p2 := uuid.New(), uuid.New()
		faces := []models.Face{
			{ID: uuid.New(), BBox: models.BoundingBox{X: 1, Y: 2, Width: 30, Height: 40}, Confidence: 0.98, PointID: &p1, OwnerID: &owner, Similarity: &sim, AssignedBy: &auto},
			{ID: uuid.New(), BBox: models.BoundingBox{X: 100, Y: 2, Width: 30, Height: 40}, Confidence: 0.91, PointID: &p2},
		}
		require.NoError(t, store.CompleteImage(ctx, img.ID, faces, "data:image/jpeg;base64,AAAA"))
		assert.ErrorIs(t, store.CompleteImage(ctx, img.ID, nil, ""), models.ErrImageNotAwaiting)
		assert.ErrorIs(t, store.FailImage(ctx, img.ID, "late failure"), models.ErrImageNotAwaiting)

		got, err := store.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ImageStatusReady, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Equal(t, "data:image/jpeg;base64,AAAA", got.Placeholder)

		stored, err := store.ListFacesByImage(ctx, img.ID)
		require.NoError(t, err)
		require.Len(t, stored, 2)

		ok, err := store.AssignFace(ctx, p2, owner, 0.65)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.AssignFace(ctx, p2, uuid.New(), 0.9)
		require.NoError(t, err)
		assert.False(t, ok, "an owned face keeps its owner")
		ok, err = store.AssignFace(ctx, uuid.New(), owner, 0.65)
		require.NoError(t, err)
		assert.False(t, ok)

		owners, err := store.FaceOwnersByPoints(ctx, []uuid.UUID{p1, p2, uuid.New()})
		require.NoError(t, err)
		assert.Equal(t, map[uuid.UUID]uuid.UUID{p1: owner, p2: owner}, owners)

		cleared, err := store.SetFaceOwner(ctx, faces[0].ID, nil, "ops")
		require.NoError(t, err)
		assert.Nil(t, cleared.OwnerID)
		assert.Nil(t, cleared.Similarity)
		assert.Nil(t, cleared.AssignedBy)

		assert.ErrorIs(t, store.ResetImage(ctx, img.ID), models.ErrImageNotAwaiting)

		deleted, err := store.DeleteImage(ctx, img.ID)
		require.NoError(t, err)
		require.NotNil(t, deleted)
		left, err := store.ListFacesByImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Empty(t, left, "faces cascade with their image")
	})

	t.Run("failed image retry", func(t *testing.T) {
		img := &models.Image{UploaderID: uuid.New(), StorageKey: "images/b.jpg"}
		require.NoError(t, store.CreateImage(ctx, img))
		require.NoError(t, store.FailImage(ctx, img.ID, "corrupt"))
		assert.ErrorIs(t, store.CompleteImage(ctx, img.ID, nil, ""), models.ErrImageNotAwaiting)

		require.NoError(t, store.ResetImage(ctx, img.ID))
		got, err := store.GetImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ImageStatusAwaiting, got.Status)
		assert.Empty(t, got.ErrorMessage)

		leased, err := store.ClaimImage(ctx, img.ID, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, img.ID, leased.ID)
		held, err := store.ClaimImage(ctx, img.ID, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, held, "a leased image cannot be claimed twice")

		assert.ErrorIs(t, store.ResetImage(ctx, uuid.New()), models.ErrNotFound)
		assert.ErrorIs(t, store.FailImage(ctx, uuid.New(), "gone"), models.ErrNotFound)
	})

	t.Run("reference supersede", func(t *testing.T) {
		user := uuid.New()
		first := &models.UserReference{UserID: user, PointID: uuid.New(), Embedding: []float32{1, 0, 0}}
		prev, err := store.SaveReference(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, prev)

		second := &models.UserReference{UserID: user, PointID: uuid.New(), Embedding: []float32{0, 1, 0}}
		prev, err = store.SaveReference(ctx, second)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, first.PointID, prev.PointID)

		got, err := store.GetReference(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, second.PointID, got.PointID)
		assert.Equal(t, []float32{0, 1, 0}, got.Embedding)

		missing, err := store.GetReference(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}
