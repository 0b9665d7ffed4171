package backfill

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/storage/mock"
)

var reference = []float32{1, 0, 0}

func at(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

type backlog struct {
	store   *mock.Store
	index   *mock.Index
	r       *Reconciler
	imageID uuid.UUID
}

func newBacklog(t *testing.T) *backlog {
	t.Helper()
	b := &backlog{store: mock.NewStore(), index: mock.NewIndex()}
	img := &models.Image{UploaderID: uuid.New(), StorageKey: "k"}
	require.NoError(t, b.store.CreateImage(context.Background(), img))
	b.imageID = img.ID
	b.r = NewReconciler(b.store, b.index, matching.NewEngine(b.index, 0.6, 3), 100)
	return b
}

// addFace stores a face row and its index point.
func (b *backlog) addFace(vector []float32, owner *uuid.UUID) uuid.UUID {
	faceID, pointID := uuid.New(), uuid.New()
	b.store.AddFace(models.Face{
		ID:         faceID,
		ImageID:    b.imageID,
		BBox:       models.BoundingBox{Width: 10, Height: 10},
		Confidence: 0.9,
		OwnerID:    owner,
		PointID:    &pointID,
	})
	p := index.Point{ID: pointID, Vector: vector, FaceID: faceID, ImageID: b.imageID}
	if owner != nil {
		p.Owner = *owner
	}
	b.index.Put(index.Faces, p)
	return pointID
}

func (b *backlog) ownerOf(t *testing.T, pointID uuid.UUID) (row *uuid.UUID, point uuid.UUID) {
	t.Helper()
	owners, err := b.store.FaceOwnersByPoints(context.Background(), []uuid.UUID{pointID})
	require.NoError(t, err)
	p, ok := b.index.Get(index.Faces, pointID)
	require.True(t, ok)
	if o, ok := owners[pointID]; ok && o != uuid.Nil {
		return &o, p.Owner
	}
	return nil, p.Owner
}

func TestReconcileBacklog(t *testing.T) {
	b := newBacklog(t)
	ctx := context.Background()
	owner := uuid.New()

	var matching, rest []uuid.UUID
	for i := 0; i < 250; i++ {
		if i%25 < 4 {
			matching = append(matching, b.addFace(at(0.8), nil))
		} else {
			rest = append(rest, b.addFace(at(0.3), nil))
		}
	}
	require.Len(t, matching, 40)

	n, err := b.r.Reconcile(ctx, owner, reference)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, []int{100, 100, 50}, b.index.ScrollBatches)

	for _, id := range matching {
		row, point := b.ownerOf(t, id)
		require.NotNil(t, row)
		assert.Equal(t, owner, *row)
		assert.Equal(t, owner, point)
	}
	for _, id := range rest[:5] {
		row, point := b.ownerOf(t, id)
		assert.Nil(t, row)
		assert.Equal(t, uuid.Nil, point)
	}

	again, err := b.r.Reconcile(ctx, owner, reference)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReconcileNeverReassignsOwnedFaces(t *testing.T) {
	b := newBacklog(t)
	ctx := context.Background()
	bob, alice := uuid.New(), uuid.New()

	owned := b.addFace(at(0.95), &bob)
	free := b.addFace(at(0.9), nil)

	n, err := b.r.Reconcile(ctx, alice, reference)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, point := b.ownerOf(t, owned)
	require.NotNil(t, row)
	assert.Equal(t, bob, *row)
	assert.Equal(t, bob, point)

	row, _ = b.ownerOf(t, free)
	require.NotNil(t, row)
	assert.Equal(t, alice, *row)
}

func TestReconcileThresholdBoundary(t *testing.T) {
	b := newBacklog(t)
	owner := uuid.New()
	exact := b.addFace([]float32{0.6, 0.8, 0}, nil)
	below := b.addFace(at(0.59), nil)

	n, err := b.r.Reconcile(context.Background(), owner, reference)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, _ := b.ownerOf(t, exact)
	assert.NotNil(t, row)
	row, _ = b.ownerOf(t, below)
	assert.Nil(t, row)
}

func TestReconcileAbortsOnBatchFailureAndRerunIsSafe(t *testing.T) {
	b := newBacklog(t)
	ctx := context.Background()
	owner := uuid.New()
	for i := 0; i < 250; i++ {
		if i%5 == 0 {
			b.addFace(at(0.85), nil)
		} else {
			b.addFace(at(0.1), nil)
		}
	}

	b.index.ScrollErrorAfter = 1
	partial, err := b.r.Reconcile(ctx, owner, reference)
	require.Error(t, err)
	assert.Less(t, partial, 50)

	b.index.ScrollErrorAfter = 0
	rest, err := b.r.Reconcile(ctx, owner, reference)
	require.NoError(t, err)
	assert.Equal(t, 50, partial+rest)

	again, err := b.r.Reconcile(ctx, owner, reference)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReconcileStoreFailureAborts(t *testing.T) {
	b := newBacklog(t)
	b.addFace(at(0.9), nil)
	b.store.AssignFaceError = models.ErrStoreUnavailable

	_, err := b.r.Reconcile(context.Background(), uuid.New(), reference)
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestReconcileSkipsPointWithoutFaceRow(t *testing.T) {
	b := newBacklog(t)
	pointID := uuid.New()
	b.index.Put(index.Faces, index.Point{ID: pointID, Vector: at(0.9), ImageID: b.imageID})
	// Any index write would fail the run: an in-flight point is not touched.
	b.index.SetOwnerError = models.ErrStoreUnavailable

	n, err := b.r.Reconcile(context.Background(), uuid.New(), reference)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, _ := b.index.Get(index.Faces, pointID)
	assert.Equal(t, uuid.Nil, p.Owner)
}

func TestReconcileKeepsManualOwnerBehindUnassignedPoint(t *testing.T) {
	b := newBacklog(t)
	ctx := context.Background()
	carol, alice := uuid.New(), uuid.New()

	// The row carries a manual owner but the index update after the override
	// was lost, so the point still looks unassigned.
	pointID := b.addFace(at(0.95), nil)
	faces, err := b.store.ListFacesByImage(ctx, b.imageID)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	_, err = b.store.SetFaceOwner(ctx, faces[0].ID, &carol, "ops@example.com")
	require.NoError(t, err)

	n, err := b.r.Reconcile(ctx, alice, reference)
	require.NoError(t, err)
	assert.Zero(t, n)

	row, point := b.ownerOf(t, pointID)
	require.NotNil(t, row)
	assert.Equal(t, carol, *row)
	assert.Equal(t, carol, point, "index owner is re-derived from the row")

	f, err := b.store.GetFace(ctx, faces[0].ID)
	require.NoError(t, err)
	require.NotNil(t, f.AssignedBy)
	assert.Equal(t, "ops@example.com", *f.AssignedBy)
}

func TestAssignFaceLeavesOwnedRowAlone(t *testing.T) {
	b := newBacklog(t)
	bob := uuid.New()
	pointID := b.addFace(at(0.9), &bob)

	assigned, err := b.store.AssignFace(context.Background(), pointID, uuid.New(), 0.9)
	require.NoError(t, err)
	assert.False(t, assigned)

	row, _ := b.ownerOf(t, pointID)
	require.NotNil(t, row)
	assert.Equal(t, bob, *row)
}

func TestReconcileRejectsZeroReference(t *testing.T) {
	b := newBacklog(t)
	_, err := b.r.Reconcile(context.Background(), uuid.New(), []float32{0, 0, 0})
	require.Error(t, err)
}

func TestReconcileOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("uses stored reference", func(t *testing.T) {
		b := newBacklog(t)
		owner := uuid.New()
		_, err := b.store.SaveReference(ctx, &models.UserReference{UserID: owner, PointID: uuid.New(), Embedding: reference})
		require.NoError(t, err)
		b.addFace(at(0.7), nil)

		n, err := b.r.ReconcileOwner(ctx, owner, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("pinned reference point", func(t *testing.T) {
		b := newBacklog(t)
		owner, pointID := uuid.New(), uuid.New()
		b.index.Put(index.References, index.Point{ID: pointID, Vector: []float32{0, 0, 1}, Owner: owner})
		b.addFace([]float32{0, 0.1, 0.99}, nil)
		b.addFace(at(0.9), nil)

		n, err := b.r.ReconcileOwner(ctx, owner, &pointID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("no reference", func(t *testing.T) {
		b := newBacklog(t)
		_, err := b.r.ReconcileOwner(ctx, uuid.New(), nil)
		require.ErrorIs(t, err, models.ErrReferenceNotFound)
	})
}
