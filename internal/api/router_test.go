package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/livehub/internal/admin"
	"github.com/your-org/livehub/internal/api/handlers"
	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/queue"
	"github.com/your-org/livehub/internal/storage/mock"
	"github.com/your-org/livehub/pkg/dto"
)

const testKey = "test-key"

type presigningObjects struct {
	*mock.Objects
}

func (o presigningObjects) PresignedURL(ctx context.Context, key string) (string, error) {
	return "https://objects.test/" + key, nil
}

type fakeExtractor struct {
	embedding []float32
	err       error
}

func (f *fakeExtractor) ExtractSingleFace(ctx context.Context, data []byte) ([]float32, error) {
	return f.embedding, f.err
}

type fixture struct {
	store     *mock.Store
	index     *mock.Index
	objects   *mock.Objects
	extractor *fakeExtractor
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store:     mock.NewStore(),
		index:     mock.NewIndex(),
		objects:   mock.NewObjects(),
		extractor: &fakeExtractor{embedding: []float32{1, 0, 0}},
	}
	engine := matching.NewEngine(f.index, 0.6, 3)
	f.router = NewRouter(RouterConfig{
		APIKeys:    []string{testKey},
		Queue:      queue.New(f.store, nil),
		Images:     f.store,
		Objects:    presigningObjects{f.objects},
		Extractor:  f.extractor,
		Reconciler: backfill.NewReconciler(f.store, f.index, engine, 10),
		Admin:      admin.NewService(f.store, f.index, f.objects),
		Checks: map[string]handlers.Check{
			"postgres": func(ctx context.Context) error { return nil },
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) upload(t *testing.T, path string, fields map[string]string, image []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", "me.jpg")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Checks: map[string]handlers.Check{
		"qdrant": func(ctx context.Context) error { return errors.New("connection refused") },
	}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	w := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"kind":     "user_backfill",
		"priority": "high",
		"payload":  map[string]any{"user_id": user},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[dto.TaskResponse](t, w)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "high", created.Priority)

	w = f.do(t, http.MethodGet, "/v1/tasks/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.TaskResponse](t, w)
	assert.Equal(t, created.ID, got.ID)
	assert.JSONEq(t, `{"user_id":"`+user.String()+`"}`, string(got.Payload))

	w = f.do(t, http.MethodGet, "/v1/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"kind": "resize", "payload": map[string]any{}}},
		{"missing user", map[string]any{"kind": "user_backfill", "payload": map[string]any{}}},
		{"bad priority", map[string]any{"kind": "user_backfill", "priority": "urgent", "payload": map[string]any{"user_id": uuid.New()}}},
		{"missing payload", map[string]any{"kind": "user_backfill"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRegisterReference(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	w := f.upload(t, "/v1/users/"+user.String()+"/reference", nil, []byte("jpeg"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	task := decode[dto.TaskResponse](t, w)
	assert.Equal(t, "face_registration", task.Kind)
	assert.Equal(t, "high", task.Priority)

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want int
		}{
			{"no face", models.ErrNoFaceDetected, http.StatusUnprocessableEntity},
			{"many faces", models.ErrMultipleFacesDetected, http.StatusUnprocessableEntity},
			{"corrupt", models.ErrDetectionFailure, http.StatusUnprocessableEntity},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f.extractor.err = tt.err
				w := f.upload(t, "/v1/users/"+user.String()+"/reference", nil, []byte("jpeg"))
				assert.Equal(t, tt.want, w.Code)
			})
		}
		f.extractor.err = nil
	})

	t.Run("missing file", func(t *testing.T) {
		w := f.upload(t, "/v1/users/"+user.String()+"/reference", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReconcileUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := uuid.New()

	require.NoError(t, f.index.Upsert(ctx, index.References, index.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Owner: alice}))
	_, err := f.store.SaveReference(ctx, &models.UserReference{ID: uuid.New(), UserID: alice, PointID: uuid.New(), Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	img := &models.Image{UploaderID: uuid.New(), StorageKey: "images/x.jpg"}
	require.NoError(t, f.store.CreateImage(ctx, img))
	point := uuid.New()
	f.store.AddFace(models.Face{ID: uuid.New(), ImageID: img.ID, BBox: models.BoundingBox{Width: 5, Height: 5}, Confidence: 0.9, PointID: &point})
	f.index.Put(index.Faces, index.Point{ID: point, Vector: []float32{0.9, 0.1, 0}, ImageID: img.ID})

	w := f.do(t, http.MethodPost, "/v1/users/"+alice.String()+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[dto.ReconcileResponse](t, w).Matched)

	w = f.do(t, http.MethodPost, "/v1/users/"+uuid.NewString()+"/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/v1/users/"+alice.String()+"/backfill?priority=low", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "low", decode[dto.TaskResponse](t, w).Priority)
}

func TestImageLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.upload(t, "/v1/images", map[string]string{"uploader_id": uuid.NewString()}, []byte("jpeg"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[dto.ImageResponse](t, w)
	assert.Equal(t, "awaiting", created.Status)

	stored, err := f.store.GetImage(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, f.objects.Has(stored.StorageKey))

	point := uuid.New()
	faceID := uuid.New()
	f.store.AddFace(models.Face{ID: faceID, ImageID: created.ID, BBox: models.BoundingBox{Width: 5, Height: 5}, Confidence: 0.9, PointID: &point})
	f.index.Put(index.Faces, index.Point{ID: point, Vector: []float32{1, 0, 0}, FaceID: faceID, ImageID: created.ID})

	w = f.do(t, http.MethodGet, "/v1/images/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.ImageResponse](t, w)
	require.Len(t, got.Faces, 1)
	assert.Equal(t, "https://objects.test/"+stored.StorageKey, got.URL)

	owner := uuid.New()
	w = f.do(t, http.MethodPatch, "/v1/faces/"+faceID.String(), map[string]any{"owner_id": owner, "actor": "ops@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	face := decode[dto.FaceResponse](t, w)
	assert.Equal(t, owner, *face.OwnerID)
	assert.Equal(t, "ops@example.com", face.AssignedBy)
	pt, _ := f.index.Get(index.Faces, point)
	assert.Equal(t, owner, pt.Owner)

	w = f.do(t, http.MethodPatch, "/v1/faces/"+faceID.String(), map[string]any{"owner_id": owner, "actor": "auto"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/images/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.objects.Has(stored.StorageKey))
	assert.Equal(t, 0, f.index.Len(index.Faces))

	w = f.do(t, http.MethodGet, "/v1/images/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/faces/"+faceID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadRequiresUploader(t *testing.T) {
	f := newFixture(t)
	w := f.upload(t, "/v1/images", nil, []byte("jpeg"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepair(t *testing.T) {
	f := newFixture(t)
	f.index.Put(index.Faces, index.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Owner: uuid.New()})

	w := f.do(t, http.MethodPost, "/v1/admin/repair", map[string]any{"delete_orphans": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[dto.RepairResponse](t, w)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 0, report.Deleted)
}
