package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/pkg/dto"
)

// maxUploadBytes bounds a single multipart image.
const maxUploadBytes = 20 << 20

type FaceExtractor interface {
	ExtractSingleFace(ctx context.Context, data []byte) ([]float32, error)
}

type OwnerReconciler interface {
	ReconcileOwner(ctx context.Context, owner uuid.UUID, referencePointID *uuid.UUID) (int, error)
}

type ObjectWriter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

type UserHandler struct {
	queue      TaskQueue
	extractor  FaceExtractor
	reconciler OwnerReconciler
	objects    ObjectWriter
}

// NewUserHandler wires the user endpoints. extractor may be nil when the
// detection models are not loaded; reference uploads then return 503.
func NewUserHandler(queue TaskQueue, extractor FaceExtractor, reconciler OwnerReconciler, objects ObjectWriter) *UserHandler {
	return &UserHandler{queue: queue, extractor: extractor, reconciler: reconciler, objects: objects}
}

type upload struct {
	data        []byte
	filename    string
	contentType string
}

// readImage reads the "image" multipart field.
func readImage(c *gin.Context) (*upload, bool) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		badRequest(c, "image file required")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "read image failed"})
		return nil, false
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "image too large"})
		return nil, false
	}
	if len(data) == 0 {
		badRequest(c, "image file is empty")
		return nil, false
	}
	return &upload{
		data:        data,
		filename:    filepath.Base(header.Filename),
		contentType: header.Header.Get("Content-Type"),
	}, true
}

// RegisterReference accepts a single-face photo, checks it synchronously and
// enqueues a high priority registration. The backfill runs on the worker.
func (h *UserHandler) RegisterReference(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if h.extractor == nil {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "face detection not initialized"})
		return
	}

	up, ok := readImage(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	embedding, err := h.extractor.ExtractSingleFace(ctx, up.data)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.objects != nil {
		key := "references/" + userID.String() + "/" + uuid.NewString() + "_" + up.filename
		if err := h.objects.PutObject(ctx, key, up.data, up.contentType); err != nil {
			slog.Warn("archive reference image", "user_id", userID, "error", err)
		}
	}

	task, err := h.queue.Enqueue(ctx, models.FaceRegistrationPayload{UserID: userID, Embedding: embedding}, models.PriorityHigh)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

// Backfill enqueues a backfill run against the user's current reference.
func (h *UserHandler) Backfill(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}
	priority, err := models.ParsePriority(c.Query("priority"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	task, err := h.queue.Enqueue(c.Request.Context(), models.UserBackfillPayload{UserID: userID}, priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

// Reconcile runs the backfill in the request.
func (h *UserHandler) Reconcile(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}
	matched, err := h.reconciler.ReconcileOwner(c.Request.Context(), userID, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ReconcileResponse{UserID: userID, Matched: matched})
}
